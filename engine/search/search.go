// Package search orchestrates the listing search pipeline. A query is
// normalized into the pivot language, embedded, matched against the vector
// index, ranked, cross-referenced with the relational store, turned into a
// grounded prompt, answered by the generator and localized back. Completed
// searches by identified users are recorded in the background.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/lang"
	"github.com/WessleyAI/carsearch/engine/prompt"
	"github.com/WessleyAI/carsearch/engine/rank"
	"github.com/WessleyAI/carsearch/engine/semantic"
	"github.com/WessleyAI/carsearch/pkg/fn"
	"github.com/WessleyAI/carsearch/pkg/resilience"
)

// Normalizer prepares raw query text for the pivot-language pipeline.
type Normalizer interface {
	Normalize(ctx context.Context, query string) (lang.Normalized, error)
}

// Localizer translates the answer back when normalization translated.
type Localizer interface {
	Localize(ctx context.Context, answer string, needs bool) (string, error)
}

// Embedder turns text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Retriever queries the vector index.
type Retriever interface {
	Query(ctx context.Context, vector []float32, k int, fields []string) (semantic.Hits, error)
}

// Generator produces a complete, non-streaming answer.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Listings resolves authoritative listing records by id.
type Listings interface {
	GetByIDs(ctx context.Context, ids []int64) ([]domain.ListingRecord, error)
}

// Recorder appends one conversation entry.
type Recorder interface {
	Record(ctx context.Context, entry domain.ConversationEntry) error
}

// Metrics observes pipeline steps. *metrics.Metrics satisfies it.
type Metrics interface {
	ObserveStep(step string, start time.Time)
	IncStepFailure(step string)
	ObserveSearch(outcome string, candidates int)
}

// Deps are the collaborators of a Service. Listings, Recorder, Metrics and
// Breaker are optional.
type Deps struct {
	Normalizer Normalizer
	Localizer  Localizer
	Embedder   Embedder
	Retriever  Retriever
	Generator  Generator
	Listings   Listings
	Recorder   Recorder
	Metrics    Metrics
	// Breaker guards the generation step.
	Breaker *resilience.Breaker
}

// RetryPolicy is the attempt budget per remote step. Attempts are
// independent and immediate; every failed attempt is logged.
type RetryPolicy struct {
	Translate int
	Embed     int
	Retrieve  int
	Generate  int
}

// Options configures pipeline behaviour.
type Options struct {
	DefaultTopK int
	MaxTopK     int
	// OverFetch is the retrieval pool size, independent of the requested count.
	OverFetch int
	// Timeout bounds a whole search, every remote call included.
	Timeout time.Duration
	// RecordTimeout bounds a background conversation write.
	RecordTimeout time.Duration
	Retry         RetryPolicy
}

// DefaultOptions returns the production defaults. Only embedding retries.
func DefaultOptions() Options {
	return Options{
		DefaultTopK:   domain.DefaultTopK,
		MaxTopK:       50,
		OverFetch:     50,
		Timeout:       90 * time.Second,
		RecordTimeout: 5 * time.Second,
		Retry:         RetryPolicy{Translate: 1, Embed: 3, Retrieve: 1, Generate: 1},
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultTopK <= 0 {
		o.DefaultTopK = d.DefaultTopK
	}
	if o.MaxTopK <= 0 {
		o.MaxTopK = d.MaxTopK
	}
	if o.OverFetch <= 0 {
		o.OverFetch = d.OverFetch
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.RecordTimeout <= 0 {
		o.RecordTimeout = d.RecordTimeout
	}
	if o.Retry.Translate <= 0 {
		o.Retry.Translate = d.Retry.Translate
	}
	if o.Retry.Embed <= 0 {
		o.Retry.Embed = d.Retry.Embed
	}
	if o.Retry.Retrieve <= 0 {
		o.Retry.Retrieve = d.Retry.Retrieve
	}
	if o.Retry.Generate <= 0 {
		o.Retry.Generate = d.Retry.Generate
	}
	return o
}

// Step names used in spans, logs and metrics.
const (
	StepNormalize = "normalize"
	StepEmbed     = "embed"
	StepRetrieve  = "retrieve"
	StepGenerate  = "generate"
	StepLocalize  = "localize"
	StepRecord    = "record"
)

type retrieveIn struct {
	vector []float32
	pool   int
}

type localizeIn struct {
	answer string
	needs  bool
}

// Service is the search orchestration service.
type Service struct {
	deps    Deps
	opts    Options
	logger  *slog.Logger
	metrics Metrics

	normalize fn.Stage[string, lang.Normalized]
	embed     fn.Stage[string, []float32]
	retrieve  fn.Stage[retrieveIn, semantic.Hits]
	generate  fn.Stage[string, string]
	localize  fn.Stage[localizeIn, string]

	recordings sync.WaitGroup
}

// New creates a Service.
func New(deps Deps, opts Options, logger *slog.Logger) (*Service, error) {
	switch {
	case deps.Normalizer == nil:
		return nil, errors.New("search: normalizer is required")
	case deps.Localizer == nil:
		return nil, errors.New("search: localizer is required")
	case deps.Embedder == nil:
		return nil, errors.New("search: embedder is required")
	case deps.Retriever == nil:
		return nil, errors.New("search: retriever is required")
	case deps.Generator == nil:
		return nil, errors.New("search: generator is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{deps: deps, opts: opts.withDefaults(), logger: logger, metrics: deps.Metrics}
	if s.metrics == nil {
		s.metrics = nopMetrics{}
	}

	s.normalize = step(s, StepNormalize, s.opts.Retry.Translate, fn.Lift(deps.Normalizer.Normalize))
	s.embed = step(s, StepEmbed, s.opts.Retry.Embed, fn.Lift(deps.Embedder.Embed))
	s.retrieve = step(s, StepRetrieve, s.opts.Retry.Retrieve, fn.Lift(func(ctx context.Context, in retrieveIn) (semantic.Hits, error) {
		return deps.Retriever.Query(ctx, in.vector, in.pool, domain.MetaKeys)
	}))
	gen := fn.Lift(deps.Generator.Generate)
	if deps.Breaker != nil {
		gen = resilience.BreakerStage(deps.Breaker, gen)
	}
	s.generate = step(s, StepGenerate, s.opts.Retry.Generate, gen)
	s.localize = step(s, StepLocalize, s.opts.Retry.Translate, fn.Lift(func(ctx context.Context, in localizeIn) (string, error) {
		return deps.Localizer.Localize(ctx, in.answer, in.needs)
	}))
	return s, nil
}

// step wraps a remote call with bounded retry, failure logging, latency
// metrics and a span.
func step[In, Out any](s *Service, name string, attempts int, stage fn.Stage[In, Out]) fn.Stage[In, Out] {
	retry := fn.Attempts(attempts)
	retry.Retryable = transient
	retry.OnError = func(attempt int, err error) {
		s.metrics.IncStepFailure(name)
		s.logger.Warn("search step attempt failed",
			"step", name, "attempt", attempt, "max_attempts", attempts, "err", err)
	}
	retried := fn.RetryStage(retry, stage)
	return fn.TracedStage("search."+name, func(ctx context.Context, in In) fn.Result[Out] {
		start := time.Now()
		defer s.metrics.ObserveStep(name, start)
		return retried(ctx, in)
	})
}

// transient reports whether err may clear on retry. Errors that classify
// themselves through Temporary, such as Ollama status errors, are trusted;
// anything else is assumed transient.
func transient(err error) bool {
	var t interface{ Temporary() bool }
	if errors.As(err, &t) {
		return t.Temporary()
	}
	return true
}

// ResultItem is one ranked listing in a response.
type ResultItem struct {
	ID       int64                  `json:"id"`
	Distance float64                `json:"distance"`
	Metadata domain.DisplayMetadata `json:"metadata"`
}

// Response is the outcome of a successful search.
type Response struct {
	Answer     string       `json:"answer"`
	Candidates []ResultItem `json:"retrieved_cars"`
	// Query is the pivot-language text that was embedded and prompted.
	Query     string `json:"-"`
	Localized bool   `json:"-"`
}

// Search runs the full pipeline for one request. Every failure is an *Error.
func (s *Service) Search(ctx context.Context, req domain.QueryRequest) (*Response, error) {
	resp, err := s.search(ctx, req)
	if err != nil {
		s.metrics.ObserveSearch("error", 0)
		s.logger.Error("search failed", "kind", KindOf(err), "err", err)
		return nil, err
	}
	s.metrics.ObserveSearch("ok", len(resp.Candidates))
	return resp, nil
}

func (s *Service) search(ctx context.Context, req domain.QueryRequest) (*Response, error) {
	if req.TopK == 0 {
		req.TopK = s.opts.DefaultTopK
	}
	req, err := domain.ValidateQueryRequest(req, s.opts.MaxTopK)
	if err != nil {
		return nil, &Error{Kind: KindInvalidRequest, Op: "validate", Err: err}
	}
	s.logger.Info("search start", "query_len", len(req.Query), "top_k", req.TopK, "identified", req.UserID != nil)

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	norm, err := s.normalize(ctx, req.Query).Unwrap()
	if err != nil {
		return nil, s.fail(ctx, KindTranslationFailed, StepNormalize, err)
	}

	vec, err := s.embed(ctx, norm.Query).Unwrap()
	if err != nil {
		return nil, s.fail(ctx, KindEmbeddingUnavailable, StepEmbed, err)
	}

	hits, err := s.retrieve(ctx, retrieveIn{vector: vec, pool: max(s.opts.OverFetch, req.TopK)}).Unwrap()
	if err != nil {
		return nil, s.fail(ctx, KindRetrievalFailed, StepRetrieve, err)
	}
	cands, err := rank.Rank(hits, req.TopK)
	if err != nil {
		return nil, s.fail(ctx, KindRetrievalFailed, "rank", err)
	}
	s.logger.Info("search retrieval done", "pool", hits.Len(), "candidates", len(cands))

	s.crossReference(ctx, cands)

	answer, err := s.generate(ctx, prompt.Build(norm.Query, cands, req.TopK)).Unwrap()
	if err != nil {
		return nil, s.fail(ctx, KindGenerationFailed, StepGenerate, err)
	}

	final, err := s.localize(ctx, localizeIn{answer: answer, needs: norm.NeedsLocalization}).Unwrap()
	if err != nil {
		return nil, s.fail(ctx, KindTranslationFailed, StepLocalize, err)
	}

	resp := &Response{
		Answer:     final,
		Candidates: fn.Map(cands, toItem),
		Query:      norm.Query,
		Localized:  norm.NeedsLocalization,
	}

	if req.UserID != nil {
		s.record(ctx, domain.ConversationEntry{
			UserID:    *req.UserID,
			Title:     domain.ConversationTitle(req.Query),
			Message:   req.Query,
			Answer:    final,
			Timestamp: time.Now().UTC(),
		})
	}
	return resp, nil
}

// fail classifies err. A step cut short by the request budget is a timeout
// whatever step it hit.
func (s *Service) fail(ctx context.Context, kind Kind, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && errors.Is(err, context.DeadlineExceeded) {
		kind = KindTimeout
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// crossReference attaches relational records to candidates. The index may
// run ahead of or behind the store, so missing records and lookup failures
// only cost display fields.
func (s *Service) crossReference(ctx context.Context, cands []domain.Candidate) {
	if s.deps.Listings == nil || len(cands) == 0 {
		return
	}
	ids := fn.Map(cands, func(c domain.Candidate) int64 { return c.ID })
	records, err := s.deps.Listings.GetByIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("listing cross-reference failed, using index metadata", "ids", len(ids), "err", err)
		return
	}
	byID := make(map[int64]*domain.ListingRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}
	missing := 0
	for i := range cands {
		if r, ok := byID[cands[i].ID]; ok {
			cands[i].Listing = r
		} else {
			missing++
		}
	}
	if missing > 0 {
		s.logger.Info("listings missing from store", "missing", missing)
	}
}

func toItem(c domain.Candidate) ResultItem {
	return ResultItem{ID: c.ID, Distance: c.Distance, Metadata: domain.NewDisplayMetadata(c)}
}

// record appends the conversation in the background. It outlives the
// request context but not RecordTimeout; failures are logged only.
func (s *Service) record(ctx context.Context, entry domain.ConversationEntry) {
	if s.deps.Recorder == nil {
		return
	}
	s.recordings.Add(1)
	go func() {
		defer s.recordings.Done()
		defer func() {
			if p := recover(); p != nil {
				s.logger.Error("conversation recorder panicked", "panic", fmt.Sprint(p))
			}
		}()

		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RecordTimeout)
		defer cancel()

		start := time.Now()
		err := s.deps.Recorder.Record(rctx, entry)
		s.metrics.ObserveStep(StepRecord, start)
		if err != nil {
			s.metrics.IncStepFailure(StepRecord)
			s.logger.Warn("conversation recording failed",
				"user_id", entry.UserID, "err", fmt.Errorf("%w: %w", ErrRecordingFailed, err))
		}
	}()
}

// Wait blocks until background recordings finish.
func (s *Service) Wait() {
	s.recordings.Wait()
}

type nopMetrics struct{}

func (nopMetrics) ObserveStep(string, time.Time) {}
func (nopMetrics) IncStepFailure(string)         {}
func (nopMetrics) ObserveSearch(string, int)     {}
