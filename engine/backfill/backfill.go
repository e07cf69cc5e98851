// Package backfill embeds stored listings and writes them to the vector
// index in paced, fixed-size batches.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/WessleyAI/carsearch/engine/domain"
	"github.com/WessleyAI/carsearch/engine/semantic"
	"github.com/WessleyAI/carsearch/pkg/fn"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/time/rate"
)

// Defaults applied by Run to zero fields.
const (
	DefaultBatchSize = 10
	DefaultPause     = 500 * time.Millisecond
	DefaultWorkers   = 4
)

// Metric results.
const (
	ResultIndexed = "indexed"
	ResultFailed  = "failed"
)

// Source reads listings ordered by id.
type Source interface {
	Batch(ctx context.Context, offset, limit int) ([]domain.ListingRecord, error)
}

// Embedder turns listing text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index stores listing vectors.
type Index interface {
	Upsert(ctx context.Context, points []semantic.Point) error
}

// Metrics counts backfilled records. *metrics.Metrics satisfies it.
type Metrics interface {
	AddBackfill(result string, n int)
}

// RecordError is a listing that could not be embedded.
type RecordError struct {
	ID  int64
	Err error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("listing %d: %v", e.ID, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

// Progress is reported after every batch.
type Progress struct {
	Offset  int
	Read    int
	Indexed int
	Failed  int
}

// Report summarizes a run. Failures holds one *RecordError per skipped
// listing.
type Report struct {
	Batches  int
	Read     int
	Indexed  int
	Failures *multierror.Error
}

// Failed returns the number of skipped listings.
func (r Report) Failed() int {
	if r.Failures == nil {
		return 0
	}
	return len(r.Failures.Errors)
}

// Runner walks the listing store and indexes every record.
type Runner struct {
	Source   Source
	Embedder Embedder
	Index    Index
	// BatchSize listings are read, embedded and upserted together.
	BatchSize int
	// Pause separates consecutive batches.
	Pause time.Duration
	// Workers bounds concurrent embedding calls within a batch.
	Workers int
	// Limit stops after that many listings; 0 reads everything.
	Limit      int
	Logger     *slog.Logger
	Metrics    Metrics
	OnProgress func(Progress)
}

// Run indexes listings until the source is exhausted, Limit is reached or
// ctx ends. Embedding failures skip the listing; read and upsert failures
// abort the run.
func (r *Runner) Run(ctx context.Context) (Report, error) {
	if r.Source == nil || r.Embedder == nil || r.Index == nil {
		return Report{}, errors.New("backfill: source, embedder and index are required")
	}
	size := r.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}
	pause := r.Pause
	if pause <= 0 {
		pause = DefaultPause
	}
	workers := r.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}
	limiter := rate.NewLimiter(rate.Every(pause), 1)

	var rep Report
	for offset := 0; ; offset += size {
		want := size
		if r.Limit > 0 {
			if rep.Read >= r.Limit {
				break
			}
			want = min(size, r.Limit-rep.Read)
		}
		if err := limiter.Wait(ctx); err != nil {
			return rep, fmt.Errorf("backfill: %w", err)
		}

		batch, err := r.Source.Batch(ctx, offset, want)
		if err != nil {
			return rep, fmt.Errorf("backfill: read at %d: %w", offset, err)
		}
		if len(batch) == 0 {
			break
		}
		rep.Batches++
		rep.Read += len(batch)

		points, failures := r.embed(ctx, batch, workers)
		if err := ctx.Err(); err != nil {
			return rep, fmt.Errorf("backfill: batch at %d: %w", offset, err)
		}
		for _, f := range failures {
			log.Warn("listing embedding failed, skipping", "listing_id", f.ID, "err", f.Err)
			rep.Failures = multierror.Append(rep.Failures, f)
		}
		if len(points) > 0 {
			if err := r.Index.Upsert(ctx, points); err != nil {
				return rep, fmt.Errorf("backfill: upsert at %d: %w", offset, err)
			}
		}
		rep.Indexed += len(points)
		r.count(ResultIndexed, len(points))
		r.count(ResultFailed, len(failures))

		log.Info("backfill batch done", "offset", offset, "read", len(batch), "indexed", len(points), "failed", len(failures))
		if r.OnProgress != nil {
			r.OnProgress(Progress{Offset: offset, Read: len(batch), Indexed: len(points), Failed: len(failures)})
		}
		if len(batch) < want {
			break
		}
	}
	log.Info("backfill complete", "batches", rep.Batches, "indexed", rep.Indexed, "failed", rep.Failed())
	return rep, nil
}

func (r *Runner) embed(ctx context.Context, batch []domain.ListingRecord, workers int) ([]semantic.Point, []*RecordError) {
	results := fn.ParMapResult(ctx, batch, workers, func(ctx context.Context, l domain.ListingRecord) fn.Result[semantic.Point] {
		doc := domain.EmbeddingText(l)
		vec, err := r.Embedder.Embed(ctx, doc)
		if err != nil {
			return fn.Err[semantic.Point](err)
		}
		return fn.Ok(semantic.Point{ID: l.ID, Vector: vec, Metadata: domain.SanitizeMetadata(l), Document: doc})
	})

	var points []semantic.Point
	var failures []*RecordError
	for i, res := range results {
		p, err := res.Unwrap()
		if err != nil {
			failures = append(failures, &RecordError{ID: batch[i].ID, Err: err})
			continue
		}
		points = append(points, p)
	}
	return points, failures
}

func (r *Runner) count(result string, n int) {
	if r.Metrics != nil && n > 0 {
		r.Metrics.AddBackfill(result, n)
	}
}
