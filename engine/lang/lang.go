// Package lang normalizes queries into the pivot language before retrieval
// and localizes generated answers back afterwards.
package lang

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"
)

// Pivot is the language every generation prompt is written in.
const Pivot = "en"

var (
	// ErrDetectionAmbiguous means the detector could not commit to a language.
	ErrDetectionAmbiguous = errors.New("lang: detection ambiguous")
	// ErrTranslationFailed wraps every translation-service failure.
	ErrTranslationFailed = errors.New("lang: translation failed")
)

// Detector reports the ISO 639-1 code of text.
type Detector interface {
	Detect(text string) (string, error)
}

// Translator converts text into target. sourceHint may be empty.
type Translator interface {
	Translate(ctx context.Context, text, sourceHint, target string) (string, error)
}

// WhatlangDetector is a deterministic trigram detector. The zero value
// considers every language whatlanggo knows; NewWhatlangDetector narrows it
// to the languages a deployment actually serves, which short queries need.
type WhatlangDetector struct {
	// MinConfidence below which detection is reported ambiguous.
	MinConfidence float64
	opts          whatlanggo.Options
}

// NewWhatlangDetector restricts detection to Pivot plus languages, each given
// as an ISO 639-1 code or an English name ("mk", "Macedonian").
func NewWhatlangDetector(languages ...string) (WhatlangDetector, error) {
	allow := map[whatlanggo.Lang]bool{whatlanggo.Eng: true}
	for _, name := range languages {
		l, ok := lookupLang(name)
		if !ok {
			return WhatlangDetector{}, fmt.Errorf("lang: unknown language %q", name)
		}
		allow[l] = true
	}
	return WhatlangDetector{opts: whatlanggo.Options{Whitelist: allow}}, nil
}

func lookupLang(name string) (whatlanggo.Lang, bool) {
	name = strings.TrimSpace(name)
	for l := whatlanggo.Afr; l <= whatlanggo.Zul; l++ {
		if strings.EqualFold(l.Iso6391(), name) || strings.EqualFold(l.String(), name) {
			return l, true
		}
	}
	return -1, false
}

// Detect implements Detector.
func (d WhatlangDetector) Detect(text string) (string, error) {
	if strings.TrimSpace(text) == "" {
		return "", ErrDetectionAmbiguous
	}
	info := whatlanggo.DetectWithOptions(text, d.opts)
	code := info.Lang.Iso6391()
	if code == "" || info.Confidence <= d.MinConfidence {
		return "", fmt.Errorf("%w: %q (confidence %.2f)", ErrDetectionAmbiguous, code, info.Confidence)
	}
	return code, nil
}

// Normalized is a query prepared for the pivot-language pipeline.
type Normalized struct {
	Query             string
	Original          string
	Detected          string
	NeedsLocalization bool
}

// Normalizer detects the query language and translates non-pivot queries.
type Normalizer struct {
	detector   Detector
	translator Translator
	logger     *slog.Logger
}

// NewNormalizer creates a Normalizer.
func NewNormalizer(d Detector, t Translator, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{detector: d, translator: t, logger: logger}
}

// Normalize returns the pivot-language form of query. Detection failure is
// treated as non-pivot so the query gets translated rather than mismatched.
func (n *Normalizer) Normalize(ctx context.Context, query string) (Normalized, error) {
	out := Normalized{Query: query, Original: query}

	code, err := n.detector.Detect(query)
	if err != nil {
		n.logger.Warn("language detection ambiguous, translating", "query_len", len(query), "err", err)
	}
	out.Detected = code
	if err == nil && code == Pivot {
		return out, nil
	}

	translated, err := n.translator.Translate(ctx, query, code, Pivot)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: to %s: %w", ErrTranslationFailed, Pivot, err)
	}
	translated = strings.TrimSpace(translated)
	if translated == "" {
		return Normalized{}, fmt.Errorf("%w: to %s: empty result", ErrTranslationFailed, Pivot)
	}
	out.Query = translated
	out.NeedsLocalization = true
	return out, nil
}

// Localizer translates pivot-language answers into a fixed target language.
type Localizer struct {
	translator Translator
	target     string
}

// NewLocalizer creates a Localizer translating into target.
func NewLocalizer(t Translator, target string) *Localizer {
	return &Localizer{translator: t, target: target}
}

// Target is the language answers are localized into.
func (l *Localizer) Target() string { return l.target }

// Localize returns answer unchanged when needs is false; otherwise the
// translated answer.
func (l *Localizer) Localize(ctx context.Context, answer string, needs bool) (string, error) {
	if !needs {
		return answer, nil
	}
	out, err := l.translator.Translate(ctx, answer, Pivot, l.target)
	if err != nil {
		return "", fmt.Errorf("%w: to %s: %w", ErrTranslationFailed, l.target, err)
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("%w: to %s: empty result", ErrTranslationFailed, l.target)
	}
	return out, nil
}
