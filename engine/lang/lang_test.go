package lang

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type stubDetector struct {
	code string
	err  error
}

func (s stubDetector) Detect(string) (string, error) { return s.code, s.err }

type call struct{ text, hint, target string }

type stubTranslator struct {
	out   string
	err   error
	calls []call
}

func (s *stubTranslator) Translate(_ context.Context, text, hint, target string) (string, error) {
	s.calls = append(s.calls, call{text, hint, target})
	return s.out, s.err
}

func TestNormalize_PivotSkipsTranslation(t *testing.T) {
	tr := &stubTranslator{}
	n := NewNormalizer(stubDetector{code: "en"}, tr, quiet())

	got, err := n.Normalize(context.Background(), "cheapest car under 5000 euros in Skopje")
	if err != nil {
		t.Fatal(err)
	}
	if got.NeedsLocalization || got.Query != got.Original || got.Detected != "en" {
		t.Fatalf("unexpected %+v", got)
	}
	if len(tr.calls) != 0 {
		t.Fatalf("translator must not be called, got %v", tr.calls)
	}
}

func TestNormalize_NonPivotTranslates(t *testing.T) {
	tr := &stubTranslator{out: "  cheapest Golf in Skopje \n"}
	n := NewNormalizer(stubDetector{code: "mk"}, tr, quiet())

	got, err := n.Normalize(context.Background(), "најевтин голф во Скопје")
	if err != nil {
		t.Fatal(err)
	}
	if got.Query != "cheapest Golf in Skopje" || !got.NeedsLocalization || got.Original != "најевтин голф во Скопје" {
		t.Fatalf("unexpected %+v", got)
	}
	if len(tr.calls) != 1 || tr.calls[0].hint != "mk" || tr.calls[0].target != Pivot {
		t.Fatalf("unexpected translator calls %v", tr.calls)
	}
}

func TestNormalize_AmbiguousDetectionTranslates(t *testing.T) {
	tr := &stubTranslator{out: "golf"}
	n := NewNormalizer(stubDetector{err: ErrDetectionAmbiguous}, tr, quiet())

	got, err := n.Normalize(context.Background(), "golf 2015")
	if err != nil {
		t.Fatal(err)
	}
	if !got.NeedsLocalization || len(tr.calls) != 1 {
		t.Fatalf("ambiguous detection must translate, got %+v calls=%d", got, len(tr.calls))
	}
}

func TestNormalize_TranslationFailurePropagates(t *testing.T) {
	boom := errors.New("ollama down")
	n := NewNormalizer(stubDetector{code: "mk"}, &stubTranslator{err: boom}, quiet())

	_, err := n.Normalize(context.Background(), "голф")
	if !errors.Is(err, ErrTranslationFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped translation failure, got %v", err)
	}
}

func TestNormalize_EmptyTranslationIsError(t *testing.T) {
	n := NewNormalizer(stubDetector{code: "mk"}, &stubTranslator{out: "   "}, quiet())
	if _, err := n.Normalize(context.Background(), "голф"); !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("expected ErrTranslationFailed, got %v", err)
	}
}

func TestLocalize(t *testing.T) {
	tr := &stubTranslator{out: "Најдобар е голфот."}
	l := NewLocalizer(tr, "Macedonian")

	same, err := l.Localize(context.Background(), "The Golf is best.", false)
	if err != nil || same != "The Golf is best." {
		t.Fatalf("no-op localize changed output: %q, %v", same, err)
	}
	if len(tr.calls) != 0 {
		t.Fatal("translator must not run when localization is not needed")
	}

	out, err := l.Localize(context.Background(), "The Golf is best.", true)
	if err != nil || out != "Најдобар е голфот." {
		t.Fatalf("got %q, %v", out, err)
	}
	if tr.calls[0].hint != Pivot || tr.calls[0].target != "Macedonian" || l.Target() != "Macedonian" {
		t.Fatalf("unexpected call %v", tr.calls[0])
	}
}

func TestLocalize_Failure(t *testing.T) {
	l := NewLocalizer(&stubTranslator{err: errors.New("timeout")}, "Macedonian")
	if _, err := l.Localize(context.Background(), "x", true); !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("expected ErrTranslationFailed, got %v", err)
	}
	l = NewLocalizer(&stubTranslator{out: ""}, "Macedonian")
	if _, err := l.Localize(context.Background(), "x", true); !errors.Is(err, ErrTranslationFailed) {
		t.Fatalf("expected ErrTranslationFailed for empty output, got %v", err)
	}
}

func TestWhatlangDetector(t *testing.T) {
	d := WhatlangDetector{}
	const english = "I am looking for the cheapest family car for sale in the city, preferably with low mileage and a reasonable price."

	first, err := d.Detect(english)
	if err != nil || first != "en" {
		t.Fatalf("got %q, %v", first, err)
	}
	second, _ := d.Detect(english)
	if second != first {
		t.Fatal("detection must be deterministic")
	}

	if _, err := d.Detect("   "); !errors.Is(err, ErrDetectionAmbiguous) {
		t.Fatalf("expected ErrDetectionAmbiguous for blank text, got %v", err)
	}

	strict := WhatlangDetector{MinConfidence: 1}
	if _, err := strict.Detect(english); !errors.Is(err, ErrDetectionAmbiguous) {
		t.Fatalf("confidence threshold not applied: %v", err)
	}
}

func TestWhatlangDetector_ShortQueries(t *testing.T) {
	d, err := NewWhatlangDetector("Macedonian")
	if err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		query string
		want  string
	}{
		{"cheapest car under 5000 euros in Skopje", "en"},
		{"audi a4 diesel", "en"},
		{"bmw x5 2015 automatic", "en"},
		{"cheap golf", "en"},
		{"најевтин голф во Битола", "mk"},
		{"дизел ауди до 5000 евра", "mk"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			got, err := d.Detect(tt.query)
			if err != nil || got != tt.want {
				t.Fatalf("Detect(%q) = %q, %v; want %q", tt.query, got, err, tt.want)
			}
		})
	}

	for _, blank := range []string{"", "  \t", "2015 5000"} {
		if _, err := d.Detect(blank); !errors.Is(err, ErrDetectionAmbiguous) {
			t.Errorf("Detect(%q): expected ErrDetectionAmbiguous, got %v", blank, err)
		}
	}
}

func TestNewWhatlangDetector_Languages(t *testing.T) {
	for _, name := range []string{"mk", "MK", "Macedonian", " macedonian "} {
		if _, err := NewWhatlangDetector(name); err != nil {
			t.Errorf("NewWhatlangDetector(%q): %v", name, err)
		}
	}
	if _, err := NewWhatlangDetector("Klingon"); err == nil {
		t.Fatal("expected error for unknown language")
	}
}
