package flow

import (
	"context"
	"log/slog"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/BTreeMap/StoryPipe/internal/models"
)

// Classifier decides whether a reply to the readiness check is a yes, a no or unclear.
type Classifier interface {
	Classify(ctx context.Context, text string) (models.ReadinessResponse, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, text string) (models.ReadinessResponse, error)

// Classify calls f.
func (f ClassifierFunc) Classify(ctx context.Context, text string) (models.ReadinessResponse, error) {
	return f(ctx, text)
}

var affirmativeWords = map[string]bool{
	"yes": true, "y": true, "yeah": true, "yea": true, "yep": true, "yup": true, "ya": true,
	"sure": true, "ok": true, "okay": true, "k": true, "ready": true, "go": true,
	"absolutely": true, "definitely": true, "certainly": true, "course": true,
	"si": true, "oui": true, "ja": true, "da": true, "👍": true,
}

var negativeWords = map[string]bool{
	"no": true, "n": true, "nope": true, "nah": true, "not": true, "later": true,
	"busy": true, "tomorrow": true, "wait": true, "stop": true, "cant": true,
	"cannot": true, "dont": true, "non": true, "nein": true,
}

// KeywordClassifier matches folded, accent-stripped words against small
// vocabularies. Negative words win over affirmative ones ("not ready yet").
type KeywordClassifier struct{}

// Classify implements Classifier. It never returns an error.
func (KeywordClassifier) Classify(_ context.Context, text string) (models.ReadinessResponse, error) {
	words := normalizeReply(text)
	affirmative, negative := false, false
	for _, w := range words {
		if negativeWords[w] {
			negative = true
		}
		if affirmativeWords[w] {
			affirmative = true
		}
	}
	switch {
	case negative:
		return models.ReadinessNegative, nil
	case affirmative:
		return models.ReadinessAffirmative, nil
	}
	return models.ReadinessAmbiguous, nil
}

// normalizeReply folds case, strips diacritics and apostrophes and splits on
// anything that is not a letter, digit or symbol.
func normalizeReply(text string) []string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, text)
	if err != nil {
		stripped = text
	}
	folded := cases.Fold().String(stripped)
	folded = strings.NewReplacer("'", "", "’", "").Replace(folded)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSymbol(r)
	})
}

// fallbackClassifier consults a secondary classifier only when the primary one
// cannot decide.
type fallbackClassifier struct {
	primary  Classifier
	fallback Classifier
}

// WithFallback returns a Classifier that asks fallback whenever primary answers
// ambiguous. Fallback errors are logged and the reply stays ambiguous.
func WithFallback(primary, fallback Classifier) Classifier {
	if fallback == nil {
		return primary
	}
	return &fallbackClassifier{primary: primary, fallback: fallback}
}

func (c *fallbackClassifier) Classify(ctx context.Context, text string) (models.ReadinessResponse, error) {
	resp, err := c.primary.Classify(ctx, text)
	if err != nil || resp != models.ReadinessAmbiguous {
		return resp, err
	}
	resp, err = c.fallback.Classify(ctx, text)
	if err != nil {
		slog.Warn("Classifier fallback failed", "error", err)
		return models.ReadinessAmbiguous, nil
	}
	switch resp {
	case models.ReadinessAffirmative, models.ReadinessNegative:
		return resp, nil
	}
	return models.ReadinessAmbiguous, nil
}
