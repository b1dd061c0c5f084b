package intent

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Heuristic confidences per tier.
const (
	highConfidence    = 0.95
	sizeConfidence    = 0.8
	keywordConfidence = 0.7
	questionBonus     = 0.1
)

var highPhrases = regexp.MustCompile(`\b(claiming|claimed|claim|sold to me|i'll take|ill take|i will take|i'll buy|mine|dibs)\b`)

// negation directly before a claim phrase cancels it ("not mine", "no claim").
var negation = regexp.MustCompile(`\b(not|no|never|isn't|ain't|don't|dont)\s+$`)

var sizeRequest = regexp.MustCompile(`\bsize\s+(1[0-4]|[1-9])\b`)

var keywordGroups = []struct {
	category Category
	re       *regexp.Regexp
}{
	{CategoryPrice, regexp.MustCompile(`\b(how much|price|pricing|cost|costs|hm)\b|\$\s?\d`)},
	{CategoryShipping, regexp.MustCompile(`\b(ship|ships|shipping|shipped|delivery|deliver|international)\b`)},
	{CategoryPayment, regexp.MustCompile(`\b(pay|paying|payment|paypal|venmo|cashapp|zelle|invoice)\b`)},
	{CategoryUrgency, regexp.MustCompile(`\b(asap|hurry|quick|still available|available|before it's gone)\b`)},
	{CategoryPurchase, regexp.MustCompile(`\b(buy|buying|purchase|want|need|sold|take it|interested|hold|reserve|add me)\b`)},
}

// claimPhrase returns the first claim phrase in text that is not negated.
func claimPhrase(text string) string {
	for _, loc := range highPhrases.FindAllStringIndex(text, -1) {
		if !negation.MatchString(text[:loc[0]]) {
			return text[loc[0]:loc[1]]
		}
	}
	return ""
}

// Heuristic is the keyword and regex classifier. It never fails.
type Heuristic struct{}

// Classify implements Classifier.
func (Heuristic) Classify(_ context.Context, message string) (Classification, error) {
	return Score(message), nil
}

// Score classifies message synchronously.
func Score(message string) Classification {
	text := strings.ToLower(strings.TrimSpace(message))
	text = strings.ReplaceAll(text, "’", "'")

	var (
		conf float64
		cat  Category
		why  string
	)
	claim := claimPhrase(text)
	switch {
	case claim != "":
		conf, cat = highConfidence, CategoryClaim
		why = fmt.Sprintf("claim phrase %q", claim)
	case len(strings.Fields(text)) < 2:
		return NotBuyer()
	case sizeRequest.MatchString(text):
		conf, cat = sizeConfidence, CategorySizeRequest
		why = fmt.Sprintf("size request %q", sizeRequest.FindString(text))
	default:
		for _, g := range keywordGroups {
			if m := g.re.FindString(text); m != "" {
				conf, cat = keywordConfidence, g.category
				why = fmt.Sprintf("%s keyword %q", g.category, m)
				break
			}
		}
		if cat == "" {
			return NotBuyer()
		}
	}
	if strings.HasSuffix(text, "?") {
		conf = math.Min(conf+questionBonus, 1)
	}
	return Classification{
		IsBuyer:    true,
		Confidence: round2(conf),
		Category:   cat,
		Reason:     &why,
	}
}

func round2(f float64) float64 { return math.Round(f*100) / 100 }
