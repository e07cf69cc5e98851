// Package prompt renders ranked candidates into the grounded generation
// prompt.
package prompt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/WessleyAI/carsearch/engine/domain"
)

// NA stands in for any value the listing does not carry.
const NA = "N/A"

// GroundingRule is the instruction that confines the generator to the data.
const GroundingRule = "use only this data, do NOT make up prices or mileage"

// NoResultsRule replaces the listing block when nothing was retrieved.
const NoResultsRule = "No cars matched the request. Say that no matching listings were found and do not mention any prices, mileage or specific cars."

// Listings renders one line per candidate, in rank order:
// "<rank>. <title> | <price> € | <mileage> km | <date> | <url> | <image>".
func Listings(cands []domain.Candidate) string {
	var b strings.Builder
	for i, c := range cands {
		d := domain.NewDisplayMetadata(c)
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d. %s | %s € | %s km | %s | %s | %s",
			i+1, text(d.Title), number(d.Price), number(d.Mileage), text(d.DatePosted), text(d.URL), text(d.ImageURL))
	}
	return b.String()
}

// Build assembles the pivot-language generation prompt.
func Build(query string, cands []domain.Candidate, topK int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The user asked: '%s'\n", query)
	fmt.Fprintf(&b, "These are the cars we found (%s):\n", GroundingRule)
	if len(cands) == 0 {
		b.WriteString(NoResultsRule)
		b.WriteByte('\n')
	} else {
		b.WriteString(Listings(cands))
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "Answer concisely in English. Provide a short summary of the best car + the top %d cars "+
		"with name (link), image (link), price, mileage, and date posted. "+
		"If a value is %s, say it is unknown.", topK, NA)
	return b.String()
}

func text(s *string) string {
	if s == nil || *s == "" {
		return NA
	}
	return *s
}

func number(f *float64) string {
	if f == nil {
		return NA
	}
	return strconv.FormatFloat(*f, 'f', -1, 64)
}
