package dedup

import (
	"math"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"

	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/internal/normalize"
)

// Compared fields and their weights. Weights sum to 100.
const (
	FieldInsurer    = "insurer_name"
	FieldProduct    = "product_name"
	FieldPolicyType = "policy_type"
	FieldPremium    = "premium_amount"
	FieldCoverage   = "coverage_summary"
)

var weights = []struct {
	field  string
	weight float64
}{
	{FieldInsurer, 25},
	{FieldProduct, 30},
	{FieldPolicyType, 15},
	{FieldPremium, 15},
	{FieldCoverage, 15},
}

// legalSuffixes are dropped from the end of folded insurer names.
var legalSuffixes = map[string]bool{
	"ltd": true, "limited": true, "inc": true, "incorporated": true, "llc": true,
	"corp": true, "corporation": true, "co": true, "company": true, "plc": true,
	"pty": true, "llp": true, "lp": true, "sa": true, "ag": true, "gmbh": true,
	"nv": true, "bv": true, "group": true, "holdings": true,
}

// foldName lower-cases, strips diacritics and punctuation, and collapses
// whitespace: "Société Générale, S.A." becomes "societe generale s a".
func foldName(s string) string {
	s = strings.ToLower(normalize.FoldText(s))
	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, ".", "")
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return strings.Join(fields, " ")
}

// NormalizeInsurer folds an insurer name and strips trailing legal suffixes,
// so "Acme Insurance Ltd." and "ACME Insurance Limited" compare equal.
func NormalizeInsurer(name string) string {
	tokens := strings.Fields(foldName(name))
	for len(tokens) > 1 && legalSuffixes[tokens[len(tokens)-1]] {
		tokens = tokens[:len(tokens)-1]
	}
	return strings.Join(tokens, " ")
}

// jaccard is the token-set Jaccard similarity of two folded strings.
func jaccard(a, b string) float64 {
	ta, tb := tokenSet(a), tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	inter := 0
	for t := range ta {
		if tb[t] {
			inter++
		}
	}
	union := len(ta) + len(tb) - inter
	return float64(inter) / float64(union)
}

func tokenSet(s string) map[string]bool {
	out := map[string]bool{}
	for _, t := range strings.Fields(s) {
		out[t] = true
	}
	return out
}

// premiumSimilarity is 1 for equal premiums and falls linearly to 0 at a
// relative difference of tolerance. Different currencies or frequencies
// never match.
func premiumSimilarity(a, b *model.ProductCatalogEntry, tolerance float64) float64 {
	if a.Currency != "" && b.Currency != "" && a.Currency != b.Currency {
		return 0
	}
	if a.PremiumFrequency != "" && b.PremiumFrequency != "" && a.PremiumFrequency != b.PremiumFrequency {
		return 0
	}
	x, y := *a.PremiumAmount, *b.PremiumAmount
	den := math.Max(math.Abs(x), math.Abs(y))
	if den == 0 {
		return 1
	}
	rel := math.Abs(x-y) / den
	if tolerance <= 0 {
		if rel == 0 {
			return 1
		}
		return 0
	}
	return math.Max(0, 1-rel/tolerance)
}

// Comparison is the per-field similarity of two products.
type Comparison struct {
	Score  float64            // 0-100
	Fields map[string]float64 // only fields present on both sides
}

// Compare scores b against a. Fields missing on either side are left out
// and the remaining weights rescaled. Products without a name on both
// sides score 0.
func Compare(a, b *model.ProductCatalogEntry, premiumTolerance float64) Comparison {
	sims := map[string]float64{}

	if na, nb := foldName(a.ProductName), foldName(b.ProductName); na != "" && nb != "" {
		sims[FieldProduct] = levenshtein.Similarity(na, nb, nil)
	} else {
		return Comparison{Fields: sims}
	}
	if ia, ib := NormalizeInsurer(a.InsurerName), NormalizeInsurer(b.InsurerName); ia != "" && ib != "" {
		sims[FieldInsurer] = jaccard(ia, ib)
	}
	if a.PolicyType != "" && b.PolicyType != "" {
		if a.PolicyType == b.PolicyType {
			sims[FieldPolicyType] = 1
		} else {
			sims[FieldPolicyType] = 0
		}
	}
	if a.PremiumAmount != nil && b.PremiumAmount != nil {
		sims[FieldPremium] = premiumSimilarity(a, b, premiumTolerance)
	}
	if ca, cb := foldName(a.CoverageSummary), foldName(b.CoverageSummary); ca != "" && cb != "" {
		sims[FieldCoverage] = jaccard(ca, cb)
	}

	var total, weighted float64
	for _, w := range weights {
		s, ok := sims[w.field]
		if !ok {
			continue
		}
		total += w.weight
		weighted += w.weight * s
	}
	score := math.Round(weighted/total*100*100) / 100
	return Comparison{Score: score, Fields: sims}
}

// MatchingFields lists fields at or above threshold in weight order.
func (c Comparison) MatchingFields(threshold float64) []string {
	out := []string{}
	for _, w := range weights {
		if s, ok := c.Fields[w.field]; ok && s >= threshold {
			out = append(out, w.field)
		}
	}
	return out
}
