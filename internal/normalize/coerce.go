package normalize

import (
	"encoding/json"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// toString renders scalars as text. Collections are not coercible.
func toString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		return s, s != ""
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	}
	return "", false
}

// currencySymbols is checked in order; multi-character prefixes come first.
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"R$", "BRL"}, {"A$", "AUD"}, {"C$", "CAD"}, {"NZ$", "NZD"}, {"US$", "USD"},
	{"KSh", "KES"}, {"₦", "NGN"}, {"€", "EUR"}, {"£", "GBP"}, {"¥", "JPY"},
	{"₹", "INR"}, {"$", "USD"},
}

// currencyNames maps spelled-out currencies to ISO codes.
var currencyNames = map[string]string{
	"dollar": "USD", "dollars": "USD", "usd": "USD",
	"euro": "EUR", "euros": "EUR",
	"pound": "GBP", "pounds": "GBP", "sterling": "GBP",
	"rand": "ZAR", "naira": "NGN", "shilling": "KES", "shillings": "KES",
	"rupee": "INR", "rupees": "INR", "yen": "JPY",
}

var (
	isoCodeRe   = regexp.MustCompile(`\b([A-Z]{3})\b`)
	randPrefix  = regexp.MustCompile(`^R\s*\d`)
	numberRe    = regexp.MustCompile(`-?\d[\d.,\s]*`)
	perPeriodRe = regexp.MustCompile(`(?i)(/|\bper\b|\bp\.?\s?)\s*(month|mo|mth|m|year|yr|annum|a|quarter|week|wk)\b`)
)

// money is a parsed premium value.
type money struct {
	amount    float64
	currency  string // implied by symbol or code, may be empty
	frequency string // implied by a "/month" style suffix, may be empty
}

// parseMoney reads numbers and strings such as "$1,200.50", "R 350 pm" or
// "EUR 12,5".
func parseMoney(v any) (money, bool) {
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return money{}, false
		}
		return money{amount: f}, true
	case float64:
		return money{amount: t}, true
	case int:
		return money{amount: float64(t)}, true
	case int64:
		return money{amount: float64(t)}, true
	case string:
		return parseMoneyString(t)
	case map[string]any:
		// {"amount": 12, "currency": "USD", "frequency": "monthly"}
		raw, ok := firstOf(t, "amount", "value", "price", "premium")
		if !ok {
			return money{}, false
		}
		m, ok := parseMoney(raw)
		if !ok {
			return money{}, false
		}
		if c, ok := firstOf(t, "currency", "currency_code"); ok {
			if s, ok := toString(c); ok {
				m.currency = canonicalCurrency(s)
			}
		}
		if f, ok := firstOf(t, "frequency", "period", "billing_frequency"); ok {
			if s, ok := toString(f); ok {
				m.frequency = canonicalFrequency(s)
			}
		}
		return m, true
	}
	return money{}, false
}

func parseMoneyString(s string) (money, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return money{}, false
	}
	var m money

	for _, cs := range currencySymbols {
		if strings.Contains(s, cs.symbol) {
			m.currency = cs.code
			break
		}
	}
	if m.currency == "" {
		if randPrefix.MatchString(s) {
			m.currency = "ZAR"
		} else if code := isoCodeRe.FindString(s); code != "" {
			m.currency = code
		}
	}
	if loc := perPeriodRe.FindStringSubmatch(s); loc != nil {
		m.frequency = canonicalFrequency(loc[2])
	}

	num := strings.TrimSpace(numberRe.FindString(s))
	if num == "" {
		return money{}, false
	}
	f, ok := parseDecimal(num)
	if !ok {
		return money{}, false
	}
	m.amount = f
	return m, true
}

// parseDecimal handles both "1,200.50" and "1.200,50". A lone separator
// followed by exactly three digits is a thousands separator.
func parseDecimal(s string) (float64, bool) {
	s = strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	s = strings.TrimRight(s, ".,")

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")
	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 != 3 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastDot >= 0 && strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// canonicalCurrency maps symbols, names and codes to an upper-case code.
// Unrecognised text is upper-cased and returned as is.
func canonicalCurrency(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if code, ok := currencyNames[strings.ToLower(s)]; ok {
		return code
	}
	for _, cs := range currencySymbols {
		if s == cs.symbol {
			return cs.code
		}
	}
	if s == "R" {
		return "ZAR"
	}
	return strings.ToUpper(s)
}

// PolicyTypes is the canonical policy type set.
var PolicyTypes = []string{"auto", "home", "life", "health", "travel", "pet", "business", "funeral", "disability", "other"}

// policyKeywords is checked in order so specific lines win over broad ones
// ("funeral life cover" is funeral, "pet health" is pet).
var policyKeywords = []struct {
	policyType string
	words      []string
}{
	{"funeral", []string{"funeral", "burial"}},
	{"pet", []string{"pet", "pets", "dog", "cat"}},
	{"travel", []string{"travel", "trip"}},
	{"disability", []string{"disability", "income protection"}},
	{"health", []string{"health", "medical", "hospital", "dental", "gap cover", "medicare"}},
	{"auto", []string{"auto", "car", "motor", "vehicle", "automobile", "motorcycle"}},
	{"home", []string{"home", "house", "household", "homeowners", "homeowner", "property", "building", "buildings", "contents", "renters"}},
	{"business", []string{"business", "commercial", "liability", "sme", "professional indemnity"}},
	{"life", []string{"life", "term life", "whole life"}},
}

// canonicalPolicyType maps a free-text policy type to the canonical set.
func canonicalPolicyType(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	for _, pt := range PolicyTypes {
		if s == pt {
			return pt
		}
	}
	words := " " + strings.Join(strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}), " ") + " "
	for _, pk := range policyKeywords {
		for _, w := range pk.words {
			if strings.Contains(words, " "+w+" ") {
				return pk.policyType
			}
		}
	}
	return "other"
}

// Frequencies is the canonical premium frequency set.
var Frequencies = []string{"monthly", "quarterly", "annual", "weekly", "once"}

var frequencySynonyms = map[string]string{
	"monthly": "monthly", "month": "monthly", "per month": "monthly", "pm": "monthly", "p/m": "monthly",
	"mo": "monthly", "mth": "monthly", "m": "monthly", "/mo": "monthly", "/month": "monthly",
	"quarterly": "quarterly", "quarter": "quarterly", "per quarter": "quarterly",
	"annual": "annual", "annually": "annual", "yearly": "annual", "year": "annual", "per year": "annual",
	"per annum": "annual", "pa": "annual", "p/a": "annual", "yr": "annual", "a": "annual", "annum": "annual", "/yr": "annual", "/year": "annual",
	"weekly": "weekly", "week": "weekly", "per week": "weekly", "wk": "weekly",
	"once": "once", "one-off": "once", "one off": "once", "single": "once", "one time": "once",
	"one-time": "once", "lump sum": "once", "single premium": "once",
}

// canonicalFrequency returns "" for unrecognised input.
func canonicalFrequency(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimSuffix(s, ".")
	return frequencySynonyms[s]
}

// listBullets are stripped from the start of list items.
var listBullets = []string{"- ", "* ", "• ", "· "}

// toList builds a deduplicated list from an array or a delimited string.
// Order of first occurrence is kept; comparison ignores case.
func toList(v any) []string {
	var items []string
	switch t := v.(type) {
	case []any:
		for _, e := range t {
			if s, ok := toString(e); ok {
				items = append(items, s)
				continue
			}
			if m, ok := e.(map[string]any); ok {
				if raw, ok := firstOf(m, "name", "title", "description", "label", "value"); ok {
					if s, ok := toString(raw); ok {
						items = append(items, s)
					}
				}
			}
		}
	case []string:
		items = append(items, t...)
	case string:
		items = splitList(t)
	default:
		if s, ok := toString(v); ok {
			items = []string{s}
		}
	}
	return dedupe(items)
}

func splitList(s string) []string {
	sep := func(r rune) bool { return r == '\n' || r == ';' || r == '|' || r == '•' }
	if !strings.ContainsFunc(s, sep) {
		sep = func(r rune) bool { return r == ',' }
	}
	return strings.FieldsFunc(s, sep)
}

func dedupe(items []string) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, it := range items {
		it = strings.TrimSpace(it)
		for _, b := range listBullets {
			it = strings.TrimSpace(strings.TrimPrefix(it, b))
		}
		if it == "" {
			continue
		}
		key := strings.ToLower(it)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, it)
	}
	return out
}

// sortedTags lower-cases, deduplicates and sorts tags.
func sortedTags(tags []string) []string {
	lowered := make([]string, 0, len(tags))
	for _, t := range tags {
		lowered = append(lowered, strings.ToLower(strings.TrimSpace(t)))
	}
	out := dedupe(lowered)
	sort.Strings(out)
	return out
}

// toLimits keeps a coverage limit object, or wraps a single amount as
// {"total": amount}. Numbers are normalized to float64.
func toLimits(v any) map[string]any {
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 {
			return nil
		}
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainValue(val)
		}
		return out
	default:
		if m, ok := parseMoney(v); ok {
			return map[string]any{"total": m.amount}
		}
	}
	return nil
}

func plainValue(v any) any {
	switch t := v.(type) {
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plainValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plainValue(val)
		}
		return out
	}
	return v
}

// toContact builds contact details from an object or a single string.
func toContact(v any) map[string]string {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]string, len(t))
		for k, val := range t {
			if s, ok := toString(val); ok {
				out[strings.ToLower(k)] = s
			}
		}
		if len(out) == 0 {
			return nil
		}
		return out
	default:
		s, ok := toString(v)
		if !ok {
			return nil
		}
		return map[string]string{contactKind(s): s}
	}
}

func contactKind(s string) string {
	switch {
	case strings.Contains(s, "@"):
		return "email"
	case strings.HasPrefix(strings.ToLower(s), "http"), strings.HasPrefix(strings.ToLower(s), "www."):
		return "website"
	}
	digits := 0
	for _, r := range s {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits >= 7 {
		return "phone"
	}
	return "details"
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"2006/01/02",
	"02 Jan 2006",
	"2 Jan 2006",
	"2 January 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"01/02/2006",
}

// parseDate reads common date layouts and returns midnight UTC of that day.
func parseDate(v any) (*time.Time, bool) {
	s, ok := toString(v)
	if !ok {
		return nil, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			d := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			return &d, true
		}
	}
	return nil, false
}

// firstOf returns the first present, non-nil value among keys.
func firstOf(m map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}
