package normalize

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMoney(t *testing.T) {
	tests := []struct {
		name     string
		in       any
		amount   float64
		currency string
		freq     string
	}{
		{"dollar thousands", "$1,200.50", 1200.50, "USD", ""},
		{"rand prefix", "R 350", 350, "ZAR", ""},
		{"rand per month", "R350 pm", 350, "ZAR", "monthly"},
		{"euro comma decimal", "€12,5", 12.5, "EUR", ""},
		{"european thousands", "1.200,50 EUR", 1200.50, "EUR", ""},
		{"iso prefix", "GBP 45", 45, "GBP", ""},
		{"per year suffix", "$99 per year", 99, "USD", "annual"},
		{"slash month", "£12/month", 12, "GBP", "monthly"},
		{"brazil real", "R$ 80", 80, "BRL", ""},
		{"plain number string", "12.5", 12.5, "", ""},
		{"thousands only", "1,200", 1200, "", ""},
		{"json number", json.Number("12.5"), 12.5, "", ""},
		{"float", 99.0, 99, "", ""},
		{"int", 40, 40, "", ""},
		{"object", map[string]any{"amount": json.Number("30"), "currency": "usd", "frequency": "Monthly"}, 30, "USD", "monthly"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := parseMoney(tt.in)
			require.True(t, ok)
			assert.InDelta(t, tt.amount, m.amount, 1e-9)
			assert.Equal(t, tt.currency, m.currency)
			assert.Equal(t, tt.freq, m.frequency)
		})
	}
}

func TestParseMoney_Rejects(t *testing.T) {
	for _, in := range []any{"", "call for quote", true, []any{1}, map[string]any{"note": "x"}} {
		_, ok := parseMoney(in)
		assert.False(t, ok, "%v", in)
	}
}

func TestCanonicalPolicyType(t *testing.T) {
	tests := map[string]string{
		"Home":                        "home",
		"Homeowners Insurance":        "home",
		"Comprehensive Car Insurance": "auto",
		"MOTOR":                       "auto",
		"Funeral Life Cover":          "funeral",
		"Pet health plan":             "pet",
		"Hospital plan":               "health",
		"Gap Cover":                   "health",
		"Income Protection":           "disability",
		"Term Life":                   "life",
		"Professional Indemnity":      "business",
		"Travel":                      "travel",
		"Crypto custody":              "other",
		"":                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalPolicyType(in), in)
	}
}

func TestCanonicalFrequency(t *testing.T) {
	tests := map[string]string{
		"Monthly":   "monthly",
		"per month": "monthly",
		"p/m":       "monthly",
		"Yearly":    "annual",
		"per annum": "annual",
		"Quarterly": "quarterly",
		"weekly":    "weekly",
		"one-off":   "once",
		"Lump sum":  "once",
		"fortnight": "",
	}
	for in, want := range tests {
		assert.Equal(t, want, canonicalFrequency(in), in)
	}
}

func TestCanonicalCurrency(t *testing.T) {
	assert.Equal(t, "USD", canonicalCurrency("usd"))
	assert.Equal(t, "ZAR", canonicalCurrency("Rand"))
	assert.Equal(t, "EUR", canonicalCurrency("€"))
	assert.Equal(t, "ZAR", canonicalCurrency("R"))
	assert.Equal(t, "DOLLARZ", canonicalCurrency("dollarz"))
	assert.Equal(t, "", canonicalCurrency(" "))
}

func TestToList(t *testing.T) {
	assert.Equal(t, []string{"Fire", "Theft", "Flood"}, toList("Fire, Theft, fire, Flood"))
	assert.Equal(t, []string{"Fire, smoke damage", "Theft"}, toList("Fire, smoke damage\n- Theft"))
	assert.Equal(t, []string{"a", "b"}, toList("a; b;"))
	assert.Equal(t, []string{"Roadside", "Car hire", "1"}, toList([]any{"Roadside", map[string]any{"name": "Car hire"}, json.Number("1"), nil}))
	assert.Nil(t, toList(""))
	assert.Nil(t, toList(map[string]any{"x": 1}))
}

func TestSortedTags(t *testing.T) {
	assert.Equal(t, []string{"budget", "family", "home"}, sortedTags([]string{"Home", "family", " budget ", "home"}))
}

func TestToLimits(t *testing.T) {
	assert.Equal(t, map[string]any{"total": 500000.0}, toLimits("$500,000"))
	assert.Equal(t,
		map[string]any{"buildings": 1000000.0, "contents": map[string]any{"max": 250000.0}},
		toLimits(map[string]any{"buildings": json.Number("1000000"), "contents": map[string]any{"max": json.Number("250000")}}),
	)
	assert.Nil(t, toLimits(map[string]any{}))
	assert.Nil(t, toLimits("unlimited"))
}

func TestToContact(t *testing.T) {
	assert.Equal(t, map[string]string{"email": "sales@acme.test"}, toContact("sales@acme.test"))
	assert.Equal(t, map[string]string{"phone": "+27 21 555 0100"}, toContact("+27 21 555 0100"))
	assert.Equal(t, map[string]string{"website": "https://acme.test"}, toContact("https://acme.test"))
	assert.Equal(t, map[string]string{"details": "Ask your broker"}, toContact("Ask your broker"))
	assert.Equal(t, map[string]string{"phone": "555", "email": "a@b.c"}, toContact(map[string]any{"Phone": json.Number("555"), "email": "a@b.c", "skip": nil}))
}

func TestParseDate(t *testing.T) {
	want := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, in := range []string{"2025-03-01", "2025-03-01T10:30:00Z", "2025/03/01", "1 Mar 2025", "March 1, 2025", "03/01/2025"} {
		got, ok := parseDate(in)
		require.True(t, ok, in)
		assert.True(t, want.Equal(*got), in)
	}
	_, ok := parseDate("next tuesday")
	assert.False(t, ok)
}

func TestSlug(t *testing.T) {
	assert.Equal(t, "acme-insurance-home-shield", Slug("Acme Insurance", "Home Shield"))
	assert.Equal(t, "societe-generale-auto-plus", Slug("Société Générale", "Auto+  Plus!"))
	assert.Equal(t, "home-shield", Slug("", "Home Shield"))
	assert.Equal(t, "", Slug("", ""))
}

func TestFoldKey(t *testing.T) {
	assert.Equal(t, "product_name", foldKey(" Product Name "))
	assert.Equal(t, "product_name", foldKey("product-name"))
	assert.Equal(t, "insurer.name", foldKey("Insurer.Name"))
}

func TestProductKey(t *testing.T) {
	assert.Equal(t, "acme-insurance-home-shield", ProductKey("Acme Insurance", "Home Shield"))
	assert.Equal(t, "societe-generale-auto-plus", ProductKey("Société Générale", "Auto+  Plus!"))

	// Same insurer, names the slug would drop entirely.
	home := ProductKey("Acme", "家庭保险")
	car := ProductKey("Acme", "汽车保险")
	assert.True(t, strings.HasPrefix(home, "p-"))
	assert.NotEqual(t, home, car)
	assert.NotEqual(t, "acme", home)

	assert.Equal(t, home, ProductKey(" acme ", "家庭保险"))
	assert.NotEmpty(t, ProductKey("", "Страхование жилья"))
}
