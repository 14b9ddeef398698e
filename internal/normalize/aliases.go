package normalize

import (
	"sort"
	"strings"
)

// Canonical field names.
const (
	FieldExternalID          = "external_id"
	FieldInsurerName         = "insurer_name"
	FieldProductName         = "product_name"
	FieldPolicyType          = "policy_type"
	FieldPremiumAmount       = "premium_amount"
	FieldPremiumFrequency    = "premium_frequency"
	FieldCurrency            = "currency"
	FieldCoverageSummary     = "coverage_summary"
	FieldCoverageLimits      = "coverage_limits"
	FieldBenefits            = "benefits"
	FieldExclusions          = "exclusions"
	FieldAddOns              = "add_ons"
	FieldContactInfo         = "contact_info"
	FieldAvailabilityRegions = "availability_regions"
	FieldValidFrom           = "valid_from"
	FieldValidUntil          = "valid_until"
	FieldTags                = "tags"
)

// aliases lists the provider keys tried for each canonical field, in order.
// Keys are matched after foldKey. Dotted keys come from flattened
// aggregator payloads.
var aliases = map[string][]string{
	FieldExternalID: {
		"external_id", "id", "product_id", "productid", "product_code", "sku", "code",
		"plan_id", "offer_id", "reference", "ref", "uuid",
	},
	FieldInsurerName: {
		"insurer_name", "insurer", "insurer.name", "company", "company_name", "company.name",
		"provider", "provider_name", "provider.name", "underwriter", "carrier", "carrier.name",
		"brand", "insurance_company",
	},
	FieldProductName: {
		"product_name", "name", "product", "title", "plan_name", "plan", "product_title",
		"offer_name", "policy_name",
	},
	FieldPolicyType: {
		"policy_type", "type", "category", "product_type", "insurance_type", "line_of_business",
		"line", "cover_type", "class",
	},
	FieldPremiumAmount: {
		"premium_amount", "premium", "premium.amount", "price", "price.amount", "pricing.amount",
		"pricing.premium", "monthly_premium", "annual_premium", "cost", "rate", "amount",
	},
	FieldPremiumFrequency: {
		"premium_frequency", "frequency", "premium.frequency", "price.frequency",
		"pricing.frequency", "billing_frequency", "payment_frequency", "billing_period", "period",
	},
	FieldCurrency: {
		"currency", "currency_code", "premium.currency", "price.currency", "pricing.currency",
	},
	FieldCoverageSummary: {
		"coverage_summary", "coverage", "summary", "description", "cover", "overview", "details",
	},
	FieldCoverageLimits: {
		"coverage_limits", "limits", "cover_limits", "sum_insured", "coverage_amount", "max_cover",
	},
	FieldBenefits:   {"benefits", "features", "inclusions", "highlights"},
	FieldExclusions: {"exclusions", "excluded", "not_covered"},
	FieldAddOns:     {"add_ons", "addons", "riders", "optional_extras", "extras", "optional_benefits"},
	FieldContactInfo: {
		"contact_info", "contact", "contacts",
	},
	FieldAvailabilityRegions: {
		"availability_regions", "regions", "region", "countries", "states", "available_in",
		"territories", "markets",
	},
	FieldValidFrom:  {"valid_from", "effective_date", "start_date", "available_from"},
	FieldValidUntil: {"valid_until", "expiry_date", "expiration_date", "end_date", "expires", "available_until"},
	FieldTags:       {"tags", "keywords", "labels"},
}

// contactAliases are top-level keys merged into contact_info.
var contactAliases = map[string]string{
	"phone": "phone", "telephone": "phone", "contact_phone": "phone",
	"email": "email", "contact_email": "email",
	"website": "website", "url": "website", "site": "website",
}

// CanonicalFields returns every canonical field name, sorted.
func CanonicalFields() []string {
	out := make([]string, 0, len(aliases))
	for k := range aliases {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// foldKey lower-cases a provider key and turns spaces and dashes into
// underscores: "Product Name" and "product-name" both become product_name.
func foldKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(k, "\ufeff")))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(k)
}

// keyIndex maps folded keys to raw keys. When two raw keys fold to the same
// value the lexically smallest raw key wins.
type keyIndex struct {
	raw    RawRecord
	folded map[string]string
}

func newKeyIndex(raw RawRecord) keyIndex {
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	folded := make(map[string]string, len(keys))
	for _, k := range keys {
		fk := foldKey(k)
		if _, taken := folded[fk]; !taken {
			folded[fk] = k
		}
	}
	return keyIndex{raw: raw, folded: folded}
}

// lookup returns the raw key and value for a provider key.
func (ix keyIndex) lookup(key string) (string, any, bool) {
	rk, ok := ix.folded[foldKey(key)]
	if !ok {
		return "", nil, false
	}
	v := ix.raw[rk]
	if v == nil {
		return "", nil, false
	}
	if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
		return "", nil, false
	}
	return rk, v, true
}

// candidate is one raw value considered for a canonical field.
type candidate struct {
	key   string
	value any
}

// candidates returns, in priority order, the raw values for a canonical
// field: explicit mapping entries first, then aliases. Keys mapped to a
// different canonical field are never used as aliases.
func (ix keyIndex) candidates(field string, mapping map[string]string) []candidate {
	var out []candidate
	seen := map[string]bool{}

	var mapped []string
	for providerKey, canonical := range mapping {
		if canonical == field {
			mapped = append(mapped, providerKey)
		}
	}
	sort.Strings(mapped)

	claimed := map[string]bool{}
	for providerKey, canonical := range mapping {
		if canonical != field {
			claimed[foldKey(providerKey)] = true
		}
	}

	for i, k := range append(mapped, aliases[field]...) {
		if i >= len(mapped) && claimed[foldKey(k)] {
			continue
		}
		rk, v, ok := ix.lookup(k)
		if !ok || seen[rk] {
			continue
		}
		seen[rk] = true
		out = append(out, candidate{key: rk, value: v})
	}
	return out
}
