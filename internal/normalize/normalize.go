// Package normalize maps heterogeneous provider records onto the canonical
// insurance product schema.
package normalize

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/padlock-insure/padlock-ingest/internal/apperr"
	"github.com/padlock-insure/padlock-ingest/internal/config"
	"github.com/padlock-insure/padlock-ingest/internal/model"
	"github.com/padlock-insure/padlock-ingest/pkg/anthropic"
)

// RawRecord is one provider record as fetched.
type RawRecord map[string]any

// NormalizedProduct is a record mapped onto the canonical schema.
type NormalizedProduct struct {
	ExternalID          string                   `json:"external_id"`
	InsurerName         string                   `json:"insurer_name"`
	ProductName         string                   `json:"product_name"`
	PolicyType          string                   `json:"policy_type"`
	PremiumAmount       *float64                 `json:"premium_amount"`
	PremiumFrequency    string                   `json:"premium_frequency"`
	Currency            string                   `json:"currency"`
	CoverageSummary     string                   `json:"coverage_summary"`
	CoverageLimits      map[string]any           `json:"coverage_limits"`
	Benefits            []string                 `json:"benefits"`
	Exclusions          []string                 `json:"exclusions"`
	AddOns              []string                 `json:"add_ons"`
	ContactInfo         map[string]string        `json:"contact_info"`
	AvailabilityRegions []string                 `json:"availability_regions"`
	ValidFrom           *time.Time               `json:"valid_from"`
	ValidUntil          *time.Time               `json:"valid_until"`
	Tags                []string                 `json:"tags"`
	AISummary           *string                  `json:"ai_summary"`
	Audit               model.NormalizationAudit `json:"audit"`
}

// ToEntry builds the catalog row for sourceID. Timestamps are left to the
// store and the caller.
func (p *NormalizedProduct) ToEntry(sourceID string) *model.ProductCatalogEntry {
	audit, _ := json.Marshal(p.Audit) //nolint:errchkjson // plain struct
	return &model.ProductCatalogEntry{
		DataSourceID:        sourceID,
		ExternalID:          p.ExternalID,
		InsurerName:         p.InsurerName,
		ProductName:         p.ProductName,
		PolicyType:          p.PolicyType,
		PremiumAmount:       p.PremiumAmount,
		PremiumFrequency:    p.PremiumFrequency,
		Currency:            p.Currency,
		CoverageSummary:     p.CoverageSummary,
		CoverageLimits:      p.CoverageLimits,
		Benefits:            p.Benefits,
		Exclusions:          p.Exclusions,
		AddOns:              p.AddOns,
		ContactInfo:         p.ContactInfo,
		AvailabilityRegions: p.AvailabilityRegions,
		Tags:                p.Tags,
		ValidFrom:           p.ValidFrom,
		ValidUntil:          p.ValidUntil,
		AISummary:           p.AISummary,
		AINormalizedData:    audit,
		Status:              model.ProductStatusActive,
	}
}

// Normalizer maps raw records to NormalizedProduct. It is safe for
// concurrent use.
type Normalizer struct {
	cfg   config.NormalizeConfig
	aiCfg config.AnthropicConfig
	ai    anthropic.Client
}

// New creates a Normalizer. A nil ai client disables enrichment.
func New(cfg config.NormalizeConfig, aiCfg config.AnthropicConfig, ai anthropic.Client) *Normalizer {
	if cfg.UnstructuredMinChars <= 0 {
		cfg.UnstructuredMinChars = 80
	}
	if aiCfg.Model == "" {
		aiCfg.Model = "claude-haiku-4-5-20251001"
	}
	if aiCfg.MaxTokens <= 0 {
		aiCfg.MaxTokens = 1024
	}
	return &Normalizer{cfg: cfg, aiCfg: aiCfg, ai: ai}
}

// fieldOrder fixes the order fields are resolved in.
var fieldOrder = []string{
	FieldExternalID, FieldInsurerName, FieldProductName, FieldPolicyType,
	FieldPremiumAmount, FieldPremiumFrequency, FieldCurrency,
	FieldCoverageSummary, FieldCoverageLimits, FieldBenefits, FieldExclusions,
	FieldAddOns, FieldContactInfo, FieldAvailabilityRegions,
	FieldValidFrom, FieldValidUntil, FieldTags,
}

// Normalize maps raw onto the canonical schema. mapping (provider key to
// canonical field) takes precedence over the built-in aliases. The only
// error is a record with neither an external id nor a product name; AI
// failures degrade to structured fields only.
func (n *Normalizer) Normalize(ctx context.Context, raw RawRecord, mapping map[string]string) (*NormalizedProduct, error) {
	ix := newKeyIndex(raw)
	b := newBuilder()

	for _, field := range fieldOrder {
		for _, c := range ix.candidates(field, mapping) {
			if b.set(field, c.key, c.value) {
				b.audit.MappedFields[field] = c.key
				break
			}
		}
	}
	b.mergeContactAliases(ix)

	if b.p.ExternalID == "" && b.p.ProductName == "" {
		return nil, apperr.Validation("record has no external_id or product_name", map[string]string{
			FieldExternalID:  "required when product_name is missing",
			FieldProductName: "required when external_id is missing",
		})
	}

	if n.enrichmentEnabled() && hasUnstructuredText(raw, n.cfg.UnstructuredMinChars) {
		res, payload, err := n.enrich(ctx, raw)
		if err != nil {
			zap.L().Warn("normalize: ai enrichment failed, using structured fields",
				zap.String("product_name", b.p.ProductName),
				zap.Error(err),
			)
		} else {
			b.applyAI(res, payload)
		}
	}

	b.finish(n.cfg.DefaultCurrency)
	return b.p, nil
}

func (n *Normalizer) enrichmentEnabled() bool {
	return n.cfg.AIEnabled && n.ai != nil
}

// hasUnstructuredText reports whether any top-level text value is long
// enough to be worth an AI pass.
func hasUnstructuredText(raw RawRecord, minChars int) bool {
	for _, v := range raw {
		if s, ok := v.(string); ok && len([]rune(strings.TrimSpace(s))) >= minChars {
			return true
		}
	}
	return false
}

// builder accumulates one product while fields are resolved.
type builder struct {
	p              *NormalizedProduct
	audit          *model.NormalizationAudit
	declared       string
	symbolCurrency string
	frequencyHint  string
}

func newBuilder() *builder {
	p := &NormalizedProduct{}
	p.Audit.MappedFields = map[string]string{}
	return &builder{p: p, audit: &p.Audit}
}

// set coerces v into field and reports whether it was usable. key is the
// raw key the value came from.
func (b *builder) set(field, key string, v any) bool {
	p := b.p
	switch field {
	case FieldExternalID, FieldInsurerName, FieldProductName, FieldCoverageSummary:
		s, ok := toString(v)
		if !ok {
			return false
		}
		switch field {
		case FieldExternalID:
			p.ExternalID = s
		case FieldInsurerName:
			p.InsurerName = s
		case FieldProductName:
			p.ProductName = s
		case FieldCoverageSummary:
			p.CoverageSummary = s
		}
	case FieldPolicyType:
		s, ok := toString(v)
		if !ok {
			return false
		}
		p.PolicyType = canonicalPolicyType(s)
	case FieldPremiumAmount:
		m, ok := parseMoney(v)
		if !ok {
			return false
		}
		amount := m.amount
		p.PremiumAmount = &amount
		b.symbolCurrency = m.currency
		b.frequencyHint = m.frequency
		switch foldKey(key) {
		case "monthly_premium":
			b.frequencyHint = "monthly"
		case "annual_premium":
			b.frequencyHint = "annual"
		}
		if s, ok := toString(v); ok {
			b.audit.PremiumRaw = s
		}
	case FieldPremiumFrequency:
		s, ok := toString(v)
		if !ok {
			return false
		}
		f := canonicalFrequency(s)
		if f == "" {
			return false
		}
		p.PremiumFrequency = f
	case FieldCurrency:
		s, ok := toString(v)
		if !ok {
			return false
		}
		b.declared = canonicalCurrency(s)
	case FieldCoverageLimits:
		p.CoverageLimits = toLimits(v)
		return p.CoverageLimits != nil
	case FieldBenefits:
		p.Benefits = toList(v)
		return p.Benefits != nil
	case FieldExclusions:
		p.Exclusions = toList(v)
		return p.Exclusions != nil
	case FieldAddOns:
		p.AddOns = toList(v)
		return p.AddOns != nil
	case FieldAvailabilityRegions:
		p.AvailabilityRegions = toList(v)
		return p.AvailabilityRegions != nil
	case FieldTags:
		p.Tags = toList(v)
		return p.Tags != nil
	case FieldContactInfo:
		p.ContactInfo = toContact(v)
		return p.ContactInfo != nil
	case FieldValidFrom:
		t, ok := parseDate(v)
		if !ok {
			return false
		}
		p.ValidFrom = t
	case FieldValidUntil:
		t, ok := parseDate(v)
		if !ok {
			return false
		}
		p.ValidUntil = t
	default:
		return false
	}
	return true
}

// empty reports whether field has not been resolved yet.
func (b *builder) empty(field string) bool {
	p := b.p
	switch field {
	case FieldExternalID:
		return p.ExternalID == ""
	case FieldInsurerName:
		return p.InsurerName == ""
	case FieldProductName:
		return p.ProductName == ""
	case FieldPolicyType:
		return p.PolicyType == ""
	case FieldPremiumAmount:
		return p.PremiumAmount == nil
	case FieldPremiumFrequency:
		return p.PremiumFrequency == ""
	case FieldCurrency:
		return b.declared == ""
	case FieldCoverageSummary:
		return p.CoverageSummary == ""
	case FieldCoverageLimits:
		return p.CoverageLimits == nil
	case FieldBenefits:
		return p.Benefits == nil
	case FieldExclusions:
		return p.Exclusions == nil
	case FieldAddOns:
		return p.AddOns == nil
	case FieldContactInfo:
		return p.ContactInfo == nil
	case FieldAvailabilityRegions:
		return p.AvailabilityRegions == nil
	case FieldValidFrom:
		return p.ValidFrom == nil
	case FieldValidUntil:
		return p.ValidUntil == nil
	case FieldTags:
		return p.Tags == nil
	}
	return false
}

// mergeContactAliases folds top-level phone/email/website keys into
// contact_info without overwriting explicit entries.
func (b *builder) mergeContactAliases(ix keyIndex) {
	for _, alias := range sortedKeys(contactAliases) {
		kind := contactAliases[alias]
		_, v, ok := ix.lookup(alias)
		if !ok {
			continue
		}
		s, ok := toString(v)
		if !ok {
			continue
		}
		if b.p.ContactInfo == nil {
			b.p.ContactInfo = map[string]string{}
		}
		if _, exists := b.p.ContactInfo[kind]; !exists {
			b.p.ContactInfo[kind] = s
		}
	}
}

// applyAI fills fields the structured pass left empty. Structured input
// always wins.
func (b *builder) applyAI(res *aiResult, payload json.RawMessage) {
	b.audit.AI = payload
	for _, field := range fieldOrder {
		if field == FieldExternalID || !b.empty(field) {
			continue
		}
		v, ok := res.Fields[field]
		if !ok || v == nil {
			continue
		}
		if b.set(field, "", v) {
			b.audit.AIFilled = append(b.audit.AIFilled, field)
		}
	}
	if s := strings.TrimSpace(res.Summary); s != "" {
		b.p.AISummary = &s
	}
	b.p.Tags = append(b.p.Tags, res.Tags...)
}

// finish settles currency, frequency, identifiers and tag order.
func (b *builder) finish(defaultCurrency string) {
	p := b.p
	b.audit.DeclaredCurrency = b.declared
	b.audit.SymbolCurrency = b.symbolCurrency

	switch {
	case b.declared != "":
		p.Currency = b.declared
	case b.symbolCurrency != "":
		p.Currency = b.symbolCurrency
	case p.PremiumAmount != nil && defaultCurrency != "":
		p.Currency = strings.ToUpper(defaultCurrency)
	}

	if p.PremiumFrequency == "" {
		p.PremiumFrequency = b.frequencyHint
	}

	if p.ExternalID == "" {
		p.ExternalID = ProductKey(p.InsurerName, p.ProductName)
		b.audit.ExternalIDDerived = true
	}

	if p.Tags != nil {
		p.Tags = sortedTags(p.Tags)
	}
}

// productKeySpace namespaces hashed product keys.
var productKeySpace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("padlock-ingest:product"))

// ProductKey derives the natural key for a product without a provider id.
// Names that fold to ASCII become a readable slug. Any other letter or digit
// would be dropped by the slug, so those names hash instead, e.g.
// ("", "家庭保险") becomes "p-" followed by a name-based UUID.
func ProductKey(insurer, product string) string {
	if asciiName(insurer) && asciiName(product) {
		if s := Slug(insurer, product); s != "" {
			return s
		}
	}
	key := nameKey(insurer) + "\x00" + nameKey(product)
	return "p-" + uuid.NewSHA1(productKeySpace, []byte(key)).String()
}

func asciiName(s string) bool {
	for _, r := range FoldText(s) {
		if r > unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return false
		}
	}
	return true
}

func nameKey(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(FoldText(s))), " ")
}

// Slug builds a stable identifier from name parts, e.g. ("Acme Insurance",
// "Home Shield") becomes "acme-insurance-home-shield".
func Slug(parts ...string) string {
	var sb strings.Builder
	dash := false
	for _, part := range parts {
		for _, r := range strings.ToLower(FoldText(part)) {
			if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
				if dash && sb.Len() > 0 {
					sb.WriteByte('-')
				}
				dash = false
				sb.WriteRune(r)
				continue
			}
			dash = true
		}
		dash = true
	}
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
