package consistency

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/currency"
	"gopkg.in/yaml.v3"

	"github.com/padlock-insure/padlock-ingest/internal/model"
)

// Alert types raised by the default rule set.
const (
	MissingPremium      = "missing_premium"
	ZeroPremium         = "zero_premium"
	NegativePremium     = "negative_premium"
	MissingCurrency     = "missing_currency"
	InvalidCurrency     = "invalid_currency"
	ConflictingCurrency = "conflicting_currency"
	MissingInsurer      = "missing_insurer"
	MissingPolicyType   = "missing_policy_type"
	InvalidDateRange    = "invalid_date_range"
	ExpiredProduct      = "expired_product"
	MissingCoverage     = "missing_coverage"
	PremiumOutlier      = "premium_outlier"
)

// DefaultPremiumCeiling is the premium above which premium_outlier fires.
const DefaultPremiumCeiling = 100000

// Predicate reports whether a rule fires for p at time now.
type Predicate func(p *model.ProductCatalogEntry, now time.Time) bool

// Rule is one consistency check. A disabled rule never fires, and any
// alert it raised earlier is resolved on the next evaluation.
type Rule struct {
	AlertType string
	Severity  model.Severity
	Message   string
	Disabled  bool
	Fires     Predicate
}

// DefaultRules returns the built-in rule set. ceiling <= 0 uses
// DefaultPremiumCeiling.
func DefaultRules(ceiling float64) []Rule {
	if ceiling <= 0 {
		ceiling = DefaultPremiumCeiling
	}
	return []Rule{
		{
			AlertType: MissingPremium,
			Severity:  model.SeverityWarning,
			Message:   "Product has no premium amount",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PremiumAmount == nil
			},
		},
		{
			AlertType: ZeroPremium,
			Severity:  model.SeverityWarning,
			Message:   "Premium amount is zero",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PremiumAmount != nil && *p.PremiumAmount == 0
			},
		},
		{
			AlertType: NegativePremium,
			Severity:  model.SeverityCritical,
			Message:   "Premium amount is negative",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PremiumAmount != nil && *p.PremiumAmount < 0
			},
		},
		{
			AlertType: MissingCurrency,
			Severity:  model.SeverityWarning,
			Message:   "Premium has no currency",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PremiumAmount != nil && p.Currency == ""
			},
		},
		{
			AlertType: InvalidCurrency,
			Severity:  model.SeverityCritical,
			Message:   "Currency is not an ISO 4217 code",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.Currency != "" && !validCurrency(p.Currency)
			},
		},
		{
			AlertType: ConflictingCurrency,
			Severity:  model.SeverityWarning,
			Message:   "Declared currency disagrees with the premium's currency symbol",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				audit, ok := p.Audit()
				return ok && audit.SymbolCurrency != "" && audit.DeclaredCurrency != "" &&
					audit.SymbolCurrency != audit.DeclaredCurrency
			},
		},
		{
			AlertType: MissingInsurer,
			Severity:  model.SeverityCritical,
			Message:   "Product has no insurer name",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return strings.TrimSpace(p.InsurerName) == ""
			},
		},
		{
			AlertType: MissingPolicyType,
			Severity:  model.SeverityWarning,
			Message:   "Product has no policy type",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PolicyType == ""
			},
		},
		{
			AlertType: InvalidDateRange,
			Severity:  model.SeverityCritical,
			Message:   "valid_until is before valid_from",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.ValidFrom != nil && p.ValidUntil != nil && p.ValidUntil.Before(*p.ValidFrom)
			},
		},
		{
			AlertType: ExpiredProduct,
			Severity:  model.SeverityWarning,
			Message:   "Product validity has ended",
			Fires: func(p *model.ProductCatalogEntry, now time.Time) bool {
				return p.ValidUntil != nil && p.ValidUntil.Before(now)
			},
		},
		{
			AlertType: MissingCoverage,
			Severity:  model.SeverityInfo,
			Message:   "Product has no coverage summary, limits or benefits",
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return strings.TrimSpace(p.CoverageSummary) == "" && len(p.CoverageLimits) == 0 && len(p.Benefits) == 0
			},
		},
		{
			AlertType: PremiumOutlier,
			Severity:  model.SeverityWarning,
			Message:   fmt.Sprintf("Premium exceeds %.2f", ceiling),
			Fires: func(p *model.ProductCatalogEntry, _ time.Time) bool {
				return p.PremiumAmount != nil && *p.PremiumAmount > ceiling
			},
		},
	}
}

func validCurrency(code string) bool {
	if len(code) != 3 || strings.ToUpper(code) != code {
		return false
	}
	_, err := currency.ParseISO(code)
	return err == nil
}

// RuleOverride changes one built-in rule. Zero fields keep the default.
type RuleOverride struct {
	Enabled  *bool  `yaml:"enabled"`
	Severity string `yaml:"severity"`
	Message  string `yaml:"message"`
}

// RulesFile is the YAML layout read by LoadRules:
//
//	rules:
//	  missing_coverage:
//	    enabled: false
//	  premium_outlier:
//	    severity: critical
type RulesFile struct {
	Rules map[string]RuleOverride `yaml:"rules"`
}

// LoadRules returns the default rule set with the overrides in path applied.
func LoadRules(path string, ceiling float64) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "consistency: read rules %s", path)
	}
	var file RulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, eris.Wrap(err, "consistency: parse rules")
	}
	return ApplyOverrides(DefaultRules(ceiling), file.Rules)
}

// ApplyOverrides returns a copy of rules with overrides applied. Unknown
// rule names and severities are errors.
func ApplyOverrides(rules []Rule, overrides map[string]RuleOverride) ([]Rule, error) {
	out := make([]Rule, len(rules))
	copy(out, rules)

	index := make(map[string]int, len(out))
	for i, r := range out {
		index[r.AlertType] = i
	}
	for name, o := range overrides {
		i, ok := index[name]
		if !ok {
			return nil, eris.Errorf("consistency: unknown rule %q", name)
		}
		if o.Enabled != nil {
			out[i].Disabled = !*o.Enabled
		}
		if o.Severity != "" {
			sev := model.Severity(strings.ToLower(o.Severity))
			if !sev.Valid() {
				return nil, eris.Errorf("consistency: rule %q has invalid severity %q", name, o.Severity)
			}
			out[i].Severity = sev
		}
		if o.Message != "" {
			out[i].Message = o.Message
		}
	}
	return out, nil
}
