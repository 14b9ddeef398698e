package model

import (
	"encoding/json"
	"time"
)

// ProductStatus is the catalog visibility of a product.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// ProductCatalogEntry is a canonical insurance product row. The pair
// (DataSourceID, ExternalID) identifies at most one entry.
type ProductCatalogEntry struct {
	ID                  string            `json:"id"`
	DataSourceID        string            `json:"data_source_id"`
	ExternalID          string            `json:"external_id"`
	InsurerName         string            `json:"insurer_name"`
	ProductName         string            `json:"product_name"`
	PolicyType          string            `json:"policy_type"`
	PremiumAmount       *float64          `json:"premium_amount,omitempty"`
	PremiumFrequency    string            `json:"premium_frequency,omitempty"`
	Currency            string            `json:"currency,omitempty"`
	CoverageSummary     string            `json:"coverage_summary,omitempty"`
	CoverageLimits      map[string]any    `json:"coverage_limits,omitempty"`
	Benefits            []string          `json:"benefits,omitempty"`
	Exclusions          []string          `json:"exclusions,omitempty"`
	AddOns              []string          `json:"add_ons,omitempty"`
	ContactInfo         map[string]string `json:"contact_info,omitempty"`
	AvailabilityRegions []string          `json:"availability_regions,omitempty"`
	Tags                []string          `json:"tags,omitempty"`
	ValidFrom           *time.Time        `json:"valid_from,omitempty"`
	ValidUntil          *time.Time        `json:"valid_until,omitempty"`
	AISummary           *string           `json:"ai_summary,omitempty"`
	AINormalizedData    json.RawMessage   `json:"ai_normalized_data,omitempty"`
	Status              ProductStatus     `json:"status"`
	LastVerifiedAt      *time.Time        `json:"last_verified_at,omitempty"`
	LastUpdatedAt       time.Time         `json:"last_updated_at"`
	CreatedAt           time.Time         `json:"created_at"`
}

// ProductStats summarizes the catalog for the dashboard.
type ProductStats struct {
	Total        int            `json:"total"`
	Active       int            `json:"active"`
	ByPolicyType map[string]int `json:"by_policy_type"`
	BySource     map[string]int `json:"by_source"`
}

// DuplicateStatus is the review state of a duplicate detection.
type DuplicateStatus string

const (
	DuplicateStatusPending   DuplicateStatus = "pending"
	DuplicateStatusConfirmed DuplicateStatus = "confirmed"
	DuplicateStatusDismissed DuplicateStatus = "dismissed"
)

// Valid reports whether s is a known duplicate status.
func (s DuplicateStatus) Valid() bool {
	switch s {
	case DuplicateStatusPending, DuplicateStatusConfirmed, DuplicateStatusDismissed:
		return true
	}
	return false
}

// DuplicateDetection flags a likely duplicate pair. Stored one direction only.
type DuplicateDetection struct {
	ID                 string          `json:"id"`
	ProductID          string          `json:"product_id"`
	DuplicateProductID string          `json:"duplicate_product_id"`
	SimilarityScore    float64         `json:"similarity_score"`
	MatchingFields     []string        `json:"matching_fields"`
	Status             DuplicateStatus `json:"status"`
	CreatedAt          time.Time       `json:"created_at"`
}

// Severity grades a consistency alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the lifecycle of a consistency alert.
type AlertStatus string

const (
	AlertStatusActive   AlertStatus = "active"
	AlertStatusResolved AlertStatus = "resolved"
)

// ConsistencyAlert is a rule-triggered flag on a catalog entry.
type ConsistencyAlert struct {
	ID         string      `json:"id"`
	ProductID  string      `json:"product_id"`
	AlertType  string      `json:"alert_type"`
	Severity   Severity    `json:"severity"`
	Message    string      `json:"message"`
	Status     AlertStatus `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
	ResolvedAt *time.Time  `json:"resolved_at,omitempty"`
}

// NormalizationAudit is the normalizer output kept in ai_normalized_data.
type NormalizationAudit struct {
	// MappedFields maps each canonical field to the raw key it came from.
	MappedFields map[string]string `json:"mapped_fields,omitempty"`
	PremiumRaw   string            `json:"premium_raw,omitempty"`
	// SymbolCurrency is the currency implied by the premium's symbol or code.
	SymbolCurrency    string          `json:"symbol_currency,omitempty"`
	DeclaredCurrency  string          `json:"declared_currency,omitempty"`
	ExternalIDDerived bool            `json:"external_id_derived,omitempty"`
	AIFilled          []string        `json:"ai_filled,omitempty"`
	AI                json.RawMessage `json:"ai,omitempty"`
}

// Audit decodes AINormalizedData. It reports false when absent or unreadable.
func (p *ProductCatalogEntry) Audit() (NormalizationAudit, bool) {
	var a NormalizationAudit
	if len(p.AINormalizedData) == 0 {
		return a, false
	}
	if err := json.Unmarshal(p.AINormalizedData, &a); err != nil {
		return a, false
	}
	return a, true
}
