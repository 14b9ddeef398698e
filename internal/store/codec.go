package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/padlock-insure/padlock-ingest/internal/model"
)

const productColumns = `id, data_source_id, external_id, insurer_name, product_name, policy_type,
	premium_amount, premium_frequency, currency, coverage_summary, coverage_limits,
	benefits, exclusions, add_ons, contact_info, availability_regions, tags,
	valid_from, valid_until, ai_summary, ai_normalized_data, status,
	last_verified_at, last_updated_at, created_at`

const jobColumns = `id, data_source_id, status, job_type, started_at, completed_at,
	products_found, products_new, products_updated, products_duplicates, products_errors,
	error_message, created_at`

const sourceColumns = `id, name, provider_name, source_type, configuration, status,
	last_sync_at, error_count, last_error, created_at, updated_at`

// productBlobs holds the JSON-encoded collection columns of a product.
type productBlobs struct {
	Limits     []byte
	Benefits   []byte
	Exclusions []byte
	AddOns     []byte
	Contact    []byte
	Regions    []byte
	Tags       []byte
}

func encodeProduct(p *model.ProductCatalogEntry) (productBlobs, error) {
	var b productBlobs
	var err error
	fields := []struct {
		dst *[]byte
		v   any
	}{
		{&b.Limits, p.CoverageLimits},
		{&b.Benefits, p.Benefits},
		{&b.Exclusions, p.Exclusions},
		{&b.AddOns, p.AddOns},
		{&b.Contact, p.ContactInfo},
		{&b.Regions, p.AvailabilityRegions},
		{&b.Tags, p.Tags},
	}
	for _, f := range fields {
		*f.dst, err = json.Marshal(f.v)
		if err != nil {
			return b, eris.Wrap(err, "store: encode product")
		}
	}
	return b, nil
}

func decodeProduct(p *model.ProductCatalogEntry, b productBlobs) error {
	fields := []struct {
		src []byte
		dst any
	}{
		{b.Limits, &p.CoverageLimits},
		{b.Benefits, &p.Benefits},
		{b.Exclusions, &p.Exclusions},
		{b.AddOns, &p.AddOns},
		{b.Contact, &p.ContactInfo},
		{b.Regions, &p.AvailabilityRegions},
		{b.Tags, &p.Tags},
	}
	for _, f := range fields {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return eris.Wrap(err, "store: decode product")
		}
	}
	return nil
}

func nullableJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return raw
}

func validateTransition(from, to model.JobStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("store: illegal job transition %s -> %s", from, to)
	}
	return nil
}
