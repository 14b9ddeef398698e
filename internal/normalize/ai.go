package normalize

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/padlock-insure/padlock-ingest/pkg/anthropic"
)

const enrichPrompt = `You normalize insurance product records for a product catalog.
You receive one provider record as JSON. Some of its fields hold free text.
Return ONLY a JSON object, no prose, with this shape:
{
  "summary": "one or two plain sentences describing the cover",
  "tags": ["short lowercase keywords"],
  "fields": {
    "insurer_name": string, "product_name": string,
    "policy_type": one of auto|home|life|health|travel|pet|business|funeral|disability|other,
    "premium_amount": number, "premium_frequency": one of monthly|quarterly|annual|weekly|once,
    "currency": ISO 4217 code, "coverage_summary": string,
    "coverage_limits": object of limit name to amount,
    "benefits": [string], "exclusions": [string], "add_ons": [string],
    "contact_info": object, "availability_regions": [string],
    "valid_from": "YYYY-MM-DD", "valid_until": "YYYY-MM-DD"
  }
}
Omit any field the record does not state. Never invent prices, dates or insurers.`

// aiResult is the enrichment payload returned by the model.
type aiResult struct {
	Summary string         `json:"summary"`
	Tags    []string       `json:"tags"`
	Fields  map[string]any `json:"fields"`
}

// enrich asks the model for a summary, tags and any fields it can extract
// from free text. It returns the parsed result and its canonical JSON.
func (n *Normalizer) enrich(ctx context.Context, raw RawRecord) (*aiResult, json.RawMessage, error) {
	record, err := json.Marshal(raw)
	if err != nil {
		return nil, nil, eris.Wrap(err, "normalize: marshal record for ai")
	}

	text, err := anthropic.Extract(ctx, n.ai, anthropic.Prompt{
		Model:     n.aiCfg.Model,
		MaxTokens: n.aiCfg.MaxTokens,
		System:    enrichPrompt,
		Input:     "Provider record:\n" + string(record),
		Purpose:   "normalize",
	})
	if err != nil {
		return nil, nil, eris.Wrap(err, "normalize: ai enrichment")
	}
	var res aiResult
	if err := anthropic.DecodeJSON(text, &res); err != nil {
		return nil, nil, eris.Wrap(err, "normalize: parse ai response")
	}
	if res.Fields == nil {
		res.Fields = map[string]any{}
	}
	payload, err := json.Marshal(res)
	if err != nil {
		return nil, nil, eris.Wrap(err, "normalize: encode ai payload")
	}
	return &res, payload, nil
}
