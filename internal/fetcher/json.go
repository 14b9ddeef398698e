package fetcher

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// DecodeRecords extracts product records from a JSON payload.
//
// A top-level array is the record list. For an object, resultsPath (dotted,
// e.g. "data.products") is followed when set; otherwise the first of
// envelopeKeys holding an array wins. An object with none of those is
// treated as a single record. Non-object array elements are skipped.
func DecodeRecords(body []byte, resultsPath string, envelopeKeys []string) ([]Record, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var payload any
	if err := dec.Decode(&payload); err != nil {
		return nil, eris.Wrap(err, "json: decode payload")
	}

	if resultsPath != "" {
		v, ok := lookupPath(payload, resultsPath)
		if !ok {
			return nil, eris.Errorf("json: results_path %q not found", resultsPath)
		}
		payload = v
	}

	switch v := payload.(type) {
	case []any:
		return toRecords(v), nil
	case map[string]any:
		if resultsPath == "" {
			for _, key := range envelopeKeys {
				if arr, ok := v[key].([]any); ok {
					return toRecords(arr), nil
				}
			}
		}
		return []Record{Record(v)}, nil
	default:
		return nil, eris.Errorf("json: unexpected payload type %T", payload)
	}
}

func lookupPath(v any, path string) (any, bool) {
	for _, part := range strings.Split(path, ".") {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return v, true
}

func toRecords(items []any) []Record {
	out := make([]Record, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, Record(m))
		}
	}
	return out
}
