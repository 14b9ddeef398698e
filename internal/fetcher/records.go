package fetcher

import (
	"strings"
)

// Record is one provider record before normalization.
type Record map[string]any

// RowsToRecords zips tabular rows with their header. Blank header cells and
// empty rows are skipped; short rows leave trailing keys unset.
func RowsToRecords(header []string, rows [][]string) []Record {
	keys := make([]string, len(header))
	for i, h := range header {
		keys[i] = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
	}

	out := make([]Record, 0, len(rows))
	for _, row := range rows {
		rec := make(Record, len(keys))
		empty := true
		for i, cell := range row {
			if i >= len(keys) || keys[i] == "" {
				continue
			}
			cell = strings.TrimSpace(cell)
			if cell != "" {
				empty = false
			}
			rec[keys[i]] = cell
		}
		if !empty {
			out = append(out, rec)
		}
	}
	return out
}

// Flatten adds a dotted key for every leaf of a nested object while keeping
// the original keys. Aggregator payloads nest insurer and pricing blocks,
// e.g. {"insurer":{"name":"Acme"}} also yields "insurer.name".
func Flatten(rec Record) Record {
	out := make(Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			key := prefix + "." + k
			if nested, ok := v.(map[string]any); ok {
				walk(key, nested)
				continue
			}
			if _, taken := out[key]; !taken {
				out[key] = v
			}
		}
	}
	for k, v := range rec {
		if nested, ok := v.(map[string]any); ok {
			walk(k, nested)
		}
	}
	return out
}
