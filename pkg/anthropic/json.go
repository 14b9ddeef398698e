package anthropic

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Prompt is a single-turn extraction request.
type Prompt struct {
	Model     string
	MaxTokens int64
	System    string
	Input     string
	// Purpose labels the usage log line, e.g. "normalize".
	Purpose string
}

// Extract sends p at temperature zero behind a cached system prompt and
// returns the reply text. The same prompt and input always yield the same
// request.
func Extract(ctx context.Context, c Client, p Prompt) (string, error) {
	temperature := 0.0
	resp, err := c.CreateMessage(ctx, MessageRequest{
		Model:       p.Model,
		MaxTokens:   p.MaxTokens,
		System:      CachedSystem(p.System),
		Messages:    []Message{{Role: "user", Content: p.Input}},
		Temperature: &temperature,
	})
	if err != nil {
		return "", eris.Wrapf(err, "anthropic: %s", p.Purpose)
	}
	if resp == nil {
		return "", eris.Errorf("anthropic: %s: empty response", p.Purpose)
	}
	resp.Usage.LogCost(p.Model, p.Purpose)
	return resp.Text(), nil
}

// DecodeJSON decodes the JSON found in model output into v. Numbers stay
// json.Number so premiums keep their exact text.
func DecodeJSON(text string, v any) error {
	dec := json.NewDecoder(strings.NewReader(CleanJSON(text)))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return eris.Wrap(err, "anthropic: decode json reply")
	}
	return nil
}

// CleanJSON extracts the JSON object or array from model output that may be
// wrapped in markdown code fences or prose. Whichever of '{' or '[' appears
// first decides the shape.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	open, closing := "{", "}"
	obj := strings.Index(text, "{")
	arr := strings.Index(text, "[")
	if arr >= 0 && (obj < 0 || arr < obj) {
		open, closing = "[", "]"
	}

	start := strings.Index(text, open)
	end := strings.LastIndex(text, closing)
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
