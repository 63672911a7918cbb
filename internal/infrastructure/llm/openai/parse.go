package openai

import (
	"encoding/json"
	"strings"
)

// parseStructuredJSON decodes a model answer into an object. When the answer is
// not valid JSON it retries on the span between the first '{' and the last '}'.
// Unparseable output yields an empty map.
func parseStructuredJSON(raw string) map[string]any {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}
	}

	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err == nil && out != nil {
		return out
	}

	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		out = nil
		if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err == nil && out != nil {
			return out
		}
	}
	return map[string]any{}
}
