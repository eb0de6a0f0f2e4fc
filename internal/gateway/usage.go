package gateway

import (
	"bytes"
	"encoding/json"
	"strings"
)

// usageTotals is the token accounting extracted from upstream response
// metadata. Absent counters stay zero; the gateway never estimates.
type usageTotals struct {
	Input  int64
	Output int64
}

// usagePayload matches both the OpenAI (prompt/completion) and Anthropic
// (input/output) spellings of the usage object.
type usagePayload struct {
	Usage *struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		InputTokens      int64 `json:"input_tokens"`
		OutputTokens     int64 `json:"output_tokens"`
	} `json:"usage"`
}

// extractUsage pulls token counts out of one JSON document. Bodies without a
// usage object, and bodies that are not JSON at all, yield zero totals.
func extractUsage(body []byte) usageTotals {
	var payload usagePayload
	if err := json.Unmarshal(body, &payload); err != nil || payload.Usage == nil {
		return usageTotals{}
	}

	totals := usageTotals{
		Input:  payload.Usage.PromptTokens,
		Output: payload.Usage.CompletionTokens,
	}
	if totals.Input == 0 {
		totals.Input = payload.Usage.InputTokens
	}
	if totals.Output == 0 {
		totals.Output = payload.Usage.OutputTokens
	}
	return totals
}

// sseUsageTee accumulates usage from SSE data frames as chunks stream past.
// Frames arrive split at arbitrary byte boundaries, so lines are reassembled
// in an internal buffer; only complete lines are parsed. Later frames win:
// providers emit the authoritative totals in the final usage-bearing frame.
type sseUsageTee struct {
	totals usageTotals
	buf    []byte
}

func (t *sseUsageTee) scan(chunk []byte) {
	t.buf = append(t.buf, chunk...)
	for {
		idx := bytes.IndexByte(t.buf, '\n')
		if idx < 0 {
			return
		}
		line := string(bytes.TrimRight(t.buf[:idx], "\r"))
		t.buf = t.buf[idx+1:]

		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		if found := extractUsage([]byte(data)); found.Input > 0 || found.Output > 0 {
			t.totals = found
		}
	}
}
