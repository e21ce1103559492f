package llm

import (
	"encoding/json"
	"strings"
)

// maxRepairTrim bounds how much trailing text the repair step may discard.
// Beyond this the payload is treated as unsalvageable rather than guessed at.
const maxRepairTrim = 4096

// RepairTruncatedJSON attempts a bounded repair of a structured response whose
// top-level JSON array was cut off mid-stream. It drops the trailing partial
// element and closes the array. Returns the repaired bytes and true only when
// the result parses; the caller decides how far to trust salvaged data.
func RepairTruncatedJSON(raw []byte) ([]byte, bool) {
	if json.Valid(raw) {
		return raw, true
	}
	text := strings.TrimSpace(string(raw))
	start := strings.IndexByte(text, '[')
	if start < 0 {
		return nil, false
	}
	// Walk back to the last complete element boundary.
	end := strings.LastIndexByte(text, '}')
	if end <= start {
		return nil, false
	}
	if len(text)-end > maxRepairTrim {
		return nil, false
	}
	candidate := text[start:end+1] + "]"
	if !json.Valid([]byte(candidate)) {
		return nil, false
	}
	return []byte(candidate), true
}
