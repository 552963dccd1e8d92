package jsonutil

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// UnmarshalFlexible unmarshals LLM-produced JSON into out. It tries plain JSON
// first, then a double-encoded JSON string, and finally a repaired version of
// the input (unquoted keys, trailing commas, single quotes).
func UnmarshalFlexible(input []byte, out any) error {
	text := strings.TrimSpace(string(input))
	if text == "" {
		return fmt.Errorf("empty input")
	}

	if err := json.Unmarshal([]byte(text), out); err == nil {
		return nil
	}

	var asString string
	if err := json.Unmarshal([]byte(text), &asString); err == nil {
		asString = strings.TrimSpace(asString)
		if err := json.Unmarshal([]byte(asString), out); err == nil {
			return nil
		}
		text = asString
	}

	repaired, err := jsonrepair.JSONRepair(text)
	if err != nil {
		return fmt.Errorf("json repair failed: %w", err)
	}
	if err := json.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("unmarshal failed after repair: %w", err)
	}
	return nil
}
