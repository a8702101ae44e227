package synth

import (
	"encoding/json"
	"fmt"
)

// SetSpeedScale rewrites speedScale in a VOICEVOX audio query document and
// leaves every other field as the engine produced it.
func SetSpeedScale(query []byte, scale float64) ([]byte, error) {
	var doc map[string]any
	if err := json.Unmarshal(query, &doc); err != nil {
		return nil, fmt.Errorf("decode audio query: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("decode audio query: empty document")
	}
	doc["speedScale"] = scale
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode audio query: %w", err)
	}
	return out, nil
}
