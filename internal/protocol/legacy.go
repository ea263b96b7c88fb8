package protocol

import "encoding/json"

// legacyPromotedKeys lists the flat top-level keys a pre-envelope peer may
// send instead of the {type, payload, meta} shape. Recognized keys are
// promoted into payload on decode; the server never emits this form (spec
// §9, open question: prefer enveloped, accept legacy on read only).
var legacyPromotedKeys = []string{
	"publicId", "owner", "value", "content", "message", "username", "password", "reason",
}

// PromoteLegacy rewrites a raw frame object that mixes top-level legacy
// fields with (or instead of) a payload object, merging the legacy keys into
// payload. raw must already be a JSON object; non-object input is returned
// unchanged.
func PromoteLegacy(raw map[string]json.RawMessage) map[string]json.RawMessage {
	payload := map[string]json.RawMessage{}
	if existing, ok := raw["payload"]; ok {
		_ = json.Unmarshal(existing, &payload)
	}

	for _, key := range legacyPromotedKeys {
		if v, ok := raw[key]; ok {
			if _, already := payload[key]; !already {
				payload[key] = v
			}
			delete(raw, key)
		}
	}

	if len(payload) > 0 {
		encoded, err := json.Marshal(payload)
		if err == nil {
			raw["payload"] = encoded
		}
	}
	return raw
}
