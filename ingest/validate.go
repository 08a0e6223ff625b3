// Package ingest implements the Submit/Refresh endpoint (component C):
// validating and recording inbound reports from processes.
package ingest

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/lbbence95/macrostepd/macroerr"
)

// requiredPaths are the dotted gjson paths that must exist, be strings, and
// be non-empty for a submit/refresh payload to be accepted (§4.1, mirroring
// the original's Validate_necessary_keys_exists/Validate_JSON_value_types).
var requiredPaths = []string{
	"processData.infraID",
	"processData.infraName",
	"processData.nodeID",
	"processData.nodeName",
	"processData.bpTag",
	"userData.nodeIP",
}

// optionalEmptyPaths may be present but are allowed to be empty strings.
var optionalEmptyPaths = map[string]bool{
	"processData.bpTag": true,
}

// Payload is the typed, validated submit/refresh body.
type Payload struct {
	InfraID   string
	InfraName string
	NodeID    string
	NodeName  string
	BPTag     string
	NodeIP    string
	Raw       map[string]any
}

// Tags tokenizes BPTag on whitespace (§6: "tag tokenization is
// whitespace-separated").
func (p Payload) Tags() []string {
	if strings.TrimSpace(p.BPTag) == "" {
		return nil
	}
	return strings.Fields(p.BPTag)
}

// ValidatePayload runs the three sequential checks of §4.1: parseable JSON,
// required key paths present, value types and non-emptiness. Validation
// never mutates storage; a non-nil error here means the caller must not
// proceed to Submit/Refresh.
func ValidatePayload(body []byte) (Payload, error) {
	if !gjson.ValidBytes(body) {
		return Payload{}, macroerr.Wrap(macroerr.Validation, "ingest.ValidatePayload", "payload is not valid JSON", macroerr.ErrMalformedPayload)
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return Payload{}, macroerr.Wrap(macroerr.Validation, "ingest.ValidatePayload", "payload root is not a JSON object", macroerr.ErrMalformedPayload)
	}

	for _, path := range requiredPaths {
		result := root.Get(path)
		if !result.Exists() {
			return Payload{}, macroerr.New(macroerr.Validation, "ingest.ValidatePayload", "missing required key "+path)
		}
		if result.Type != gjson.String {
			return Payload{}, macroerr.New(macroerr.Validation, "ingest.ValidatePayload", "key "+path+" must be a string")
		}
		if result.String() == "" && !optionalEmptyPaths[path] {
			return Payload{}, macroerr.New(macroerr.Validation, "ingest.ValidatePayload", "key "+path+" must be non-empty")
		}
	}

	bpTag := root.Get("processData.bpTag")

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return Payload{}, macroerr.Wrap(macroerr.Validation, "ingest.ValidatePayload", "payload failed to unmarshal after gjson validation", err)
	}

	return Payload{
		InfraID:   root.Get("processData.infraID").String(),
		InfraName: root.Get("processData.infraName").String(),
		NodeID:    root.Get("processData.nodeID").String(),
		NodeName:  root.Get("processData.nodeName").String(),
		BPTag:     bpTag.String(),
		NodeIP:    root.Get("userData.nodeIP").String(),
		Raw:       raw,
	}, nil
}
