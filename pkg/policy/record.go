package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// recordSchema constrains policy JSON fetched from a name record before it
// is trusted. Unknown fields are rejected so a typo'd limit cannot silently
// impose no constraint.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "requireApproval": {"type": "boolean"},
    "maxNotionalUsdc": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "maxSingleTxUsdc": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "dailyLimitUsdc": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?$"},
    "allowedPairs": {"type": "array", "items": {"type": "string"}},
    "payoutAllowlist": {"type": "array", "items": {"type": "string"}},
    "denyCommands": {"type": "array", "items": {"type": "string"}},
    "schedulingAllowed": {"type": "boolean"},
    "maxScheduleIntervalHours": {"type": "integer", "minimum": 1},
    "bridgeAllowed": {"type": "boolean"},
    "allowedChains": {"type": "array", "items": {"type": "string"}},
    "rule": {"type": "string"}
  }
}`

var compiledRecordSchema = jsonschema.MustCompileString("policy-record.json", recordSchema)

// ParseRecord validates and decodes a policy record fetched from the name
// resolver. The embedded CEL rule, if any, is compiled eagerly.
func ParseRecord(raw string) (*Policy, error) {
	var doc any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, fmt.Errorf("policy record is not valid JSON: %w", err)
	}
	if err := compiledRecordSchema.Validate(doc); err != nil {
		return nil, fmt.Errorf("policy record failed schema validation: %w", err)
	}

	var pol Policy
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&pol); err != nil {
		return nil, fmt.Errorf("policy record decode: %w", err)
	}
	if err := Compile(pol.Rule); err != nil {
		return nil, fmt.Errorf("policy record rule: %w", err)
	}
	return &pol, nil
}
