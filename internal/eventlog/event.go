package eventlog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

// Event types written by the core
const (
	TypeSignalPrepared     = "signal.prepared"
	TypeSignalAborted      = "signal.aborted"
	TypeSignalExpired      = "signal.expired"
	TypeSignalRejected     = "signal.rejected"
	TypeSignalAccepted     = "signal.accepted"
	TypeExecCommand        = "exec.command"
	TypeExecFill           = "exec.fill"
	TypeExecDrift          = "exec.drift"
	TypeRiskSnapshot       = "risk.snapshot"
	TypeRiskPolicyUpdated  = "risk.policy_updated"
	TypeBreakerTripped     = "breaker.tripped"
	TypeBreakerReset       = "breaker.reset"
	TypeSafetyLevelChanged = "safety.level_changed"
	TypeAllocationComputed = "allocation.computed"
	TypeTruthRun           = "truth.run"
	TypeTruthDrift         = "truth.drift"
	TypeOpsCommand         = "ops.command"
)

// Metadata is assigned by the log on append
type Metadata struct {
	TraceID     string    `json:"trace_id"`
	CausationID string    `json:"causation_id,omitempty"`
	Version     int64     `json:"version"`
	Timestamp   time.Time `json:"timestamp"`
}

// Event is an immutable, append-only record
type Event struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	AggregateID string          `json:"aggregate_id"`
	Payload     json.RawMessage `json:"payload"`
	Metadata    Metadata        `json:"metadata"`
}

// Decode unmarshals the payload into v
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Draft is what callers hand to Append; id, version and timestamp are filled by the log
type Draft struct {
	Type        string
	AggregateID string
	Payload     any
	TraceID     string
	CausationID string
}

// Schema lists the payload keys an event type must carry
type Schema struct {
	Required []string
}

var typePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// DefaultSchemas is the catalog of event types accepted by the core
func DefaultSchemas() map[string]Schema {
	return map[string]Schema{
		TypeSignalPrepared:     {Required: []string{"signal_id", "symbol"}},
		TypeSignalAborted:      {Required: []string{"signal_id"}},
		TypeSignalExpired:      {Required: []string{"signal_id"}},
		TypeSignalRejected:     {Required: []string{"signal_id", "kind", "reason"}},
		TypeSignalAccepted:     {Required: []string{"signal_id", "command_id"}},
		TypeExecCommand:        {Required: []string{"command_id", "signal_id", "symbol", "side", "size"}},
		TypeExecFill:           {Required: []string{"fill_id", "symbol", "side", "quantity", "price"}},
		TypeExecDrift:          {Required: []string{"signal_id", "symbol", "drift_class", "expected", "actual"}},
		TypeRiskSnapshot:       {Required: []string{"timestamp", "leverage"}},
		TypeRiskPolicyUpdated:  {Required: []string{"version", "hash"}},
		TypeBreakerTripped:     {Required: []string{"breaker_type", "action", "reason"}},
		TypeBreakerReset:       {Required: []string{"operator_id", "reason"}},
		TypeSafetyLevelChanged: {Required: []string{"from", "to"}},
		TypeAllocationComputed: {Required: []string{"w1", "w2", "w3"}},
		TypeTruthRun:           {Required: []string{"scope", "success"}},
		TypeTruthDrift:         {Required: []string{"scope", "drift_type", "severity"}},
		TypeOpsCommand:         {Required: []string{"operator_id", "action"}},
	}
}

// validate checks the draft against the schema catalog and returns the encoded payload.
// Nothing is written when this fails.
func validate(d Draft, schemas map[string]Schema) (json.RawMessage, error) {
	if d.Type == "" || !typePattern.MatchString(d.Type) {
		return nil, apperr.Newf(apperr.KindValidation, "eventlog", "append", "invalid event type %q", d.Type)
	}
	if d.AggregateID == "" {
		return nil, apperr.Validation("eventlog", "append", "aggregate_id is required")
	}
	schema, known := schemas[d.Type]
	if !known {
		return nil, apperr.Newf(apperr.KindValidation, "eventlog", "append", "unknown event type %q", d.Type)
	}
	if d.Payload == nil {
		return nil, apperr.Validation("eventlog", "append", "payload is required")
	}

	var raw json.RawMessage
	switch p := d.Payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, apperr.Wrap(err, apperr.KindValidation, "eventlog", "encode_payload")
		}
		raw = b
	}

	var fields map[string]json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil || fields == nil {
		return nil, apperr.Validation("eventlog", "append", "payload must be a JSON object")
	}
	for _, key := range schema.Required {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return nil, apperr.New(apperr.KindValidation, "eventlog", "append",
				fmt.Sprintf("%s payload missing required field %q", d.Type, key))
		}
	}
	return raw, nil
}
