// Package transport carries versioned, signed JSON envelopes over the message bus.
package transport

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
)

// EnvelopeVersion is the only wire version this build produces and accepts
const EnvelopeVersion = 1

// Subjects
const (
	SubjectSignalSubmit = "signal.submit"
	SubjectExecPlace    = "cmd.exec.place"
	SubjectExecFill     = "evt.exec.fill"
	SubjectOpsCommand   = "cmd.ops.command"

	SubjectSystemPrefix  = "evt.system."
	SubjectSystemAll     = "evt.system.*"
	SubjectSystemMarket  = "evt.system.market"
	SubjectSystemRegime  = "evt.system.regime"
	SubjectSystemBreaker = "evt.system.breaker"
	SubjectSystemDrift   = "evt.system.drift"
	SubjectSystemHalt    = "evt.system.halt"
)

// Meta carries the integrity fields of an envelope
type Meta struct {
	Signature string `json:"signature,omitempty"`
	KeyID     string `json:"key_id,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

// Envelope wraps every bus message
type Envelope struct {
	V       int             `json:"v"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"meta"`
}

var typeRe = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// NewEnvelope marshals payload into a fresh unsigned envelope
func NewEnvelope(typ string, payload any, traceID string) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, apperr.Wrap(err, apperr.KindValidation, "transport", "new_envelope")
	}
	env := Envelope{
		V:       EnvelopeVersion,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Type:    typ,
		Payload: b,
		Meta:    Meta{TraceID: traceID},
	}
	return env, env.Validate()
}

// Validate checks the structural schema, not the signature
func (e Envelope) Validate() error {
	switch {
	case e.V != EnvelopeVersion:
		return apperr.Newf(apperr.KindValidation, "transport", "validate", "unsupported envelope version %d", e.V)
	case e.ID == "":
		return apperr.New(apperr.KindValidation, "transport", "validate", "id is required")
	case e.TS.IsZero():
		return apperr.New(apperr.KindValidation, "transport", "validate", "ts is required")
	case !typeRe.MatchString(e.Type):
		return apperr.Newf(apperr.KindValidation, "transport", "validate", "invalid type %q", e.Type)
	}
	trimmed := bytes.TrimSpace(e.Payload)
	if len(trimmed) == 0 || trimmed[0] != '{' || !json.Valid(trimmed) {
		return apperr.New(apperr.KindValidation, "transport", "validate", "payload must be a JSON object")
	}
	return nil
}

// Decode unmarshals the payload into v
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "transport", "decode")
	}
	return nil
}

// Signer computes and checks HMAC-SHA256 envelope signatures. A Signer with no secret
// signs nothing and accepts unsigned envelopes.
type Signer struct {
	keyID  string
	secret []byte
}

func NewSigner(keyID, secret string) *Signer {
	return &Signer{keyID: keyID, secret: []byte(secret)}
}

func (s *Signer) Enabled() bool { return s != nil && len(s.secret) > 0 }

// canonical is v.id.ts.type.payload with ts in unix nanoseconds
func canonical(e Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString(strconv.Itoa(e.V))
	buf.WriteByte('.')
	buf.WriteString(e.ID)
	buf.WriteByte('.')
	buf.WriteString(strconv.FormatInt(e.TS.UnixNano(), 10))
	buf.WriteByte('.')
	buf.WriteString(e.Type)
	buf.WriteByte('.')
	var compact bytes.Buffer
	if err := json.Compact(&compact, e.Payload); err == nil {
		buf.Write(compact.Bytes())
	} else {
		buf.Write(e.Payload)
	}
	return buf.Bytes()
}

func (s *Signer) mac(e Envelope) string {
	m := hmac.New(sha256.New, s.secret)
	m.Write(canonical(e))
	return hex.EncodeToString(m.Sum(nil))
}

// Sign sets meta.signature
func (s *Signer) Sign(e Envelope) Envelope {
	if !s.Enabled() {
		return e
	}
	e.Meta.KeyID = s.keyID
	e.Meta.Signature = s.mac(e)
	return e
}

// Verify rejects a missing or wrong signature when signing is enabled
func (s *Signer) Verify(e Envelope) error {
	if !s.Enabled() {
		return nil
	}
	if e.Meta.Signature == "" {
		return apperr.New(apperr.KindUnauthorized, "transport", "verify", "missing signature")
	}
	want := s.mac(e)
	if !hmac.Equal([]byte(want), []byte(e.Meta.Signature)) {
		return apperr.New(apperr.KindUnauthorized, "transport", "verify", fmt.Sprintf("bad signature on %s", e.ID))
	}
	return nil
}
