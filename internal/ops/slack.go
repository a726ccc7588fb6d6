package ops

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/observ"
)

// SlackConfig maps Slack users onto operators. Commands from unmapped users are refused.
type SlackConfig struct {
	SigningSecret string            `yaml:"signing_secret"`
	Users         map[string]string `yaml:"users"` // slack user id -> operator id
}

// SlashResponse is the JSON body Slack renders back to the channel
type SlashResponse struct {
	ResponseType string `json:"response_type"` // ephemeral | in_channel
	Text         string `json:"text"`
}

const slackUsage = "usage: pause <reason> | resume | arm <reason> | disarm <reason> | trip <SOFT|ENTRY_FREEZE|HARD> <reason> | reset <reason> | ack | status"

// SlackHandler turns verified slash commands into signed operator commands. Slack's
// request signature stands in for the operator's own; the handler signs on their behalf
// and the executor still applies permissions and auditing.
type SlackHandler struct {
	cfg       SlackConfig
	opsSecret string
	exec      *Executor
	nonces    NonceStore
	tolerance time.Duration
	now       func() time.Time
	// Status renders the reply to "status"
	Status func(ctx context.Context) string
}

func NewSlackHandler(cfg SlackConfig, opsSecret string, exec *Executor, nonces NonceStore, now func() time.Time) *SlackHandler {
	if now == nil {
		now = time.Now
	}
	if nonces == nil {
		nonces = NewMemoryNonces(now)
	}
	return &SlackHandler{cfg: cfg, opsSecret: opsSecret, exec: exec, nonces: nonces, tolerance: 5 * time.Minute, now: now}
}

// SlackSignature computes the v0 request signature for body at ts
func SlackSignature(secret string, ts int64, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%d:", ts)
	mac.Write(body)
	return "v0=" + hex.EncodeToString(mac.Sum(nil))
}

func (h *SlackHandler) verify(ctx context.Context, r *http.Request, body []byte) error {
	if h.cfg.SigningSecret == "" {
		return apperr.New(apperr.KindUnauthorized, "ops", "slack_verify", "slack commands are disabled")
	}
	ts, err := strconv.ParseInt(r.Header.Get("X-Slack-Request-Timestamp"), 10, 64)
	if err != nil {
		return apperr.New(apperr.KindUnauthorized, "ops", "slack_verify", "missing request timestamp")
	}
	skew := h.now().Sub(time.Unix(ts, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > h.tolerance {
		return apperr.New(apperr.KindUnauthorized, "ops", "slack_verify", "stale request")
	}
	sig := r.Header.Get("X-Slack-Signature")
	if !hmac.Equal([]byte(SlackSignature(h.cfg.SigningSecret, ts, body)), []byte(sig)) {
		return apperr.New(apperr.KindUnauthorized, "ops", "slack_verify", "invalid signature")
	}
	fresh, err := h.nonces.Claim(ctx, "slack:"+sig, 2*h.tolerance)
	if err != nil {
		return err
	}
	if !fresh {
		return apperr.New(apperr.KindUnauthorized, "ops", "slack_verify", "replayed request")
	}
	return nil
}

func (h *SlackHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if err := h.verify(r.Context(), r, body); err != nil {
		observ.IncCounter("ops_slack_rejected_total", nil)
		observ.Warn("slack_request_rejected", map[string]any{"error": err.Error()})
		if apperr.KindOf(err) == apperr.KindUnauthorized {
			http.Error(w, err.Error(), http.StatusUnauthorized)
		} else {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
		return
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		http.Error(w, "bad form body", http.StatusBadRequest)
		return
	}
	resp := h.Handle(r.Context(), form.Get("user_id"), form.Get("text"))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Handle runs one slash command text for a verified Slack user
func (h *SlackHandler) Handle(ctx context.Context, slackUser, text string) SlashResponse {
	operator, ok := h.cfg.Users[slackUser]
	if !ok {
		return ephemeral("access denied: your Slack user is not mapped to an operator")
	}
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ephemeral(slackUsage)
	}
	verb, rest := strings.ToLower(fields[0]), fields[1:]

	c := Command{OperatorID: operator}
	switch verb {
	case "status":
		if h.Status == nil {
			return ephemeral("status unavailable")
		}
		return ephemeral(h.Status(ctx))
	case "pause":
		c.Action = ActionGatewayPause
	case "resume":
		c.Action = ActionGatewayResume
	case "arm":
		c.Action = ActionGatewayArm
	case "disarm":
		c.Action = ActionGatewayDisarm
	case "reset":
		c.Action = ActionBreakerReset
	case "ack":
		c.Action = ActionSafetyAck
	case "trip":
		if len(rest) == 0 {
			return ephemeral(slackUsage)
		}
		c.Action = ActionBreakerTrip
		c.Params, _ = json.Marshal(tripParams{BreakerType: strings.ToUpper(rest[0])})
		rest = rest[1:]
	default:
		return ephemeral(slackUsage)
	}
	c.Reason = strings.Join(rest, " ")
	if c.Reason == "" {
		c.Reason = "slack " + verb
	}

	res, err := h.exec.Execute(ctx, Sign(h.opsSecret, c, h.now()), "slack")
	switch {
	case err != nil:
		return ephemeral(fmt.Sprintf("%s failed: %s", c.Action, messageOf(err)))
	case !res.OK:
		return ephemeral(fmt.Sprintf("%s refused (%s): %s", c.Action, res.Kind, res.Reason))
	}
	return SlashResponse{ResponseType: "in_channel", Text: fmt.Sprintf("%s by %s: %s", c.Action, operator, c.Reason)}
}

func ephemeral(text string) SlashResponse {
	return SlashResponse{ResponseType: "ephemeral", Text: text}
}
