package alerts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	alerts []Alert
}

func (r *recorder) Notify(_ context.Context, a Alert) {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
}

func TestSlackClientPostsAndDedupes(t *testing.T) {
	var mu sync.Mutex
	var got []SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m SlackMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&m))
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewSlackClient(Config{Enabled: true, WebhookURL: srv.URL, Channel: "#ops"})
	defer c.Close()

	a := Alert{Severity: SeverityCritical, Source: "safety", Title: "Breaker tripped", Message: "HARD"}
	c.Notify(context.Background(), a)
	c.Notify(context.Background(), a)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "#ops", got[0].Channel)
	assert.Contains(t, got[0].Text, "Breaker tripped: HARD")
	assert.Equal(t, "danger", got[0].Attachments[0].Color)
}

func TestSlackClientDisabledIsNoop(t *testing.T) {
	c := NewSlackClient(Config{})
	defer c.Close()
	c.Notify(context.Background(), Alert{Title: "x"})
	assert.Zero(t, len(c.queue))
}

func TestFormatMessageSortsFields(t *testing.T) {
	m := FormatMessage("", Alert{
		Severity:  SeverityWarning,
		Source:    "truth",
		Title:     "Drift",
		Fields:    map[string]string{"scope": "bybit", "drift_type": "SIZE_MISMATCH"},
		Timestamp: time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC),
	})
	require.Len(t, m.Attachments, 1)
	f := m.Attachments[0].Fields
	require.Len(t, f, 4)
	assert.Equal(t, "drift_type", f[2].Title)
	assert.Equal(t, "scope", f[3].Title)
	assert.Equal(t, "warning", m.Attachments[0].Color)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	Multi(a, b, LogNotifier{}).Notify(context.Background(), Alert{Title: "t"})
	assert.Len(t, a.alerts, 1)
	assert.Len(t, b.alerts, 1)
}
