package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/Rajchodisetti/trading-brain/internal/observ"
	"github.com/Rajchodisetti/trading-brain/internal/transport"
)

// FeedServer streams signed system envelopes over Server-Sent Events. A client gets the
// history after its Last-Event-ID, then live broadcasts and heartbeats.
type FeedServer struct {
	signer    *transport.Signer
	heartbeat time.Duration

	mu      sync.RWMutex
	history []transport.Envelope
	clients map[string]chan transport.Envelope
}

func NewFeedServer(signer *transport.Signer, heartbeat time.Duration) *FeedServer {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	return &FeedServer{
		signer:    signer,
		heartbeat: heartbeat,
		clients:   make(map[string]chan transport.Envelope),
	}
}

// Handler serves /events, /backfill and /health
func (s *FeedServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Get("/events", s.ServeHTTP)
	r.Get("/backfill", s.ServeBackfill)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Publish signs a new envelope, appends it to the history and fans it out
func (s *FeedServer) Publish(typ string, payload any) (transport.Envelope, error) {
	env, err := transport.NewEnvelope(typ, payload, "")
	if err != nil {
		return env, err
	}
	env = s.signer.Sign(env)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, env)
	for id, ch := range s.clients {
		select {
		case ch <- env:
		default:
			observ.Warn("stub_client_slow", map[string]any{"client": id, "dropped": env.ID})
		}
	}
	return env, nil
}

// Clients returns the number of connected streams
func (s *FeedServer) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

func (s *FeedServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientID := uuid.NewString()
	live := make(chan transport.Envelope, 256)

	// registering and snapshotting under one lock leaves no gap between backlog and live
	s.mu.Lock()
	backlog := s.after(r.Header.Get("Last-Event-ID"))
	s.clients[clientID] = live
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.clients, clientID)
		s.mu.Unlock()
		observ.Log("stub_client_disconnected", map[string]any{"client": clientID})
	}()
	observ.Log("stub_client_connected", map[string]any{"client": clientID, "backlog": len(backlog)})

	w.WriteHeader(http.StatusOK)
	for _, env := range backlog {
		if err := writeEvent(w, env); err != nil {
			return
		}
	}
	flusher.Flush()

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ":ping\n\n"); err != nil {
				return
			}
		case env := <-live:
			if err := writeEvent(w, env); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

// ServeBackfill returns history after since_id, up to limit (default 1000)
func (s *FeedServer) ServeBackfill(w http.ResponseWriter, r *http.Request) {
	sinceID := r.URL.Query().Get("since_id")
	limit := 1000
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	s.mu.RLock()
	events := s.after(sinceID)
	total := len(s.history)
	s.mu.RUnlock()

	more := len(events) > limit
	if more {
		events = events[:limit]
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"events":   events,
		"since_id": sinceID,
		"count":    len(events),
		"total":    total,
		"has_more": more,
	})
}

// after returns a copy of the history following id; an unknown or empty id means all.
// Callers hold s.mu.
func (s *FeedServer) after(id string) []transport.Envelope {
	start := 0
	if id != "" {
		for i, env := range s.history {
			if env.ID == id {
				start = i + 1
				break
			}
		}
	}
	return append([]transport.Envelope(nil), s.history[start:]...)
}

func writeEvent(w http.ResponseWriter, env transport.Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\nid: %s\ndata: %s\n\n", env.Type, env.ID, b)
	return err
}
