package ipc

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Rajchodisetti/trading-brain/internal/apperr"
	"github.com/Rajchodisetti/trading-brain/internal/gateway"
	"github.com/Rajchodisetti/trading-brain/internal/signal"
)

// Client multiplexes requests over one websocket. It is safe for concurrent use.
type Client struct {
	conn *websocket.Conn

	wmu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan Response
	err     error
	done    chan struct{}
}

// Dial connects to an ipc endpoint such as ws://127.0.0.1:8091/ipc
func Dial(ctx context.Context, url, token string) (*Client, error) {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, h)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, apperr.New(apperr.KindUnauthorized, "ipc", "dial", "token rejected")
		}
		return nil, apperr.Transport("ipc", "dial", err)
	}
	c := &Client{conn: conn, pending: make(map[string]chan Response), done: make(chan struct{})}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var resp Response
		if err := c.conn.ReadJSON(&resp); err != nil {
			c.fail(apperr.Transport("ipc", "read", err))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

func (c *Client) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// Do sends req and waits for its response. An empty ID is filled in.
func (c *Client) Do(ctx context.Context, req Request) (Response, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return Response{}, err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.wmu.Lock()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetWriteDeadline(dl)
	} else {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	}
	err := c.conn.WriteJSON(req)
	c.wmu.Unlock()
	if err != nil {
		c.forget(req.ID)
		return Response{}, apperr.Transport("ipc", "write", err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			err := c.err
			c.mu.Unlock()
			return Response{}, err
		}
		return resp, nil
	case <-ctx.Done():
		c.forget(req.ID)
		return Response{}, apperr.Transport("ipc", "wait", ctx.Err())
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call runs one request and decodes its result into out. Failures without an outcome
// come back as *apperr.Error carrying the server's kind.
func (c *Client) call(ctx context.Context, req Request, out any) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return apperr.New(resp.Kind, "ipc", string(req.Op), resp.Error)
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return apperr.Wrap(err, apperr.KindValidation, "ipc", "decode_result")
	}
	return nil
}

func (c *Client) Prepare(ctx context.Context, sig signal.IntentSignal, idempotencyKey string) (gateway.PrepareResult, error) {
	var out gateway.PrepareResult
	err := c.call(ctx, Request{Op: OpPrepare, Signal: &sig, IdempotencyKey: idempotencyKey}, &out)
	return out, err
}

func (c *Client) Confirm(ctx context.Context, signalID, idempotencyKey string) (gateway.ConfirmResult, error) {
	var out gateway.ConfirmResult
	err := c.call(ctx, Request{Op: OpConfirm, SignalID: signalID, IdempotencyKey: idempotencyKey}, &out)
	return out, err
}

func (c *Client) Abort(ctx context.Context, signalID, idempotencyKey string) (gateway.AbortResult, error) {
	var out gateway.AbortResult
	err := c.call(ctx, Request{Op: OpAbort, SignalID: signalID, IdempotencyKey: idempotencyKey}, &out)
	return out, err
}

// Submit runs prepare then confirm in one round trip
func (c *Client) Submit(ctx context.Context, sig signal.IntentSignal, idempotencyKey string) (gateway.ConfirmResult, error) {
	var out gateway.ConfirmResult
	err := c.call(ctx, Request{Op: OpSubmit, Signal: &sig, IdempotencyKey: idempotencyKey}, &out)
	return out, err
}

// Close sends a close frame and waits briefly for the server to hang up
func (c *Client) Close() error {
	c.wmu.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	c.wmu.Unlock()
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}
