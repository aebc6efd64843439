package rowstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// HTTPTransport delivers each call as an independent POST; responses
// may arrive out of order relative to issuance across calls.
type HTTPTransport struct {
	URL    string
	Client *http.Client
}

// NewHTTPTransport creates a transport posting to the given endpoint.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{URL: url, Client: http.DefaultClient}
}

func (t *HTTPTransport) Ordered() bool { return false }

func (t *HTTPTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := t.Client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", t.URL, err)
	}
	defer httpResp.Body.Close()

	var resp Response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// WSTransport delivers calls over a persistent WebSocket. The channel
// guarantees in-order delivery, so mutating calls omit the expected
// prior timestamp and the server relaxes its conflict check.
type WSTransport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// DialWS opens the ordered channel.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &WSTransport{conn: conn}, nil
}

func (t *WSTransport) Ordered() bool { return true }

// Do sends one request and waits for its reply. The mutex serializes
// calls so request/reply pairs stay aligned on the single connection.
func (t *WSTransport) Do(ctx context.Context, req *Request) (*Response, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetReadDeadline(deadline)
		_ = t.conn.SetWriteDeadline(deadline)
	}
	if err := t.conn.WriteJSON(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}
	var resp Response
	if err := t.conn.ReadJSON(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &resp, nil
}

// Close shuts the channel down.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn.Close()
}
