package signaling

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	jsonrpc2ws "github.com/sourcegraph/jsonrpc2/websocket"
)

// Transport is an RPC connection to the rendezvous server. *jsonrpc2.Conn
// satisfies it.
type Transport interface {
	Call(ctx context.Context, method string, params, result any, opts ...jsonrpc2.CallOption) error
	Notify(ctx context.Context, method string, params any, opts ...jsonrpc2.CallOption) error
	DisconnectNotify() <-chan struct{}
	Close() error
}

// Dialer opens a Transport whose server-initiated requests go to h.
type Dialer interface {
	Dial(ctx context.Context, url string, h jsonrpc2.Handler) (Transport, error)
}

// WebSocketDialer dials the rendezvous server with gorilla/websocket and
// speaks JSON-RPC over it.
type WebSocketDialer struct {
	Dialer    *websocket.Dialer
	Header    http.Header
	ReadLimit int64
}

func (d WebSocketDialer) Dial(ctx context.Context, url string, h jsonrpc2.Handler) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (HTTP %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", url, err)
	}
	if d.ReadLimit > 0 {
		ws.SetReadLimit(d.ReadLimit)
	}
	// The connection outlives ctx, which only bounds the dial.
	return jsonrpc2.NewConn(context.Background(), jsonrpc2ws.NewObjectStream(ws), h), nil
}
