// Package transport implements the DingTalk stream-mode connection: the
// websocket client speaking the open-gateway frame protocol and the
// reconnecting connection manager around it.
package transport

import "context"

// Transport is a connectable stream endpoint. The connection manager drives
// it through its lifecycle; implementations report asynchronous loss of the
// connection through the OnClose callback.
type Transport interface {
	Connect(ctx context.Context) error
	Disconnect() error
	Connected() bool
	OnClose(fn func(error))
}
