package protocol

import (
	"errors"

	"github.com/gorilla/websocket"
)

// ShouldReconnect decides whether a terminated channel warrants automatic
// reconnection. A normal closure (1000) is an intentional disconnect; every
// other close code, and any read failure without a close frame, means the
// link dropped and the reconnection controller takes over.
func ShouldReconnect(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return closeErr.Code != websocket.CloseNormalClosure
	}
	return true
}
