package haclient

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"habridge/internal/bridgeerr"
	"habridge/internal/haconfig"
)

// Probe opens a connection to cfg.URL and runs only the auth handshake,
// then closes — used by the Setup State Machine (spec.md §4.4) to
// validate a candidate HAConfig without paying for a full
// subscribe+bootstrap.
func Probe(ctx context.Context, cfg haconfig.HAConfig) error {
	dialer := &websocket.Dialer{HandshakeTimeout: timeoutOrDefault(cfg.ConnectionTimeout)}

	dialCtx, cancel := context.WithTimeout(ctx, timeoutOrDefault(cfg.ConnectionTimeout))
	defer cancel()

	ws, _, err := dialer.DialContext(dialCtx, cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer ws.Close()

	var required Frame
	if err := ws.ReadJSON(&required); err != nil {
		return fmt.Errorf("%w: read auth_required: %v", bridgeerr.ErrProtocolError, err)
	}
	if required.Type != "auth_required" {
		return fmt.Errorf("%w: expected auth_required, got %q", bridgeerr.ErrProtocolError, required.Type)
	}

	if err := ws.WriteJSON(authMessage{Type: "auth", AccessToken: cfg.Token}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	var resp Frame
	if err := ws.ReadJSON(&resp); err != nil {
		return fmt.Errorf("%w: read auth response: %v", bridgeerr.ErrProtocolError, err)
	}

	switch resp.Type {
	case "auth_ok":
		return nil
	case "auth_invalid":
		return bridgeerr.ErrAuthFailed
	default:
		return fmt.Errorf("%w: expected auth_ok/auth_invalid, got %q", bridgeerr.ErrProtocolError, resp.Type)
	}
}
