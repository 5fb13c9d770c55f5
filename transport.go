package realtime

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is the narrow duplex-stream seam between the hub and whatever
// socket library carries the frames. Production uses gorilla/websocket; tests
// use an in-memory fake.
type Transport interface {
	// Read blocks until the next inbound text frame, a close, or an error.
	Read() ([]byte, error)
	// Write sends one outbound text frame.
	Write(data []byte) error
	// Ping sends a liveness probe.
	Ping() error
	// Close tears the stream down with a reason the peer can distinguish
	// from a client-initiated disconnect.
	Close(reason DisconnectReason) error
}

type wsTransport struct {
	ws     *websocket.Conn
	cfg    HeartbeatConfig
	onPong func()
}

func newWSTransport(ws *websocket.Conn, cfg HeartbeatConfig, onPong func()) *wsTransport {
	t := &wsTransport{ws: ws, cfg: cfg, onPong: onPong}

	ws.SetReadLimit(cfg.ReadLimit)
	_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		_ = ws.SetReadDeadline(time.Now().Add(cfg.PongTimeout))
		if t.onPong != nil {
			t.onPong()
		}
		return nil
	})

	return t
}

func (t *wsTransport) Read() ([]byte, error) {
	for {
		msgType, data, err := t.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrConnectionClosed
			}
			return nil, err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		return data, nil
	}
}

func (t *wsTransport) Write(data []byte) error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Ping() error {
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	return t.ws.WriteMessage(websocket.PingMessage, nil)
}

func (t *wsTransport) Close(reason DisconnectReason) error {
	code := closeCodeFor(reason)
	msg := websocket.FormatCloseMessage(code, string(reason))
	_ = t.ws.SetWriteDeadline(time.Now().Add(t.cfg.WriteWait))
	err := t.ws.WriteMessage(websocket.CloseMessage, msg)
	closeErr := t.ws.Close()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		return err
	}
	return closeErr
}

func closeCodeFor(reason DisconnectReason) int {
	switch reason {
	case DisconnectNormal:
		return websocket.CloseNormalClosure
	case DisconnectServerStop, DisconnectPoolEvacuated:
		return websocket.CloseGoingAway
	case DisconnectCapacity:
		return websocket.CloseTryAgainLater
	case DisconnectSlowConsumer, DisconnectHeartbeatTimeout:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}
