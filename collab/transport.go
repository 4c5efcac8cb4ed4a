package collab

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// websocket close codes used by the connection manager
const (
	CloseNormal         = websocket.CloseNormalClosure
	CloseGoingAway      = websocket.CloseGoingAway
	ClosePolicyViolated = websocket.ClosePolicyViolation
)

// Transport opens the duplex channel to the collaboration server.
// The connection manager is the only owner of the returned conn.
type Transport interface {
	Dial(ctx context.Context, address string) (TransportConn, error)
}

// TransportConn is one open duplex channel.
// Writes are called from a single goroutine and reads from a single goroutine.
type TransportConn interface {
	WriteMessage(message []byte, timeout time.Duration) error
	WritePing(timeout time.Duration) error
	// blocks until the next message, an error, or `timeout` without any traffic
	ReadMessage(timeout time.Duration) ([]byte, error)
	Close(code int, reason string) error
}

// TransportCloseError is returned by `ReadMessage` when the peer closed the channel.
type TransportCloseError struct {
	Code   int
	Reason string
}

func (self *TransportCloseError) Error() string {
	return fmt.Sprintf("closed %d: %s", self.Code, self.Reason)
}

func (self *TransportCloseError) IsNormal() bool {
	return self.Code == CloseNormal || self.Code == CloseGoingAway
}

// CollaborationUrl converts an api base url into the collaboration endpoint of a diagram,
// e.g. https://api.example.com -> wss://api.example.com/ws/diagrams/{diagramId}
func CollaborationUrl(baseUrl string, diagramId string) (string, error) {
	u, err := url.Parse(baseUrl)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if diagramId == "" {
		return "", errors.New("diagram id is required")
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/diagrams/" + url.PathEscape(diagramId)
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

type WsTransportSettings struct {
	HandshakeTimeout time.Duration
	ReadBufferSize   int
	WriteBufferSize  int
	// the largest inbound frame, in bytes
	ReadLimit int64
	// sent as `Authorization: Bearer` unless the address already carries a token
	Token string
}

func DefaultWsTransportSettings() *WsTransportSettings {
	return &WsTransportSettings{
		HandshakeTimeout: 5 * time.Second,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
		ReadLimit:        4 * 1024 * 1024,
	}
}

type WsTransport struct {
	settings *WsTransportSettings
	dialer   *websocket.Dialer
}

func NewWsTransportWithDefaults(token string) *WsTransport {
	settings := DefaultWsTransportSettings()
	settings.Token = token
	return NewWsTransport(settings)
}

func NewWsTransport(settings *WsTransportSettings) *WsTransport {
	return &WsTransport{
		settings: settings,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: settings.HandshakeTimeout,
			ReadBufferSize:   settings.ReadBufferSize,
			WriteBufferSize:  settings.WriteBufferSize,
		},
	}
}

func (self *WsTransport) Dial(ctx context.Context, address string) (TransportConn, error) {
	header := http.Header{}
	if self.settings.Token != "" && !redactQueryPattern.MatchString(address) {
		header.Set("Authorization", fmt.Sprintf("Bearer %s", self.settings.Token))
	}

	ws, r, err := self.dialer.DialContext(ctx, address, header)
	if err != nil {
		if r != nil {
			// the handshake status is what distinguishes an auth failure
			return nil, fmt.Errorf("%w (%d %s)", err, r.StatusCode, http.StatusText(r.StatusCode))
		}
		return nil, err
	}
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	return newWsTransportConn(ws), nil
}

type wsTransportConn struct {
	ws *websocket.Conn

	readTimeoutLock sync.Mutex
	readTimeout     time.Duration

	closeOnce sync.Once
}

func newWsTransportConn(ws *websocket.Conn) *wsTransportConn {
	conn := &wsTransportConn{
		ws: ws,
	}
	// any pong is traffic, so it extends the read deadline
	ws.SetPongHandler(func(string) error {
		conn.readTimeoutLock.Lock()
		readTimeout := conn.readTimeout
		conn.readTimeoutLock.Unlock()
		if 0 < readTimeout {
			ws.SetReadDeadline(time.Now().Add(readTimeout))
		}
		return nil
	})
	return conn
}

func (self *wsTransportConn) WriteMessage(message []byte, timeout time.Duration) error {
	self.ws.SetWriteDeadline(deadline(timeout))
	return self.ws.WriteMessage(websocket.TextMessage, message)
}

func (self *wsTransportConn) WritePing(timeout time.Duration) error {
	// WriteControl is safe to call concurrently with the other write methods
	return self.ws.WriteControl(websocket.PingMessage, nil, deadline(timeout))
}

func (self *wsTransportConn) ReadMessage(timeout time.Duration) ([]byte, error) {
	self.readTimeoutLock.Lock()
	self.readTimeout = timeout
	self.readTimeoutLock.Unlock()

	for {
		self.ws.SetReadDeadline(deadline(timeout))
		messageType, message, err := self.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, &TransportCloseError{
					Code:   closeErr.Code,
					Reason: closeErr.Text,
				}
			}
			return nil, err
		}
		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
			return message, nil
		default:
			// control frames are handled by the websocket lib
		}
	}
}

func (self *wsTransportConn) Close(code int, reason string) error {
	var err error
	self.closeOnce.Do(func() {
		// best effort close handshake
		self.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		err = self.ws.Close()
	})
	return err
}

func deadline(timeout time.Duration) time.Time {
	if timeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(timeout)
}
