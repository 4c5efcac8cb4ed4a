package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type testTransport struct {
	stateLock sync.Mutex
	dialCount int
	dialErr   error
	conns     []*testConn
}

func (self *testTransport) Dial(ctx context.Context, address string) (TransportConn, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.dialCount += 1
	if self.dialErr != nil {
		return nil, self.dialErr
	}
	conn := newTestConn()
	self.conns = append(self.conns, conn)
	return conn, nil
}

func (self *testTransport) DialCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.dialCount
}

func (self *testTransport) Conn(index int) *testConn {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.conns[index]
}

type testConn struct {
	written   chan []byte
	inbound   chan []byte
	readErr   chan error
	closed    chan struct{}
	closeOnce sync.Once
}

func newTestConn() *testConn {
	return &testConn{
		written: make(chan []byte, 64),
		inbound: make(chan []byte, 64),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (self *testConn) WriteMessage(message []byte, timeout time.Duration) error {
	select {
	case <-self.closed:
		return net.ErrClosed
	case self.written <- message:
		return nil
	}
}

func (self *testConn) WritePing(timeout time.Duration) error {
	return nil
}

func (self *testConn) ReadMessage(timeout time.Duration) ([]byte, error) {
	select {
	case <-self.closed:
		return nil, net.ErrClosed
	case err := <-self.readErr:
		return nil, err
	case message := <-self.inbound:
		return message, nil
	}
}

func (self *testConn) Close(code int, reason string) error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *testConn) nextWritten(t *testing.T) *Envelope {
	select {
	case frame := <-self.written:
		envelope, _, err := DecodeFrame(frame, 256)
		if err != nil {
			t.Fatalf("written frame: %s", err)
		}
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatal("nothing written")
		return nil
	}
}

func testConnectionManagerSettings() *ConnectionManagerSettings {
	settings := DefaultConnectionManagerSettings()
	settings.PingTimeout = 0
	settings.MaxReconnectAttempts = 0
	return settings
}

// records state transitions in order
type stateRecorder struct {
	stateLock sync.Mutex
	states    []ConnectionState
}

func (self *stateRecorder) record(state ConnectionState) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.states = append(self.states, state)
}

func (self *stateRecorder) States() []ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return append([]ConnectionState{}, self.states...)
}

func waitFor(t *testing.T, condition func() bool) {
	end := time.Now().Add(5 * time.Second)
	for !condition() {
		if end.Before(time.Now()) {
			t.Fatal("timeout")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSendWhileDisconnected(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	for _, requiresAck := range []bool{false, true} {
		envelope := RequireEnvelope(MessageTypeHeartbeat, nil)
		envelope.RequiresAck = requiresAck
		_, err := manager.SendMessage(ctx, envelope)
		assert.Equal(t, errors.Is(err, ErrNotConnected), true)

		var connectionErr *ConnectionError
		assert.Equal(t, errors.As(err, &connectionErr), true)
		assert.Equal(t, connectionErr.Kind, ErrorKindNotConnected)
	}

	_, err := manager.SendMessageWithRetry(ctx, RequireEnvelope(MessageTypeHeartbeat, nil), 1)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)

	assert.Equal(t, transport.DialCount(), 0)
}

func TestConnectTwice(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	recorder := &stateRecorder{}
	manager.AddStateCallback(recorder.record)

	err := manager.Connect(ctx, "ws://test/ws/diagrams/d1")
	assert.Equal(t, err, nil)
	err = manager.Connect(ctx, "ws://test/ws/diagrams/d1")
	assert.Equal(t, err, nil)

	assert.Equal(t, transport.DialCount(), 1)
	assert.Equal(t, manager.IsConnected(), true)
	assert.Equal(t, recorder.States(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateConnected,
	})
}

func TestStateCallbackDisconnects(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{dialErr: errors.New("connection refused")}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	recorder := &stateRecorder{}
	manager.AddStateCallback(recorder.record)
	// give up on the first error
	manager.AddStateCallback(func(state ConnectionState) {
		if state == ConnectionStateError {
			manager.Disconnect()
		}
	})

	done := make(chan error, 1)
	go func() {
		done <- manager.Connect(ctx, "ws://test")
	}()
	select {
	case err := <-done:
		assert.NotEqual(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("connect blocked by state callback")
	}

	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
	assert.Equal(t, recorder.States(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateError,
		ConnectionStateDisconnected,
	})
}

func TestConnectAuthenticationFailed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	address := "wss://test/ws/diagrams/d1?token=s3cret"
	transport := &testTransport{
		dialErr: fmt.Errorf("dial %s: websocket: bad handshake (401 Unauthorized)", address),
	}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	recorder := &stateRecorder{}
	manager.AddStateCallback(recorder.record)
	var reported []*ConnectionError
	manager.AddErrorCallback(func(err *ConnectionError) {
		reported = append(reported, err)
	})

	err := manager.Connect(ctx, address)

	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.Equal(t, connectionErr.Kind, ErrorKindAuthenticationFailed)
	assert.Equal(t, connectionErr.Retryable, false)
	assert.Equal(t, connectionErr.IsRecoverable, false)
	assert.NotEqual(t, connectionErr.Message, "")
	assert.Equal(t, manager.State(), ConnectionStateError)
	assert.Equal(t, recorder.States(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateError,
	})
	assert.Equal(t, len(reported), 1)
	assert.Equal(t, reported[0] == connectionErr, true)

	// the token never appears in the surfaced error
	for _, s := range []string{connectionErr.Error(), connectionErr.Message} {
		assert.Equal(t, strings.Contains(s, "s3cret"), false)
	}
}

func TestStateNotificationsDeduplicated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	recorder := &stateRecorder{}
	manager.AddStateCallback(recorder.record)

	manager.Disconnect()
	manager.Disconnect()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	manager.Disconnect()
	manager.Disconnect()
	transport.stateLock.Lock()
	transport.dialErr = errors.New("connection refused")
	transport.stateLock.Unlock()
	manager.Connect(ctx, "ws://test")
	manager.Connect(ctx, "ws://test")
	manager.Disconnect()

	states := recorder.States()
	assert.Equal(t, states, []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateConnected,
		ConnectionStateDisconnected,
		ConnectionStateConnecting,
		ConnectionStateError,
		ConnectionStateConnecting,
		ConnectionStateError,
		ConnectionStateDisconnected,
	})
	for i := 1; i < len(states); i += 1 {
		assert.NotEqual(t, states[i], states[i-1])
	}
}

func TestSendOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)

	n := 16
	envelope := RequireEnvelope(MessageTypeCursorMove, &CursorPosition{})
	for i := 0; i < n; i += 1 {
		envelope.Data, _ = json.Marshal(&CursorPosition{X: float64(i)})
		_, err := manager.SendMessage(ctx, envelope)
		assert.Equal(t, err, nil)
	}
	// the caller's envelope is not modified
	assert.Equal(t, envelope.Id, "")

	conn := transport.Conn(0)
	ids := map[string]bool{}
	for i := 0; i < n; i += 1 {
		written := conn.nextWritten(t)
		var position CursorPosition
		assert.Equal(t, written.DecodeData(&position), nil)
		assert.Equal(t, position.X, float64(i))
		assert.NotEqual(t, written.Id, "")
		assert.NotEqual(t, written.Timestamp, int64(0))
		ids[written.Id] = true
	}
	assert.Equal(t, len(ids), n)
}

func TestMalformedFramesDoNotStopTheStream(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	errs := make(chan *ConnectionError, 16)
	manager.AddErrorCallback(func(err *ConnectionError) {
		errs <- err
	})
	envelopes := make(chan *Envelope, 16)
	manager.AddEnvelopeCallback(func(envelope *Envelope) {
		envelopes <- envelope
	})
	typedEvents := make(chan *TypedEvent, 16)
	manager.AddTypedEventCallback("participants_update", func(event *TypedEvent) {
		typedEvents <- event
	})
	// a panicking subscriber does not stop dispatch
	manager.AddEnvelopeCallback(func(envelope *Envelope) {
		panic("subscriber failed")
	})

	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	conn := transport.Conn(0)

	conn.inbound <- []byte(`{oops`)
	conn.inbound <- []byte(`{"id":"e1"}`)
	conn.inbound <- []byte(`{"id":"e2","type":"unknown_type"}`)
	conn.inbound <- []byte(`{"type":"presence"}`)
	conn.inbound <- []byte(`{"message_type":"participants_update","participants":[]}`)
	conn.inbound <- []byte(`{"id":"e3","type":"presence","timestamp":1,"data":{}}`)

	for i := 0; i < 4; i += 1 {
		select {
		case err := <-errs:
			assert.Equal(t, err.Kind, ErrorKindParseError)
			assert.NotEqual(t, err.Payload, "")
		case <-time.After(5 * time.Second):
			t.Fatal("malformed frame not reported")
		}
	}
	select {
	case event := <-typedEvents:
		assert.Equal(t, event.MessageType, "participants_update")
	case <-time.After(5 * time.Second):
		t.Fatal("typed event not dispatched")
	}
	select {
	case envelope := <-envelopes:
		assert.Equal(t, envelope.Id, "e3")
	case <-time.After(5 * time.Second):
		t.Fatal("envelope not dispatched")
	}
	assert.Equal(t, len(envelopes), 0)
	assert.Equal(t, manager.State(), ConnectionStateConnected)
}

func TestSendWithAck(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	conn := transport.Conn(0)

	type sendResult struct {
		ack *Envelope
		err error
	}
	send := func() chan sendResult {
		results := make(chan sendResult, 1)
		go func() {
			envelope := RequireEnvelope(MessageTypeDiagramSave, map[string]any{})
			envelope.RequiresAck = true
			ack, err := manager.SendMessage(ctx, envelope)
			results <- sendResult{ack, err}
		}()
		return results
	}

	results := send()
	written := conn.nextWritten(t)
	assert.Equal(t, written.RequiresAck, true)

	// an unsolicited ack is ignored
	conn.inbound <- []byte(`{"id":"other","type":"ack","timestamp":1}`)
	ack, _ := NewAck(written, map[string]any{"update_vector": 3})
	frame, _ := EncodeFrame(ack)
	conn.inbound <- frame

	select {
	case result := <-results:
		assert.Equal(t, result.err, nil)
		assert.Equal(t, result.ack.Id, written.Id)
	case <-time.After(5 * time.Second):
		t.Fatal("ack not resolved")
	}

	results = send()
	written = conn.nextWritten(t)
	ack, _ = NewAck(written, &AckData{Error: "read only"})
	frame, _ = EncodeFrame(ack)
	conn.inbound <- frame

	select {
	case result := <-results:
		assert.Equal(t, errors.Is(result.err, ErrMessageRejected), true)
	case <-time.After(5 * time.Second):
		t.Fatal("rejection not resolved")
	}
}

func TestDisconnectRejectsPendingAcks(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	conn := transport.Conn(0)

	n := 4
	errs := make(chan error, n)
	for i := 0; i < n; i += 1 {
		go func() {
			envelope := RequireEnvelope(MessageTypeDiagramOperation, map[string]any{})
			envelope.RequiresAck = true
			_, err := manager.SendMessage(ctx, envelope)
			errs <- err
		}()
	}
	for i := 0; i < n; i += 1 {
		conn.nextWritten(t)
	}

	manager.Disconnect()

	for i := 0; i < n; i += 1 {
		select {
		case err := <-errs:
			assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
		case <-time.After(5 * time.Second):
			t.Fatal("pending ack not rejected")
		}
	}
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)

	// disconnect when already disconnected is a no-op
	manager.Disconnect()
	assert.Equal(t, manager.State(), ConnectionStateDisconnected)
}

func TestPeerNormalClose(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	settings := testConnectionManagerSettings()
	settings.MaxReconnectAttempts = 3
	manager := NewConnectionManager(ctx, transport, settings)
	defer manager.Close()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)

	transport.Conn(0).readErr <- &TransportCloseError{Code: CloseNormal, Reason: "session ended"}

	waitFor(t, func() bool {
		return manager.State() == ConnectionStateDisconnected
	})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, transport.DialCount(), 1)
}

func TestReconnectAfterNetworkError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	settings := testConnectionManagerSettings()
	settings.MaxReconnectAttempts = 3
	settings.ReconnectInitialDelay = 10 * time.Millisecond
	settings.ReconnectMaxDelay = 50 * time.Millisecond
	manager := NewConnectionManager(ctx, transport, settings)
	defer manager.Close()

	recorder := &stateRecorder{}
	manager.AddStateCallback(recorder.record)
	errs := make(chan *ConnectionError, 4)
	manager.AddErrorCallback(func(err *ConnectionError) {
		errs <- err
	})

	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	transport.Conn(0).readErr <- errors.New("read tcp: connection reset by peer")

	select {
	case err := <-errs:
		assert.Equal(t, err.Kind, ErrorKindNetworkError)
		assert.Equal(t, err.Retryable, true)
	case <-time.After(5 * time.Second):
		t.Fatal("connection loss not reported")
	}

	waitFor(t, func() bool {
		return transport.DialCount() == 2 && manager.IsConnected() && len(recorder.States()) == 5
	})
	assert.Equal(t, manager.ReconnectAttempts(), 0)
	assert.Equal(t, recorder.States(), []ConnectionState{
		ConnectionStateConnecting,
		ConnectionStateConnected,
		ConnectionStateError,
		ConnectionStateConnecting,
		ConnectionStateConnected,
	})
}

func TestReconnectBounded(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	settings := testConnectionManagerSettings()
	settings.MaxReconnectAttempts = 2
	settings.ReconnectInitialDelay = 5 * time.Millisecond
	settings.ReconnectMaxDelay = 10 * time.Millisecond
	manager := NewConnectionManager(ctx, transport, settings)
	defer manager.Close()

	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	transport.stateLock.Lock()
	transport.dialErr = errors.New("dial tcp: connection refused")
	transport.stateLock.Unlock()
	transport.Conn(0).readErr <- errors.New("unexpected EOF")

	waitFor(t, func() bool {
		return manager.ReconnectAttempts() == 2
	})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, transport.DialCount(), 3)
	assert.Equal(t, manager.State(), ConnectionStateError)
}

func TestCloseRejectsConnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	manager.Close()

	err := manager.Connect(ctx, "ws://test")
	assert.Equal(t, errors.Is(err, ErrConnectionClosed), true)
	assert.Equal(t, transport.DialCount(), 0)
}

func TestSendMessageWithRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := testConnectionManagerSettings()
	// raised to `MinRetryDelay`
	settings.RetryDelay = time.Millisecond
	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, settings)
	defer manager.Close()
	assert.Equal(t, manager.Connect(ctx, "ws://test"), nil)
	conn := transport.Conn(0)

	type sendResult struct {
		ack *Envelope
		err error
	}
	results := make(chan sendResult, 1)
	go func() {
		envelope := RequireEnvelope(MessageTypeDiagramOperation, nil)
		envelope.RequiresAck = true
		ack, err := manager.SendMessageWithRetry(ctx, envelope, 3)
		results <- sendResult{ack, err}
	}()

	first := conn.nextWritten(t)
	rejectedAt := time.Now()
	ack, _ := NewAck(first, &AckData{Error: "busy"})
	frame, _ := EncodeFrame(ack)
	conn.inbound <- frame

	second := conn.nextWritten(t)
	assert.Equal(t, MinRetryDelay <= time.Since(rejectedAt), true)
	assert.Equal(t, second.Type, MessageTypeDiagramOperation)
	assert.NotEqual(t, second.Id, first.Id)

	ack, _ = NewAck(second, nil)
	frame, _ = EncodeFrame(ack)
	conn.inbound <- frame

	select {
	case result := <-results:
		assert.Equal(t, result.err, nil)
		assert.Equal(t, result.ack.Id, second.Id)
	case <-time.After(5 * time.Second):
		t.Fatal("retry not resolved")
	}
}

func TestSendMessageWithRetryLastError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	transport := &testTransport{}
	manager := NewConnectionManager(ctx, transport, testConnectionManagerSettings())
	defer manager.Close()

	startTime := time.Now()
	_, err := manager.SendMessageWithRetry(ctx, RequireEnvelope(MessageTypeHeartbeat, nil), 2)
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
	// one wait between the two attempts
	assert.Equal(t, MinRetryDelay <= time.Since(startTime), true)
}

func TestSendMessageWithRetryContextDone(t *testing.T) {
	transport := &testTransport{}
	manager := NewConnectionManager(context.Background(), transport, testConnectionManagerSettings())
	defer manager.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	startTime := time.Now()
	_, err := manager.SendMessageWithRetry(ctx, RequireEnvelope(MessageTypeHeartbeat, nil), 5)
	// the wait is cut short and the last send error is returned
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
	assert.Equal(t, time.Since(startTime) < MinRetryDelay, true)
}
