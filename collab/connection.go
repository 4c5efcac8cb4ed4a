package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/golang/glog"
)

// connection state machine is:
// ConnectionStateDisconnected
//
//	-> ConnectionStateConnecting
//	  -> ConnectionStateConnected
//	    -> ConnectionStateDisconnected (disconnect, normal close)
//	    -> ConnectionStateError (connection lost)
//	  -> ConnectionStateError (open failed)
//
// ConnectionStateError
//
//	-> ConnectionStateConnecting (connect, reconnect)
//	-> ConnectionStateDisconnected (disconnect)
type ConnectionState string

const (
	ConnectionStateDisconnected ConnectionState = "Disconnected"
	ConnectionStateConnecting   ConnectionState = "Connecting"
	ConnectionStateConnected    ConnectionState = "Connected"
	ConnectionStateError        ConnectionState = "Error"
)

// the minimum delay between send attempts in `SendMessageWithRetry`
const MinRetryDelay = 1 * time.Second

type StateChangeFunction = func(state ConnectionState)
type EnvelopeFunction = func(envelope *Envelope)
type TypedEventFunction = func(event *TypedEvent)
type ConnectionErrorFunction = func(err *ConnectionError)

type ConnectionManagerSettings struct {
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration
	// the connection is considered lost after this long without inbound traffic
	ReadTimeout time.Duration
	// a ping is written after this long without outbound traffic
	PingTimeout    time.Duration
	SendBufferSize int
	// delay between attempts of `SendMessageWithRetry`. Values below `MinRetryDelay` are raised.
	RetryDelay time.Duration
	// reconnects after losing an established connection to a retryable error.
	// 0 disables automatic reconnect.
	MaxReconnectAttempts  int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	// malformed frames are reported with at most this many bytes of the frame
	MaxDiagnosticPayloadLength int
}

func DefaultConnectionManagerSettings() *ConnectionManagerSettings {
	return &ConnectionManagerSettings{
		ConnectTimeout:             10 * time.Second,
		WriteTimeout:               5 * time.Second,
		ReadTimeout:                60 * time.Second,
		PingTimeout:                20 * time.Second,
		SendBufferSize:             32,
		RetryDelay:                 MinRetryDelay,
		MaxReconnectAttempts:       5,
		ReconnectInitialDelay:      1 * time.Second,
		ReconnectMaxDelay:          30 * time.Second,
		MaxDiagnosticPayloadLength: 256,
	}
}

type sendItem struct {
	frame  []byte
	result chan error
}

type ackResult struct {
	envelope *Envelope
	err      error
}

// one open transport and the goroutines that serve it
type activeConn struct {
	ctx    context.Context
	cancel context.CancelFunc

	address string
	conn    TransportConn
	send    chan *sendItem
}

// cancels an in progress open when the manager is disconnected
type connectAttempt struct {
	cancel    context.CancelFunc
	cancelled bool
}

// ConnectionManager owns a single logical connection to a collaboration server.
// Sends are written in send order by one writer goroutine.
// Envelopes that require an ack are pending until the ack arrives or the connection goes away.
type ConnectionManager struct {
	ctx    context.Context
	cancel context.CancelFunc

	transport Transport
	settings  *ConnectionManagerSettings

	// serializes connect attempts
	connectLock sync.Mutex
	stateLock         sync.Mutex
	state             ConnectionState
	// changed states not yet delivered to the state callbacks, in transition order
	notifyQueue []ConnectionState
	notifying   bool
	address           string
	active            *activeConn
	attempt           *connectAttempt
	pendingAcks       map[string]chan ackResult
	reconnectAttempts int
	closed            bool

	stateCallbacks      *CallbackList[StateChangeFunction]
	envelopeCallbacks   *CallbackList[EnvelopeFunction]
	errorCallbacks      *CallbackList[ConnectionErrorFunction]
	typedEventCallbacks map[string]*CallbackList[TypedEventFunction]
}

func NewConnectionManagerWithDefaults(ctx context.Context, transport Transport) *ConnectionManager {
	return NewConnectionManager(ctx, transport, DefaultConnectionManagerSettings())
}

func NewConnectionManager(
	ctx context.Context,
	transport Transport,
	settings *ConnectionManagerSettings,
) *ConnectionManager {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &ConnectionManager{
		ctx:                 cancelCtx,
		cancel:              cancel,
		transport:           transport,
		settings:            settings,
		state:               ConnectionStateDisconnected,
		pendingAcks:         map[string]chan ackResult{},
		stateCallbacks:      NewCallbackList[StateChangeFunction](),
		envelopeCallbacks:   NewCallbackList[EnvelopeFunction](),
		errorCallbacks:      NewCallbackList[ConnectionErrorFunction](),
		typedEventCallbacks: map[string]*CallbackList[TypedEventFunction]{},
	}
}

// State change callbacks run in transition order, one at a time.
// A callback may call `Disconnect`. It must not call `Connect` on the same goroutine.
func (self *ConnectionManager) AddStateCallback(callback StateChangeFunction) func() {
	callbackId := self.stateCallbacks.Add(callback)
	return func() {
		self.stateCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddEnvelopeCallback(callback EnvelopeFunction) func() {
	callbackId := self.envelopeCallbacks.Add(callback)
	return func() {
		self.envelopeCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddErrorCallback(callback ConnectionErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) AddTypedEventCallback(messageType string, callback TypedEventFunction) func() {
	self.stateLock.Lock()
	callbacks, ok := self.typedEventCallbacks[messageType]
	if !ok {
		callbacks = NewCallbackList[TypedEventFunction]()
		self.typedEventCallbacks[messageType] = callbacks
	}
	self.stateLock.Unlock()

	callbackId := callbacks.Add(callback)
	return func() {
		callbacks.Remove(callbackId)
	}
}

func (self *ConnectionManager) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *ConnectionManager) IsConnected() bool {
	return self.State() == ConnectionStateConnected
}

func (self *ConnectionManager) ReconnectAttempts() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.reconnectAttempts
}

// transition runs `update` with `stateLock` held and applies the returned state.
// Observers are notified only when the state changed.
func (self *ConnectionManager) transition(update func() (ConnectionState, bool)) bool {
	applied := func() bool {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		nextState, ok := update()
		if !ok {
			return false
		}
		if self.state != nextState {
			self.state = nextState
			self.notifyQueue = append(self.notifyQueue, nextState)
		}
		return true
	}()

	self.notifyStates()
	return applied
}

// notifyStates delivers queued state changes outside `stateLock`.
// One goroutine delivers at a time. A transition made from a callback
// is delivered after that callback returns.
func (self *ConnectionManager) notifyStates() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.notifying {
		return
	}
	self.notifying = true
	for 0 < len(self.notifyQueue) {
		state := self.notifyQueue[0]
		self.notifyQueue = self.notifyQueue[1:]

		self.stateLock.Unlock()
		glog.V(1).Infof("[c]state %s\n", state)
		for _, callback := range self.stateCallbacks.Get() {
			HandleError(func() {
				callback(state)
			})
		}
		self.stateLock.Lock()
	}
	self.notifying = false
}

// Connect opens the connection to `address`. It returns immediately when already connected.
// A failure is returned as a `*ConnectionError`, and the manager is left in `ConnectionStateError`.
func (self *ConnectionManager) Connect(ctx context.Context, address string) error {
	self.connectLock.Lock()
	defer self.connectLock.Unlock()

	return self.connect(ctx, address)
}

func (self *ConnectionManager) connect(ctx context.Context, address string) error {
	dialCtx, dialCancel := context.WithTimeout(ctx, self.settings.ConnectTimeout)
	defer dialCancel()
	attempt := &connectAttempt{
		cancel: dialCancel,
	}

	var earlyErr error
	started := self.transition(func() (ConnectionState, bool) {
		if self.closed {
			earlyErr = connectionClosedError()
			return "", false
		}
		if self.state == ConnectionStateConnected {
			return "", false
		}
		self.address = address
		self.attempt = attempt
		return ConnectionStateConnecting, true
	})
	if !started {
		return earlyErr
	}

	redactedAddress := RedactUrl(address)
	dial := func() (TransportConn, error) {
		return self.transport.Dial(dialCtx, address)
	}
	var conn TransportConn
	var err error
	if glog.V(2) {
		conn, err = TraceWithReturnError(fmt.Sprintf("[c]connect %s", redactedAddress), dial)
	} else {
		conn, err = dial()
	}

	if err != nil {
		connectionErr := ClassifyError(err, address)
		glog.Infof("[c]connect %s error = %s\n", redactedAddress, connectionErr)
		failed := self.transition(func() (ConnectionState, bool) {
			if attempt.cancelled {
				// disconnected while opening
				return "", false
			}
			self.attempt = nil
			return ConnectionStateError, true
		})
		if failed {
			self.notifyError(connectionErr)
		}
		return connectionErr
	}

	activeCtx, activeCancel := context.WithCancel(self.ctx)
	active := &activeConn{
		ctx:     activeCtx,
		cancel:  activeCancel,
		address: address,
		conn:    conn,
		send:    make(chan *sendItem, self.settings.SendBufferSize),
	}

	opened := self.transition(func() (ConnectionState, bool) {
		if attempt.cancelled || self.closed {
			return "", false
		}
		self.attempt = nil
		self.active = active
		self.reconnectAttempts = 0
		return ConnectionStateConnected, true
	})
	if !opened {
		activeCancel()
		conn.Close(CloseNormal, "disconnect")
		return connectionClosedError()
	}

	glog.V(1).Infof("[c]connected %s\n", redactedAddress)
	go HandleError(func() {
		self.runWriter(active)
	}, active.cancel)
	go HandleError(func() {
		self.runReader(active)
	}, active.cancel)
	return nil
}

// Disconnect closes the connection and ends in `ConnectionStateDisconnected`.
// Pending acks are rejected with `ErrConnectionClosed`. Safe to call when already disconnected.
func (self *ConnectionManager) Disconnect() {
	var active *activeConn
	var pendingAcks map[string]chan ackResult
	self.transition(func() (ConnectionState, bool) {
		active = self.active
		self.active = nil
		pendingAcks = self.takePendingAcks()
		if self.attempt != nil {
			self.attempt.cancelled = true
			self.attempt.cancel()
			self.attempt = nil
		}
		return ConnectionStateDisconnected, true
	})

	if active != nil {
		glog.V(1).Infof("[c]disconnect %s\n", RedactUrl(active.address))
		active.cancel()
		active.conn.Close(CloseNormal, "disconnect")
	}
	rejectPendingAcks(pendingAcks, connectionClosedError())
}

// Close disposes the manager. No further connects are possible.
func (self *ConnectionManager) Close() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()

	self.cancel()
	self.Disconnect()

	self.stateCallbacks.Clear()
	self.envelopeCallbacks.Clear()
	self.errorCallbacks.Clear()
	self.stateLock.Lock()
	self.typedEventCallbacks = map[string]*CallbackList[TypedEventFunction]{}
	self.stateLock.Unlock()
}

// must be called with `stateLock`
func (self *ConnectionManager) takePendingAcks() map[string]chan ackResult {
	pendingAcks := self.pendingAcks
	self.pendingAcks = map[string]chan ackResult{}
	return pendingAcks
}

func rejectPendingAcks(pendingAcks map[string]chan ackResult, err error) {
	for _, ack := range pendingAcks {
		ack <- ackResult{err: err}
	}
}

func (self *ConnectionManager) removePendingAck(envelopeId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.pendingAcks, envelopeId)
}

// SendMessage writes `envelope` to the connection.
// Fails with `ErrNotConnected` unless connected, without touching the transport.
// When `envelope.RequiresAck` is set, waits for the ack and returns it.
// The caller's envelope is not modified; the sent copy gets a fresh id and timestamp.
func (self *ConnectionManager) SendMessage(ctx context.Context, envelope *Envelope) (*Envelope, error) {
	self.stateLock.Lock()
	if self.state != ConnectionStateConnected || self.active == nil {
		state := self.state
		self.stateLock.Unlock()
		return nil, notConnectedError(state)
	}
	active := self.active
	sent := *envelope
	sent.Id = NewId().String()
	sent.Timestamp = time.Now().UnixMilli()
	if len(sent.Data) == 0 {
		sent.Data = json.RawMessage("{}")
	}
	var ack chan ackResult
	if sent.RequiresAck {
		ack = make(chan ackResult, 1)
		self.pendingAcks[sent.Id] = ack
	}
	self.stateLock.Unlock()

	fail := func(err error) (*Envelope, error) {
		if ack != nil {
			self.removePendingAck(sent.Id)
		}
		return nil, err
	}

	frame, err := EncodeFrame(&sent)
	if err != nil {
		return fail(NewConnectionError(ErrorKindParseError, fmt.Sprintf("encode %s: %s", sent.Type, err), err))
	}

	item := &sendItem{
		frame:  frame,
		result: make(chan error, 1),
	}
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-active.ctx.Done():
		return fail(connectionClosedError())
	case active.send <- item:
	}

	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case <-active.ctx.Done():
		return fail(connectionClosedError())
	case err := <-item.result:
		if err != nil {
			return fail(ClassifyError(err, active.address))
		}
	}
	glog.V(2).Infof("[c]send %s %s\n", sent.Type, sent.Id)

	if ack == nil {
		return nil, nil
	}
	select {
	case <-ctx.Done():
		return fail(ctx.Err())
	case result := <-ack:
		return result.envelope, result.err
	}
}

// SendMessageWithRetry attempts `SendMessage` up to `maxAttempts` times with a
// constant delay of at least `MinRetryDelay` between attempts.
// The last error is returned when all attempts fail.
func (self *ConnectionManager) SendMessageWithRetry(
	ctx context.Context,
	envelope *Envelope,
	maxAttempts int,
) (*Envelope, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	retryBackOff := backoff.NewConstantBackOff(max(self.settings.RetryDelay, MinRetryDelay))

	for attempt := 1; ; attempt += 1 {
		ack, err := self.SendMessage(ctx, envelope)
		if err == nil {
			return ack, nil
		}
		if maxAttempts <= attempt {
			glog.Infof("[c]send %s failed after %d attempts = %s\n", envelope.Type, attempt, err)
			return nil, err
		}
		next := retryBackOff.NextBackOff()
		glog.V(1).Infof("[c]send %s attempt %d error = %s\n", envelope.Type, attempt, err)
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(next):
		}
	}
}

func (self *ConnectionManager) runWriter(active *activeConn) {
	defer active.cancel()

	for {
		// a zero ping timeout disables pings
		var ping <-chan time.Time
		if 0 < self.settings.PingTimeout {
			ping = time.After(self.settings.PingTimeout)
		}

		select {
		case <-active.ctx.Done():
			return
		case item := <-active.send:
			err := active.conn.WriteMessage(item.frame, self.settings.WriteTimeout)
			item.result <- err
			if err != nil {
				// a websocket write deadline cannot be recovered
				self.connectionLost(active, err)
				return
			}
		case <-ping:
			if err := active.conn.WritePing(self.settings.WriteTimeout); err != nil {
				self.connectionLost(active, err)
				return
			}
			glog.V(2).Infof("[c]ping\n")
		}
	}
}

func (self *ConnectionManager) runReader(active *activeConn) {
	defer active.cancel()

	for {
		message, err := active.conn.ReadMessage(self.settings.ReadTimeout)
		if err != nil {
			self.connectionLost(active, err)
			return
		}
		select {
		case <-active.ctx.Done():
			return
		default:
		}
		self.handleFrame(message)
	}
}

func (self *ConnectionManager) handleFrame(frame []byte) {
	envelope, typedEvent, err := DecodeFrame(frame, self.settings.MaxDiagnosticPayloadLength)
	if err != nil {
		var connectionErr *ConnectionError
		if !errors.As(err, &connectionErr) {
			connectionErr = ClassifyError(err)
		}
		glog.Infof("[c]drop frame = %s\n", connectionErr)
		self.notifyError(connectionErr)
		return
	}

	if typedEvent != nil {
		glog.V(2).Infof("[c]receive event %s\n", typedEvent.MessageType)
		self.stateLock.Lock()
		callbacks, ok := self.typedEventCallbacks[typedEvent.MessageType]
		self.stateLock.Unlock()
		if !ok {
			return
		}
		for _, callback := range callbacks.Get() {
			HandleError(func() {
				callback(typedEvent)
			})
		}
		return
	}

	glog.V(2).Infof("[c]receive %s %s\n", envelope.Type, envelope.Id)
	if envelope.Type == MessageTypeAck {
		self.resolveAck(envelope)
		return
	}
	for _, callback := range self.envelopeCallbacks.Get() {
		HandleError(func() {
			callback(envelope)
		})
	}
}

func (self *ConnectionManager) resolveAck(envelope *Envelope) {
	self.stateLock.Lock()
	ack, ok := self.pendingAcks[envelope.Id]
	if ok {
		delete(self.pendingAcks, envelope.Id)
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(1).Infof("[c]unsolicited ack %s\n", envelope.Id)
		return
	}

	var ackData AckData
	if 0 < len(envelope.Data) {
		json.Unmarshal(envelope.Data, &ackData)
	}
	if ackData.Error != "" {
		ack <- ackResult{
			envelope: envelope,
			err: NewConnectionError(
				ErrorKindConnectionFailed,
				fmt.Sprintf("rejected: %s", ackData.Error),
				ErrMessageRejected,
			),
		}
		return
	}
	ack <- ackResult{envelope: envelope}
}

// connectionLost is called by the serving goroutines of `active`.
// It has no effect when `active` was already replaced or disconnected.
func (self *ConnectionManager) connectionLost(active *activeConn, err error) {
	var connectionErr *ConnectionError
	var closeErr *TransportCloseError
	normalClose := errors.As(err, &closeErr) && closeErr.IsNormal()
	if !normalClose {
		connectionErr = ClassifyError(err, active.address)
	}

	var pendingAcks map[string]chan ackResult
	lost := self.transition(func() (ConnectionState, bool) {
		if self.active != active {
			return "", false
		}
		self.active = nil
		pendingAcks = self.takePendingAcks()
		if normalClose {
			return ConnectionStateDisconnected, true
		}
		return ConnectionStateError, true
	})
	if !lost {
		return
	}

	active.cancel()
	active.conn.Close(CloseNormal, "")
	rejectPendingAcks(pendingAcks, connectionClosedError())

	if normalClose {
		glog.V(1).Infof("[c]closed by peer %d %s\n", closeErr.Code, closeErr.Reason)
		return
	}
	glog.Infof("[c]connection lost = %s\n", connectionErr)
	self.notifyError(connectionErr)

	if connectionErr.Retryable && 0 < self.settings.MaxReconnectAttempts {
		go HandleError(func() {
			self.reconnect(active.address)
		})
	}
}

// reconnect with exponential backoff while the manager stays in `ConnectionStateError`
func (self *ConnectionManager) reconnect(address string) {
	exponentialBackOff := backoff.NewExponentialBackOff()
	exponentialBackOff.InitialInterval = self.settings.ReconnectInitialDelay
	exponentialBackOff.MaxInterval = self.settings.ReconnectMaxDelay
	exponentialBackOff.MaxElapsedTime = 0
	exponentialBackOff.Reset()
	reconnectBackOff := backoff.WithMaxRetries(exponentialBackOff, uint64(self.settings.MaxReconnectAttempts))

	for {
		delay := reconnectBackOff.NextBackOff()
		if delay == backoff.Stop {
			glog.Infof("[c]reconnect %s exhausted\n", RedactUrl(address))
			return
		}
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(delay):
		}

		err := func() error {
			self.connectLock.Lock()
			defer self.connectLock.Unlock()

			self.stateLock.Lock()
			if self.state != ConnectionStateError || self.closed {
				// connected or disconnected by the caller in the meantime
				self.stateLock.Unlock()
				return nil
			}
			self.reconnectAttempts += 1
			attempts := self.reconnectAttempts
			self.stateLock.Unlock()

			glog.Infof("[c]reconnect %s attempt %d\n", RedactUrl(address), attempts)
			return self.connect(self.ctx, address)
		}()
		if err == nil {
			return
		}
		var connectionErr *ConnectionError
		if errors.As(err, &connectionErr) && !connectionErr.Retryable {
			return
		}
	}
}

func (self *ConnectionManager) notifyError(connectionErr *ConnectionError) {
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(connectionErr)
		})
	}
}
