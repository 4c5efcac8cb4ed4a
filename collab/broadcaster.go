package collab

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

// Sender transmits envelopes. `ConnectionManager` is the sender of a live session.
type Sender interface {
	SendMessage(ctx context.Context, envelope *Envelope) (*Envelope, error)
}

// decides whether a change event is visual only and carries no semantics
type VisualOnlyFunction = func(event *GraphEvent) bool

type BroadcastErrorFunction = func(operations []*CellOperation, err error)

// change keys that only affect how the diagram looks in this editor
var visualOnlyKeys = map[string]bool{
	"tools":          true,
	"zIndex":         true,
	"highlight":      true,
	"selected":       true,
	"hover":          true,
	"portVisibility": true,
}

// DefaultVisualOnly treats tool handles, selection, stacking and port visibility as visual only.
// An `attrs` change is visual only when the label text did not change.
func DefaultVisualOnly(event *GraphEvent) bool {
	if visualOnlyKeys[event.Key] {
		return true
	}
	switch {
	case event.Key == FieldAttrs:
		return attrsLabel(event.Current) == attrsLabel(event.Previous)
	case strings.HasPrefix(event.Key, "attrs/"):
		// a single style attribute, e.g. attrs/body/stroke
		return !strings.HasSuffix(event.Key, "/text")
	case strings.HasPrefix(event.Key, "ports/") && strings.HasSuffix(event.Key, "/visibility"):
		return true
	default:
		return false
	}
}

type OperationBroadcasterSettings struct {
	VisualOnly  VisualOnlyFunction
	SendTimeout time.Duration
	// ask the server to ack every operation batch
	RequireAck bool
}

func DefaultOperationBroadcasterSettings() *OperationBroadcasterSettings {
	return &OperationBroadcasterSettings{
		VisualOnly:  DefaultVisualOnly,
		SendTimeout: 10 * time.Second,
	}
}

// the data of a `diagram_operation` envelope
type OperationBatch struct {
	Operations []*CellOperation `json:"operations"`
	UserId     string           `json:"user_id,omitempty"`
	SessionId  string           `json:"session_id,omitempty"`
	DiagramId  string           `json:"diagram_id,omitempty"`
}

type CursorPosition struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	UserId string  `json:"user_id,omitempty"`
}

// OperationBroadcaster turns local graph mutations into operation batches.
// Sends never roll back the local graph; failures are reported to the error callbacks.
type OperationBroadcaster struct {
	ctx    context.Context
	cancel context.CancelFunc

	session  *Session
	sender   Sender
	settings *OperationBroadcasterSettings

	stateLock        sync.Mutex
	unsubscribes     []func()
	atomic           bool
	atomicOperations []*CellOperation
	disposed         bool

	errorCallbacks *CallbackList[BroadcastErrorFunction]
}

func NewOperationBroadcasterWithDefaults(
	ctx context.Context,
	session *Session,
	sender Sender,
) *OperationBroadcaster {
	return NewOperationBroadcaster(ctx, session, sender, DefaultOperationBroadcasterSettings())
}

func NewOperationBroadcaster(
	ctx context.Context,
	session *Session,
	sender Sender,
	settings *OperationBroadcasterSettings,
) *OperationBroadcaster {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &OperationBroadcaster{
		ctx:            cancelCtx,
		cancel:         cancel,
		session:        session,
		sender:         sender,
		settings:       settings,
		errorCallbacks: NewCallbackList[BroadcastErrorFunction](),
	}
}

func (self *OperationBroadcaster) AddErrorCallback(callback BroadcastErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// InitializeListeners subscribes to the mutation events of `graph`.
// It does nothing unless the session is collaborating.
func (self *OperationBroadcaster) InitializeListeners(graph Graph) {
	if !self.session.IsCollaborating() {
		return
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.disposed {
		return
	}
	for _, eventType := range []GraphEventType{
		GraphEventCellAdded,
		GraphEventCellRemoved,
		GraphEventCellChanged,
		GraphEventEdgeConnected,
	} {
		self.unsubscribes = append(self.unsubscribes, graph.On(eventType, self.handleGraphEvent))
	}
	glog.V(1).Infof("[b]listening session %s\n", self.session.SessionId)
}

func (self *OperationBroadcaster) handleGraphEvent(event *GraphEvent) {
	if self.session.IsApplyingRemote() {
		glog.V(2).Infof("[b]skip remote echo %s %s\n", event.Type, event.cellId())
		return
	}
	if self.session.IsReadOnly() {
		glog.Warningf("[b]skip local %s %s in read only session\n", event.Type, event.cellId())
		return
	}
	if event.Intermediate {
		return
	}
	switch event.Type {
	case GraphEventCellChanged, GraphEventEdgeConnected:
		if self.settings.VisualOnly != nil && self.settings.VisualOnly(event) {
			glog.V(2).Infof("[b]skip visual %s %s\n", event.Key, event.cellId())
			return
		}
	}

	operation, err := ConvertGraphEvent(event)
	if err != nil {
		glog.Warningf("[b]drop event = %s\n", err)
		return
	}
	self.emit(operation)
}

func (self *OperationBroadcaster) emit(operation *CellOperation) {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	if self.atomic {
		self.atomicOperations = append(self.atomicOperations, operation)
		self.stateLock.Unlock()
		return
	}
	self.stateLock.Unlock()

	self.send(self.ctx, []*CellOperation{operation})
}

// StartAtomicOperation opens a batching window. Nesting is not supported.
func (self *OperationBroadcaster) StartAtomicOperation() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.atomic {
		glog.Warningf("[b]atomic operation already open\n")
		return
	}
	self.atomic = true
	self.atomicOperations = nil
}

// CommitAtomicOperation sends the operations captured in the window as one batch, in capture order.
// An empty window sends nothing.
func (self *OperationBroadcaster) CommitAtomicOperation(ctx context.Context) error {
	self.stateLock.Lock()
	if !self.atomic {
		self.stateLock.Unlock()
		glog.Warningf("[b]commit without atomic operation\n")
		return nil
	}
	operations := self.atomicOperations
	self.atomic = false
	self.atomicOperations = nil
	self.stateLock.Unlock()

	if len(operations) == 0 {
		return nil
	}
	return self.send(ctx, operations)
}

// CancelAtomicOperation discards the window without sending
func (self *OperationBroadcaster) CancelAtomicOperation() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.atomic {
		glog.V(1).Infof("[b]cancel atomic operation (%d)\n", len(self.atomicOperations))
	}
	self.atomic = false
	self.atomicOperations = nil
}

func (self *OperationBroadcaster) IsAtomicOperationOpen() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.atomic
}

// SendCursorPosition sends the local cursor. Cursor moves are never batched.
func (self *OperationBroadcaster) SendCursorPosition(ctx context.Context, x float64, y float64) error {
	if !self.session.IsCollaborating() {
		return nil
	}
	envelope, err := NewEnvelope(MessageTypeCursorMove, &CursorPosition{
		X:      x,
		Y:      y,
		UserId: self.session.UserId,
	})
	if err != nil {
		return err
	}
	sendCtx, sendCancel := context.WithTimeout(ctx, self.settings.SendTimeout)
	defer sendCancel()
	_, err = self.sender.SendMessage(sendCtx, envelope)
	return err
}

func (self *OperationBroadcaster) send(ctx context.Context, operations []*CellOperation) error {
	envelope, err := NewEnvelope(MessageTypeDiagramOperation, &OperationBatch{
		Operations: operations,
		UserId:     self.session.UserId,
		SessionId:  self.session.SessionId,
		DiagramId:  self.session.DiagramId,
	})
	if err == nil {
		envelope.RequiresAck = self.settings.RequireAck

		sendCtx, sendCancel := context.WithTimeout(ctx, self.settings.SendTimeout)
		defer sendCancel()
		_, err = self.sender.SendMessage(sendCtx, envelope)
	}
	if err != nil {
		glog.Infof("[b]send %d operations error = %s\n", len(operations), err)
		for _, callback := range self.errorCallbacks.Get() {
			HandleError(func() {
				callback(operations, err)
			})
		}
		return err
	}
	glog.V(2).Infof("[b]sent %d operations\n", len(operations))
	return nil
}

// Dispose cancels any open window and detaches every listener. Safe to call more than once.
func (self *OperationBroadcaster) Dispose() {
	self.stateLock.Lock()
	if self.disposed {
		self.stateLock.Unlock()
		return
	}
	self.disposed = true
	self.atomic = false
	self.atomicOperations = nil
	unsubscribes := self.unsubscribes
	self.unsubscribes = nil
	self.stateLock.Unlock()

	for _, unsubscribe := range unsubscribes {
		unsubscribe()
	}
	self.cancel()
}
