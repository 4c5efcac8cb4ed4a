package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type SavePolicy string

const (
	SavePolicyAuto   SavePolicy = "auto"
	SavePolicyManual SavePolicy = "manual"
)

// DiagramDocument is a snapshot of the local diagram at save time
type DiagramDocument struct {
	DiagramId    string  `json:"id"`
	Name         string  `json:"name,omitempty"`
	Cells        []*Cell `json:"cells"`
	UpdateVector int64   `json:"update_vector,omitempty"`
}

// DocumentSource owns the live document. The coordinator asks for a fresh snapshot for every save.
type DocumentSource interface {
	Snapshot(ctx context.Context) (*DiagramDocument, error)
}

type SaveContext struct {
	ThreatModelId string
	DiagramId     string
}

type SaveOperation struct {
	SaveContext
	Document  *DiagramDocument
	EditIndex int64
	// the last server version known when the save started
	ServerVersion int64
	Manual        bool
}

type SaveResult struct {
	Success bool
	// the server version of the saved document, when the server reports one
	UpdateVector *int64
}

// Persistence stores a document. A result with `Success` false and a nil error is a failed save.
type Persistence interface {
	Save(ctx context.Context, operation *SaveOperation) (*SaveResult, error)
}

// SaveTracking is a copy of the coordinator counters.
// `LastSavedEditIndex <= LocalEditIndex` always holds.
type SaveTracking struct {
	LocalEditIndex         int64
	LastSavedEditIndex     int64
	ServerVersion          int64
	LastSavedServerVersion int64
	SaveInProgress         bool
	PendingEditCount       int64
}

type SaveFunction = func(operation *SaveOperation, result *SaveResult)
type SaveErrorFunction = func(err error)

type SaveCoordinatorSettings struct {
	AutoSave bool
	Policy   SavePolicy
	// triggers further than this past the last saved edit are rejected with `ErrQueueOverflow`
	MaxQueueDepth int64
	SaveTimeout   time.Duration
}

func DefaultSaveCoordinatorSettings() *SaveCoordinatorSettings {
	return &SaveCoordinatorSettings{
		AutoSave:      true,
		Policy:        SavePolicyAuto,
		MaxQueueDepth: 100,
		SaveTimeout:   30 * time.Second,
	}
}

type saveRequest struct {
	saveContext SaveContext
	editIndex   int64
	manual      bool
}

// SaveCoordinator drives saves of one diagram from the edit counter.
// At most one persistence call is outstanding at any time. Edits that arrive
// while a save runs are coalesced into a single follow-up save, which the
// draining goroutine runs after the current save completes.
type SaveCoordinator struct {
	persistence Persistence
	source      DocumentSource
	settings    *SaveCoordinatorSettings

	stateLock   sync.Mutex
	tracking    SaveTracking
	saveContext SaveContext
	stopped     bool

	// notified each time the save slot is released
	idleMonitor *Monitor

	saveCallbacks  *CallbackList[SaveFunction]
	errorCallbacks *CallbackList[SaveErrorFunction]
}

func NewSaveCoordinatorWithDefaults(persistence Persistence, source DocumentSource) *SaveCoordinator {
	return NewSaveCoordinator(persistence, source, DefaultSaveCoordinatorSettings())
}

func NewSaveCoordinator(
	persistence Persistence,
	source DocumentSource,
	settings *SaveCoordinatorSettings,
) *SaveCoordinator {
	return &SaveCoordinator{
		persistence:    persistence,
		source:         source,
		settings:       settings,
		idleMonitor:    NewMonitor(),
		saveCallbacks:  NewCallbackList[SaveFunction](),
		errorCallbacks: NewCallbackList[SaveErrorFunction](),
	}
}

func (self *SaveCoordinator) AddSaveCallback(callback SaveFunction) func() {
	callbackId := self.saveCallbacks.Add(callback)
	return func() {
		self.saveCallbacks.Remove(callbackId)
	}
}

func (self *SaveCoordinator) AddErrorCallback(callback SaveErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

func (self *SaveCoordinator) Tracking() SaveTracking {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.tracking
}

// RecordEdit advances the local edit index and returns it
func (self *SaveCoordinator) RecordEdit() int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.tracking.LocalEditIndex += 1
	return self.tracking.LocalEditIndex
}

// UpdateServerUpdateVector adopts a server version observed elsewhere, e.g. from a collaborator.
// Older or equal versions are ignored.
func (self *SaveCoordinator) UpdateServerUpdateVector(version int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.tracking.ServerVersion < version {
		self.tracking.ServerVersion = version
	}
}

// Stop stops accepting triggers and scheduling follow-ups.
// A save in flight completes and its result is applied.
func (self *SaveCoordinator) Stop() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.stopped = true
}

// Trigger requests a save that covers `editIndex`.
// It returns without waiting for the save. An error is returned only for a queue overflow.
func (self *SaveCoordinator) Trigger(editIndex int64, saveContext SaveContext) error {
	if !self.settings.AutoSave || self.settings.Policy == SavePolicyManual {
		return nil
	}

	self.stateLock.Lock()
	if self.stopped {
		self.stateLock.Unlock()
		glog.V(1).Infof("[s]stopped, ignore trigger %d\n", editIndex)
		return nil
	}
	if editIndex <= self.tracking.LastSavedEditIndex {
		self.stateLock.Unlock()
		return nil
	}
	// a rejected trigger still advances the index, so the next manual save covers it
	self.tracking.LocalEditIndex = max(self.tracking.LocalEditIndex, editIndex)
	if depth := editIndex - self.tracking.LastSavedEditIndex; self.settings.MaxQueueDepth < depth {
		lastSavedEditIndex := self.tracking.LastSavedEditIndex
		self.stateLock.Unlock()

		overflowErr := NewConnectionError(
			ErrorKindQueueOverflow,
			fmt.Sprintf("edit %d is %d edits past the last save %d", editIndex, depth, lastSavedEditIndex),
			ErrQueueOverflow,
		)
		glog.Infof("[s]%s\n", overflowErr)
		self.notifyError(overflowErr)
		return overflowErr
	}

	self.saveContext = saveContext
	if self.tracking.SaveInProgress {
		self.tracking.PendingEditCount = max(self.tracking.PendingEditCount, editIndex)
		self.stateLock.Unlock()
		glog.V(2).Infof("[s]coalesce %d\n", editIndex)
		return nil
	}
	self.tracking.SaveInProgress = true
	self.stateLock.Unlock()

	request := &saveRequest{
		saveContext: saveContext,
		editIndex:   editIndex,
	}
	go HandleError(func() {
		self.drain(request)
	})
	return nil
}

// TriggerManualSave saves the current document now, regardless of policy, depth and coalescing.
// It waits for a save in flight to complete first.
func (self *SaveCoordinator) TriggerManualSave(ctx context.Context, saveContext SaveContext) (*SaveResult, error) {
	return self.saveNow(ctx, saveContext, false)
}

// ForceSave is `TriggerManualSave` that also discards coalesced edits
func (self *SaveCoordinator) ForceSave(ctx context.Context, saveContext SaveContext) (*SaveResult, error) {
	return self.saveNow(ctx, saveContext, true)
}

func (self *SaveCoordinator) saveNow(ctx context.Context, saveContext SaveContext, force bool) (*SaveResult, error) {
	for {
		self.stateLock.Lock()
		if !self.tracking.SaveInProgress {
			self.tracking.SaveInProgress = true
			break
		}
		notify := self.idleMonitor.NotifyChannel()
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
	if force {
		self.tracking.PendingEditCount = 0
	}
	self.saveContext = saveContext
	request := &saveRequest{
		saveContext: saveContext,
		editIndex:   self.tracking.LocalEditIndex,
		manual:      true,
	}
	self.stateLock.Unlock()

	operation, result, err := self.persist(ctx, request)
	if next := self.complete(request, operation, result, err); next != nil {
		go HandleError(func() {
			self.drain(next)
		})
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WaitIdle blocks until no save is in flight
func (self *SaveCoordinator) WaitIdle(ctx context.Context) error {
	for {
		self.stateLock.Lock()
		if !self.tracking.SaveInProgress {
			self.stateLock.Unlock()
			return nil
		}
		notify := self.idleMonitor.NotifyChannel()
		self.stateLock.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-notify:
		}
	}
}

// drain runs `request` and then each follow-up, one at a time.
// The caller must hold the save slot.
func (self *SaveCoordinator) drain(request *saveRequest) {
	for request != nil {
		// an in flight save is never cancelled
		operation, result, err := self.persist(context.Background(), request)
		request = self.complete(request, operation, result, err)
	}
}

func (self *SaveCoordinator) persist(
	ctx context.Context,
	request *saveRequest,
) (*SaveOperation, *SaveResult, error) {
	saveCtx, saveCancel := context.WithTimeout(ctx, self.settings.SaveTimeout)
	defer saveCancel()

	document, err := self.source.Snapshot(saveCtx)
	if err != nil {
		return nil, nil, fmt.Errorf("snapshot edit %d: %w", request.editIndex, err)
	}

	self.stateLock.Lock()
	serverVersion := self.tracking.ServerVersion
	self.stateLock.Unlock()

	operation := &SaveOperation{
		SaveContext:   request.saveContext,
		Document:      document,
		EditIndex:     request.editIndex,
		ServerVersion: serverVersion,
		Manual:        request.manual,
	}
	glog.V(1).Infof("[s]save %s edit %d version %d\n", operation.DiagramId, operation.EditIndex, serverVersion)
	result, err := self.persistence.Save(saveCtx, operation)
	if err != nil {
		return operation, nil, fmt.Errorf("save edit %d: %w", request.editIndex, err)
	}
	if result == nil || !result.Success {
		return operation, nil, fmt.Errorf("save edit %d: %w", request.editIndex, ErrSaveFailed)
	}

	return operation, result, nil
}

// complete applies the outcome of `request` and releases the save slot,
// or keeps the slot and returns the follow-up request.
func (self *SaveCoordinator) complete(
	request *saveRequest,
	operation *SaveOperation,
	result *SaveResult,
	err error,
) *saveRequest {
	var next *saveRequest
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()

		if err != nil {
			self.tracking.SaveInProgress = false
			self.tracking.PendingEditCount = 0
			return
		}

		self.tracking.LastSavedEditIndex = max(self.tracking.LastSavedEditIndex, request.editIndex)
		self.tracking.LocalEditIndex = max(self.tracking.LocalEditIndex, self.tracking.LastSavedEditIndex)
		if result.UpdateVector != nil {
			updateVector := *result.UpdateVector
			self.tracking.LastSavedServerVersion = updateVector
			if self.tracking.ServerVersion < updateVector {
				self.tracking.ServerVersion = updateVector
			}
		}

		followUp := 0 < self.tracking.PendingEditCount ||
			self.tracking.LastSavedEditIndex < self.tracking.LocalEditIndex
		if followUp && !self.stopped {
			next = &saveRequest{
				saveContext: self.saveContext,
				editIndex:   max(self.tracking.LocalEditIndex, self.tracking.PendingEditCount),
			}
			self.tracking.PendingEditCount = 0
			return
		}
		self.tracking.SaveInProgress = false
	}()

	if err != nil {
		glog.Infof("[s]%s\n", err)
		self.notifyError(err)
	} else {
		for _, callback := range self.saveCallbacks.Get() {
			HandleError(func() {
				callback(operation, result)
			})
		}
		if next != nil {
			glog.V(2).Infof("[s]follow up %d\n", next.editIndex)
		}
	}
	if next == nil {
		self.idleMonitor.NotifyAll()
	}
	return next
}

func (self *SaveCoordinator) notifyError(err error) {
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(err)
		})
	}
}
