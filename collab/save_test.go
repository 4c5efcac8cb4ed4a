package collab

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

// records every save. When `gate` is set, each save blocks for one token.
type testPersistence struct {
	gate    chan struct{}
	started chan int64

	stateLock    sync.Mutex
	saves        []*SaveOperation
	active       int
	maxActive    int
	err          error
	fail         bool
	updateVector int64
}

func newTestPersistence(gated bool) *testPersistence {
	persistence := &testPersistence{
		started: make(chan int64, 64),
	}
	if gated {
		persistence.gate = make(chan struct{})
	}
	return persistence
}

func (self *testPersistence) Save(ctx context.Context, operation *SaveOperation) (*SaveResult, error) {
	self.stateLock.Lock()
	self.active += 1
	self.maxActive = max(self.maxActive, self.active)
	self.saves = append(self.saves, operation)
	self.stateLock.Unlock()

	self.started <- operation.EditIndex

	if self.gate != nil {
		select {
		case <-self.gate:
		case <-ctx.Done():
		}
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.active -= 1
	if self.err != nil {
		return nil, self.err
	}
	if self.fail {
		return &SaveResult{Success: false}, nil
	}
	result := &SaveResult{Success: true}
	if 0 < self.updateVector {
		updateVector := self.updateVector
		result.UpdateVector = &updateVector
	}
	return result, nil
}

func (self *testPersistence) SetUpdateVector(updateVector int64) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.updateVector = updateVector
}

func (self *testPersistence) SetErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.err = err
}

func (self *testPersistence) EditIndexes() []int64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	editIndexes := []int64{}
	for _, save := range self.saves {
		editIndexes = append(editIndexes, save.EditIndex)
	}
	return editIndexes
}

func (self *testPersistence) MaxActive() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.maxActive
}

func (self *testPersistence) Release() {
	self.gate <- struct{}{}
}

func (self *testPersistence) waitStarted(t *testing.T) int64 {
	select {
	case editIndex := <-self.started:
		return editIndex
	case <-time.After(5 * time.Second):
		t.Fatal("save not started")
		return 0
	}
}

var testSaveContext = SaveContext{
	ThreatModelId: "tm1",
	DiagramId:     "d1",
}

func waitIdle(t *testing.T, coordinator *SaveCoordinator) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Equal(t, coordinator.WaitIdle(ctx), nil)
}

func TestSaveCoalescing(t *testing.T) {
	persistence := newTestPersistence(false)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	for i := int64(1); i <= 50; i += 1 {
		assert.Equal(t, coordinator.Trigger(i, testSaveContext), nil)
	}
	waitIdle(t, coordinator)

	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.LastSavedEditIndex, int64(50))
	assert.Equal(t, tracking.LocalEditIndex, int64(50))
	assert.Equal(t, tracking.SaveInProgress, false)
	assert.Equal(t, tracking.PendingEditCount, int64(0))
	assert.Equal(t, persistence.MaxActive(), 1)

	editIndexes := persistence.EditIndexes()
	assert.Equal(t, len(editIndexes) <= 50, true)
	assert.Equal(t, editIndexes[len(editIndexes)-1], int64(50))
	for i := 1; i < len(editIndexes); i += 1 {
		assert.Equal(t, editIndexes[i-1] <= editIndexes[i], true)
	}
}

func TestSaveCoalescesEditsDuringSave(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	assert.Equal(t, persistence.waitStarted(t), int64(1))

	for i := int64(2); i <= 5; i += 1 {
		assert.Equal(t, coordinator.Trigger(i, testSaveContext), nil)
	}
	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.SaveInProgress, true)
	assert.Equal(t, tracking.PendingEditCount, int64(5))

	persistence.Release()
	// one follow-up covers all edits made during the save
	assert.Equal(t, persistence.waitStarted(t), int64(5))
	persistence.Release()
	waitIdle(t, coordinator)

	assert.Equal(t, persistence.EditIndexes(), []int64{1, 5})
	assert.Equal(t, persistence.MaxActive(), 1)
	assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, int64(5))
}

func TestSaveScenario(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	persistence.SetUpdateVector(5)
	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	assert.Equal(t, persistence.waitStarted(t), int64(1))
	persistence.Release()
	waitIdle(t, coordinator)

	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.LastSavedEditIndex, int64(1))
	assert.Equal(t, tracking.ServerVersion, int64(5))
	assert.Equal(t, tracking.LastSavedServerVersion, int64(5))

	persistence.SetUpdateVector(6)
	assert.Equal(t, coordinator.Trigger(3, testSaveContext), nil)
	assert.Equal(t, persistence.waitStarted(t), int64(3))

	assert.Equal(t, coordinator.Trigger(2, testSaveContext), nil)
	tracking = coordinator.Tracking()
	assert.Equal(t, tracking.PendingEditCount, int64(2))
	assert.Equal(t, tracking.SaveInProgress, true)

	persistence.Release()
	// exactly one follow-up for the live index
	assert.Equal(t, persistence.waitStarted(t), int64(3))
	persistence.Release()
	waitIdle(t, coordinator)

	assert.Equal(t, persistence.EditIndexes(), []int64{1, 3, 3})
	assert.Equal(t, persistence.MaxActive(), 1)
	tracking = coordinator.Tracking()
	assert.Equal(t, tracking.LastSavedEditIndex, int64(3))
	assert.Equal(t, tracking.ServerVersion, int64(6))
	assert.Equal(t, tracking.PendingEditCount, int64(0))
	assert.Equal(t, tracking.SaveInProgress, false)
}

func TestSaveSnapshotAtSendTime(t *testing.T) {
	persistence := newTestPersistence(true)
	graph := NewMemoryGraph("d1", "diagram")
	coordinator := NewSaveCoordinatorWithDefaults(persistence, graph)

	assert.Equal(t, graph.AddCell(testNode("a", "A")), nil)
	assert.Equal(t, coordinator.Trigger(coordinator.RecordEdit(), testSaveContext), nil)
	persistence.waitStarted(t)

	assert.Equal(t, graph.AddCell(testNode("b", "B")), nil)
	assert.Equal(t, coordinator.Trigger(coordinator.RecordEdit(), testSaveContext), nil)
	persistence.Release()
	persistence.waitStarted(t)
	persistence.Release()
	waitIdle(t, coordinator)

	persistence.stateLock.Lock()
	defer persistence.stateLock.Unlock()
	assert.Equal(t, len(persistence.saves), 2)
	assert.Equal(t, len(persistence.saves[0].Document.Cells), 1)
	assert.Equal(t, len(persistence.saves[1].Document.Cells), 2)
	assert.Equal(t, persistence.saves[1].ThreatModelId, "tm1")
	assert.Equal(t, persistence.saves[1].DiagramId, "d1")
}

func TestSaveQueueOverflow(t *testing.T) {
	persistence := newTestPersistence(false)
	settings := DefaultSaveCoordinatorSettings()
	settings.MaxQueueDepth = 3
	coordinator := NewSaveCoordinator(persistence, NewMemoryGraph("d1", "diagram"), settings)

	var reported error
	coordinator.AddErrorCallback(func(err error) {
		reported = err
	})

	err := coordinator.Trigger(5, testSaveContext)
	assert.Equal(t, errors.Is(err, ErrQueueOverflow), true)
	var connectionErr *ConnectionError
	assert.Equal(t, errors.As(err, &connectionErr), true)
	assert.Equal(t, connectionErr.Kind, ErrorKindQueueOverflow)
	assert.Equal(t, reported, err)
	assert.Equal(t, coordinator.Tracking(), SaveTracking{LocalEditIndex: 5})

	// a manual save covers the rejected edits and clears the overflow
	_, err = coordinator.ForceSave(context.Background(), testSaveContext)
	assert.Equal(t, err, nil)
	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.LastSavedEditIndex, int64(5))
	assert.Equal(t, tracking.SaveInProgress, false)

	assert.Equal(t, coordinator.Trigger(6, testSaveContext), nil)
	waitIdle(t, coordinator)
	assert.Equal(t, persistence.EditIndexes(), []int64{5, 6})
}

func TestSaveFailureResetsPending(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	saveErr := errors.New("503 Service Unavailable")
	errs := make(chan error, 4)
	coordinator.AddErrorCallback(func(err error) {
		errs <- err
	})
	saved := make(chan int64, 4)
	coordinator.AddSaveCallback(func(operation *SaveOperation, result *SaveResult) {
		saved <- operation.EditIndex
	})

	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	persistence.waitStarted(t)
	assert.Equal(t, coordinator.Trigger(2, testSaveContext), nil)
	assert.Equal(t, coordinator.Tracking().PendingEditCount, int64(2))

	persistence.SetErr(saveErr)
	persistence.Release()
	waitIdle(t, coordinator)

	select {
	case err := <-errs:
		assert.Equal(t, errors.Is(err, saveErr), true)
	case <-time.After(5 * time.Second):
		t.Fatal("error not reported")
	}
	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.SaveInProgress, false)
	assert.Equal(t, tracking.PendingEditCount, int64(0))
	assert.Equal(t, tracking.LastSavedEditIndex, int64(0))
	assert.Equal(t, tracking.LocalEditIndex, int64(2))
	assert.Equal(t, len(saved), 0)
	// no automatic retry
	assert.Equal(t, persistence.EditIndexes(), []int64{1})

	// the next trigger starts from the last good state
	persistence.SetErr(nil)
	assert.Equal(t, coordinator.Trigger(3, testSaveContext), nil)
	persistence.waitStarted(t)
	persistence.Release()
	waitIdle(t, coordinator)
	assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, int64(3))
	select {
	case editIndex := <-saved:
		assert.Equal(t, editIndex, int64(3))
	case <-time.After(5 * time.Second):
		t.Fatal("save not reported")
	}
}

func TestSaveUnsuccessfulResult(t *testing.T) {
	persistence := newTestPersistence(false)
	persistence.fail = true
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	result, err := coordinator.TriggerManualSave(context.Background(), testSaveContext)
	assert.Equal(t, result == nil, true)
	assert.Equal(t, errors.Is(err, ErrSaveFailed), true)
	assert.Equal(t, coordinator.Tracking().SaveInProgress, false)
}

func TestSaveServerVersionNeverRegresses(t *testing.T) {
	persistence := newTestPersistence(false)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	coordinator.UpdateServerUpdateVector(5)
	coordinator.UpdateServerUpdateVector(3)
	coordinator.UpdateServerUpdateVector(5)
	assert.Equal(t, coordinator.Tracking().ServerVersion, int64(5))

	// a save reports an older version
	persistence.SetUpdateVector(4)
	coordinator.RecordEdit()
	_, err := coordinator.TriggerManualSave(context.Background(), testSaveContext)
	assert.Equal(t, err, nil)
	tracking := coordinator.Tracking()
	assert.Equal(t, tracking.ServerVersion, int64(5))
	assert.Equal(t, tracking.LastSavedServerVersion, int64(4))

	persistence.stateLock.Lock()
	assert.Equal(t, persistence.saves[0].ServerVersion, int64(5))
	persistence.stateLock.Unlock()

	coordinator.UpdateServerUpdateVector(9)
	assert.Equal(t, coordinator.Tracking().ServerVersion, int64(9))
}

func TestSaveManualPolicy(t *testing.T) {
	persistence := newTestPersistence(false)
	settings := DefaultSaveCoordinatorSettings()
	settings.Policy = SavePolicyManual
	coordinator := NewSaveCoordinator(persistence, NewMemoryGraph("d1", "diagram"), settings)

	for range 3 {
		assert.Equal(t, coordinator.Trigger(coordinator.RecordEdit(), testSaveContext), nil)
	}
	assert.Equal(t, len(persistence.EditIndexes()), 0)
	assert.Equal(t, coordinator.Tracking().SaveInProgress, false)

	var saved *SaveOperation
	coordinator.AddSaveCallback(func(operation *SaveOperation, result *SaveResult) {
		saved = operation
		// tracking is updated before callbacks run
		assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, operation.EditIndex)
	})
	result, err := coordinator.TriggerManualSave(context.Background(), testSaveContext)
	assert.Equal(t, err, nil)
	assert.Equal(t, result.Success, true)
	assert.Equal(t, saved.Manual, true)
	assert.Equal(t, saved.EditIndex, int64(3))
	assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, int64(3))
}

func TestSaveAutoSaveDisabled(t *testing.T) {
	persistence := newTestPersistence(false)
	settings := DefaultSaveCoordinatorSettings()
	settings.AutoSave = false
	coordinator := NewSaveCoordinator(persistence, NewMemoryGraph("d1", "diagram"), settings)

	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	assert.Equal(t, coordinator.Tracking(), SaveTracking{})
	assert.Equal(t, len(persistence.EditIndexes()), 0)
}

func TestSaveIgnoresCoveredEdits(t *testing.T) {
	persistence := newTestPersistence(false)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	assert.Equal(t, coordinator.Trigger(4, testSaveContext), nil)
	waitIdle(t, coordinator)
	assert.Equal(t, coordinator.Trigger(4, testSaveContext), nil)
	assert.Equal(t, coordinator.Trigger(2, testSaveContext), nil)
	assert.Equal(t, coordinator.Tracking().SaveInProgress, false)
	assert.Equal(t, persistence.EditIndexes(), []int64{4})
}

func TestForceSaveWaitsForSaveInFlight(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	coordinator.RecordEdit()
	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	persistence.waitStarted(t)

	coordinator.RecordEdit()
	done := make(chan error, 1)
	go func() {
		_, err := coordinator.ForceSave(context.Background(), testSaveContext)
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("force save did not wait")
	case <-time.After(50 * time.Millisecond):
	}

	close(persistence.gate)
	select {
	case err := <-done:
		assert.Equal(t, err, nil)
	case <-time.After(5 * time.Second):
		t.Fatal("force save not done")
	}
	waitIdle(t, coordinator)

	assert.Equal(t, persistence.MaxActive(), 1)
	assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, int64(2))
}

func TestManualSaveContextDone(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	persistence.waitStarted(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := coordinator.TriggerManualSave(ctx, testSaveContext)
	assert.Equal(t, errors.Is(err, context.DeadlineExceeded), true)

	persistence.Release()
	waitIdle(t, coordinator)
	assert.Equal(t, persistence.EditIndexes(), []int64{1})
}

func TestSaveStop(t *testing.T) {
	persistence := newTestPersistence(true)
	coordinator := NewSaveCoordinatorWithDefaults(persistence, NewMemoryGraph("d1", "diagram"))

	assert.Equal(t, coordinator.Trigger(1, testSaveContext), nil)
	persistence.waitStarted(t)
	assert.Equal(t, coordinator.Trigger(2, testSaveContext), nil)

	coordinator.Stop()
	assert.Equal(t, coordinator.Trigger(3, testSaveContext), nil)

	// the save in flight completes, no follow-up runs
	persistence.Release()
	waitIdle(t, coordinator)
	assert.Equal(t, persistence.EditIndexes(), []int64{1})
	assert.Equal(t, coordinator.Tracking().LastSavedEditIndex, int64(1))
}
