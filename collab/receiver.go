package collab

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/google/uuid"
)

// Applier applies remote operations to the local document
type Applier interface {
	ApplyOperations(operations []*CellOperation) error
}

// the typed event form of a remote operation,
// e.g. `{"message_type": "diagram_operation", "initiating_user": {...}, "operation": {"type": "patch", "cells": [...]}}`
type remoteOperationEvent struct {
	MessageType    string `json:"message_type"`
	InitiatingUser struct {
		UserId string `json:"user_id"`
		Email  string `json:"email,omitempty"`
	} `json:"initiating_user"`
	OperationId string `json:"operation_id,omitempty"`
	Operation   struct {
		Type  string           `json:"type"`
		Cells []*CellOperation `json:"cells"`
	} `json:"operation"`
	UpdateVector *int64 `json:"update_vector,omitempty"`
}

type RemoteOperationFunction = func(userId string, operations []*CellOperation)

// RemoteReceiver applies the operations of other participants.
// Local events fired while applying are marked as remote on the session,
// so the broadcaster does not send them back.
type RemoteReceiver struct {
	session *Session
	applier Applier
	// receives server versions carried by remote operations, may be nil
	coordinator *SaveCoordinator

	appliedCallbacks *CallbackList[RemoteOperationFunction]
	errorCallbacks   *CallbackList[SaveErrorFunction]
}

func NewRemoteReceiver(session *Session, applier Applier, coordinator *SaveCoordinator) *RemoteReceiver {
	return &RemoteReceiver{
		session:          session,
		applier:          applier,
		coordinator:      coordinator,
		appliedCallbacks: NewCallbackList[RemoteOperationFunction](),
		errorCallbacks:   NewCallbackList[SaveErrorFunction](),
	}
}

func (self *RemoteReceiver) AddAppliedCallback(callback RemoteOperationFunction) func() {
	callbackId := self.appliedCallbacks.Add(callback)
	return func() {
		self.appliedCallbacks.Remove(callbackId)
	}
}

func (self *RemoteReceiver) AddErrorCallback(callback SaveErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// Attach subscribes to both forms of remote operations on `manager`.
// The returned function detaches.
func (self *RemoteReceiver) Attach(manager *ConnectionManager) func() {
	removeEnvelope := manager.AddEnvelopeCallback(func(envelope *Envelope) {
		if envelope.Type != MessageTypeDiagramOperation {
			return
		}
		self.receiveEnvelope(envelope)
	})
	removeTypedEvent := manager.AddTypedEventCallback(string(MessageTypeDiagramOperation), self.receiveTypedEvent)
	return func() {
		removeEnvelope()
		removeTypedEvent()
	}
}

func (self *RemoteReceiver) receiveEnvelope(envelope *Envelope) {
	var batch OperationBatch
	if err := envelope.DecodeData(&batch); err != nil {
		self.fail(fmt.Errorf("decode %s %s: %w", envelope.Type, envelope.Id, err))
		return
	}
	if batch.SessionId != "" && batch.SessionId == self.session.SessionId {
		return
	}
	self.Apply(batch.UserId, batch.Operations, nil)
}

func (self *RemoteReceiver) receiveTypedEvent(typedEvent *TypedEvent) {
	var event remoteOperationEvent
	if err := typedEvent.Decode(&event); err != nil {
		self.fail(fmt.Errorf("decode %s: %w", typedEvent.MessageType, err))
		return
	}
	self.Apply(event.InitiatingUser.UserId, event.Operation.Cells, event.UpdateVector)
}

// Apply validates and applies the operations of `userId`.
// Operations of the local user are echoes and are skipped.
func (self *RemoteReceiver) Apply(userId string, operations []*CellOperation, updateVector *int64) error {
	if userId != "" && userId == self.session.UserId {
		glog.V(2).Infof("[r]skip own %d operations\n", len(operations))
		return nil
	}
	for _, operation := range operations {
		if err := ValidateCellOperation(operation); err != nil {
			err = fmt.Errorf("remote operation from %s: %w", userId, err)
			self.fail(err)
			return err
		}
	}

	err := self.session.ApplyRemote(func() error {
		return self.applier.ApplyOperations(operations)
	})
	if err != nil {
		err = fmt.Errorf("apply remote operation from %s: %w", userId, err)
		self.fail(err)
		return err
	}
	glog.V(1).Infof("[r]applied %d operations from %s\n", len(operations), userId)

	if updateVector != nil && self.coordinator != nil {
		self.coordinator.UpdateServerUpdateVector(*updateVector)
	}
	for _, callback := range self.appliedCallbacks.Get() {
		HandleError(func() {
			callback(userId, operations)
		})
	}
	return nil
}

func (self *RemoteReceiver) fail(err error) {
	glog.Infof("[r]%s\n", err)
	for _, callback := range self.errorCallbacks.Get() {
		HandleError(func() {
			callback(err)
		})
	}
}

// ValidateCellOperation checks the shape of an inbound operation. Cell ids are uuids.
func ValidateCellOperation(operation *CellOperation) error {
	if operation == nil {
		return errors.New("empty operation")
	}
	if _, err := uuid.Parse(operation.Id); err != nil {
		return fmt.Errorf("invalid cell id %q: %w", operation.Id, err)
	}
	switch operation.Operation {
	case OperationAdd:
		if len(operation.Data) == 0 {
			return fmt.Errorf("add %s requires cell data", operation.Id)
		}
	case OperationUpdate:
		if len(operation.Data) == 0 {
			return fmt.Errorf("update %s requires changed fields", operation.Id)
		}
	case OperationRemove:
	default:
		return fmt.Errorf("invalid operation type %q", operation.Operation)
	}
	return nil
}

// RemoteOperationFrame builds the typed event form of a remote operation, as the server relays it
func RemoteOperationFrame(userId string, operations []*CellOperation, updateVector *int64) ([]byte, error) {
	event := remoteOperationEvent{
		MessageType:  string(MessageTypeDiagramOperation),
		OperationId:  uuid.NewString(),
		UpdateVector: updateVector,
	}
	event.InitiatingUser.UserId = userId
	event.Operation.Type = "patch"
	event.Operation.Cells = operations
	return json.Marshal(&event)
}
