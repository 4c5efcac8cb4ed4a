package collab

import (
	"context"
	"encoding/json"
	"fmt"
)

type diagramSaveData struct {
	ThreatModelId string  `json:"threat_model_id"`
	DiagramId     string  `json:"diagram_id"`
	Name          string  `json:"name,omitempty"`
	Cells         []*Cell `json:"cells"`
	EditIndex     int64   `json:"edit_index"`
	UpdateVector  int64   `json:"update_vector"`
	Manual        bool    `json:"manual,omitempty"`
}

type diagramSaveAckData struct {
	AckData
	UpdateVector *int64 `json:"update_vector,omitempty"`
}

// ConnectionPersistence saves over the collaboration connection with a `diagram_save` envelope.
// The save completes when the server acks it.
type ConnectionPersistence struct {
	sender Sender
}

func NewConnectionPersistence(sender Sender) *ConnectionPersistence {
	return &ConnectionPersistence{
		sender: sender,
	}
}

func (self *ConnectionPersistence) Save(ctx context.Context, operation *SaveOperation) (*SaveResult, error) {
	envelope, err := NewEnvelope(MessageTypeDiagramSave, &diagramSaveData{
		ThreatModelId: operation.ThreatModelId,
		DiagramId:     operation.DiagramId,
		Name:          operation.Document.Name,
		Cells:         operation.Document.Cells,
		EditIndex:     operation.EditIndex,
		UpdateVector:  operation.ServerVersion,
		Manual:        operation.Manual,
	})
	if err != nil {
		return nil, err
	}
	envelope.RequiresAck = true

	ack, err := self.sender.SendMessage(ctx, envelope)
	if err != nil {
		return nil, err
	}
	result := &SaveResult{
		Success: true,
	}
	if ack != nil && 0 < len(ack.Data) {
		var ackData diagramSaveAckData
		if err := json.Unmarshal(ack.Data, &ackData); err != nil {
			return nil, fmt.Errorf("decode save ack: %w", err)
		}
		result.UpdateVector = ackData.UpdateVector
	}
	return result, nil
}
