package collab

import (
	"encoding/json"
	"fmt"
	"strings"
)

type OperationType string

const (
	OperationAdd    OperationType = "add"
	OperationUpdate OperationType = "update"
	OperationRemove OperationType = "remove"
)

// CellOperation is one semantic change to one diagram cell.
// `Data` is the full cell for add, the changed fields for update, and empty for remove.
type CellOperation struct {
	Id        string         `json:"id"`
	Operation OperationType  `json:"operation"`
	Data      map[string]any `json:"data,omitempty"`
}

// named fields of an update
const (
	FieldPosition = "position"
	FieldSize     = "size"
	FieldLabel    = "label"
	FieldSource   = "source"
	FieldTarget   = "target"
	FieldVertices = "vertices"
	FieldAttrs    = "attrs"
)

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type Size struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

type Endpoint struct {
	Cell string `json:"cell"`
	Port string `json:"port,omitempty"`
}

// Cell is a node or an edge. An edge has a source or a target.
type Cell struct {
	Id       string         `json:"id"`
	Shape    string         `json:"shape"`
	Position *Point         `json:"position,omitempty"`
	Size     *Size          `json:"size,omitempty"`
	Source   *Endpoint      `json:"source,omitempty"`
	Target   *Endpoint      `json:"target,omitempty"`
	Vertices []Point        `json:"vertices,omitempty"`
	Attrs    map[string]any `json:"attrs,omitempty"`
	ZIndex   int            `json:"zIndex,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

func (self *Cell) IsEdge() bool {
	return self.Source != nil || self.Target != nil
}

func (self *Cell) Label() string {
	return attrsLabel(self.Attrs)
}

// SetLabel writes the label where `Label` reads it
func (self *Cell) SetLabel(label string) {
	if self.Attrs == nil {
		self.Attrs = map[string]any{}
	}
	text, ok := self.Attrs["text"].(map[string]any)
	if !ok {
		text = map[string]any{}
	}
	text["text"] = label
	self.Attrs["text"] = text
}

// Serialize returns the json object form of the cell
func (self *Cell) Serialize() (map[string]any, error) {
	return toJsonObject(self)
}

func (self *Cell) Clone() *Cell {
	b, err := json.Marshal(self)
	if err != nil {
		panic(err)
	}
	clone := &Cell{}
	if err := json.Unmarshal(b, clone); err != nil {
		panic(err)
	}
	return clone
}

func CellFromData(data map[string]any) (*Cell, error) {
	cell := &Cell{}
	if err := fromJsonObject(data, cell); err != nil {
		return nil, fmt.Errorf("decode cell: %w", err)
	}
	return cell, nil
}

// the label is `attrs.text.text`, or `attrs.label.text` for shapes that name it so
func attrsLabel(attrs any) string {
	attrsMap, ok := attrs.(map[string]any)
	if !ok {
		return ""
	}
	for _, key := range []string{"text", "label"} {
		if labelAttrs, ok := attrsMap[key].(map[string]any); ok {
			if label, ok := labelAttrs["text"].(string); ok {
				return label
			}
		}
	}
	return ""
}

func toJsonObject(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	object := map[string]any{}
	if err := json.Unmarshal(b, &object); err != nil {
		return nil, err
	}
	return object, nil
}

func fromJsonObject(value any, v any) error {
	b, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

type GraphEventType string

// local editor mutation events
const (
	GraphEventCellAdded     GraphEventType = "cell:added"
	GraphEventCellRemoved   GraphEventType = "cell:removed"
	GraphEventCellChanged   GraphEventType = "cell:changed"
	GraphEventEdgeConnected GraphEventType = "edge:connected"
)

// GraphEvent is one mutation of the local graph.
// For `GraphEventCellChanged`, `Key` names the changed attribute. For
// `GraphEventEdgeConnected`, `Key` is `source` or `target` and `Current` is the new `*Endpoint`.
type GraphEvent struct {
	Type     GraphEventType
	CellId   string
	Cell     *Cell
	Key      string
	Current  any
	Previous any
	// an intermediate value of an in progress drag or resize gesture
	Intermediate bool
}

func (self *GraphEvent) cellId() string {
	if self.CellId != "" {
		return self.CellId
	}
	if self.Cell != nil {
		return self.Cell.Id
	}
	return ""
}

type GraphEventFunction = func(event *GraphEvent)

// Graph is the observable local mutation source.
// `On` returns the function that unregisters the handler.
type Graph interface {
	On(eventType GraphEventType, handler GraphEventFunction) func()
}

// ConvertGraphEvent converts a local mutation into the operation that carries its semantics.
// Events without a cell id fail with `ErrMissingCellId`.
func ConvertGraphEvent(event *GraphEvent) (*CellOperation, error) {
	cellId := event.cellId()
	if cellId == "" {
		return nil, fmt.Errorf("%s: %w", event.Type, ErrMissingCellId)
	}

	switch event.Type {
	case GraphEventCellAdded:
		if event.Cell == nil {
			return nil, fmt.Errorf("%s %s: %w", event.Type, cellId, ErrMissingCell)
		}
		data, err := event.Cell.Serialize()
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", event.Type, cellId, err)
		}
		return &CellOperation{
			Id:        cellId,
			Operation: OperationAdd,
			Data:      data,
		}, nil

	case GraphEventCellRemoved:
		return &CellOperation{
			Id:        cellId,
			Operation: OperationRemove,
		}, nil

	case GraphEventCellChanged, GraphEventEdgeConnected:
		field, value, err := changedField(event)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", event.Type, cellId, err)
		}
		return &CellOperation{
			Id:        cellId,
			Operation: OperationUpdate,
			Data: map[string]any{
				field: value,
			},
		}, nil

	default:
		return nil, fmt.Errorf("unknown event type %q", event.Type)
	}
}

// maps a change key onto its named field. Unknown keys pass through verbatim.
func changedField(event *GraphEvent) (string, any, error) {
	switch event.Key {
	case FieldPosition, FieldSize, FieldSource, FieldTarget, FieldVertices:
		value, err := jsonValue(event.Current)
		return event.Key, value, err
	case FieldAttrs:
		return FieldLabel, attrsLabel(event.Current), nil
	case FieldLabel, "labels":
		value, err := jsonValue(event.Current)
		return FieldLabel, value, err
	case "":
		return "", nil, fmt.Errorf("change without key")
	default:
		if isLabelTextKey(event.Key) {
			value, err := jsonValue(event.Current)
			return FieldLabel, value, err
		}
		value, err := jsonValue(event.Current)
		return event.Key, value, err
	}
}

// attrs/<selector>/text, e.g. attrs/text/text
func isLabelTextKey(key string) bool {
	parts := strings.Split(key, "/")
	return len(parts) == 3 && parts[0] == FieldAttrs && parts[1] != "" && parts[2] == "text"
}

// normalizes typed values (e.g. `*Point`) into their json form
func jsonValue(value any) (any, error) {
	switch value.(type) {
	case nil, string, bool, float64, int, int64, map[string]any, []any:
		return value, nil
	}
	b, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
