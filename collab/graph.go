package collab

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/exp/maps"
)

// MemoryGraph is an in-process diagram that emits mutation events.
// It is the local editor for headless clients and tests, a `DocumentSource` for
// the save coordinator, and an `Applier` for remote operations.
type MemoryGraph struct {
	diagramId string
	name      string

	stateLock sync.Mutex
	cells     map[string]*Cell
	// cell ids in insertion order
	order []string

	handlers map[GraphEventType]*CallbackList[GraphEventFunction]
}

func NewMemoryGraph(diagramId string, name string) *MemoryGraph {
	return &MemoryGraph{
		diagramId: diagramId,
		name:      name,
		cells:     map[string]*Cell{},
		handlers: map[GraphEventType]*CallbackList[GraphEventFunction]{
			GraphEventCellAdded:     NewCallbackList[GraphEventFunction](),
			GraphEventCellRemoved:   NewCallbackList[GraphEventFunction](),
			GraphEventCellChanged:   NewCallbackList[GraphEventFunction](),
			GraphEventEdgeConnected: NewCallbackList[GraphEventFunction](),
		},
	}
}

func (self *MemoryGraph) On(eventType GraphEventType, handler GraphEventFunction) func() {
	callbacks, ok := self.handlers[eventType]
	if !ok {
		return func() {}
	}
	callbackId := callbacks.Add(handler)
	return func() {
		callbacks.Remove(callbackId)
	}
}

// HandlerCount is the number of registered handlers for all event types
func (self *MemoryGraph) HandlerCount() int {
	count := 0
	for _, callbacks := range self.handlers {
		count += callbacks.Len()
	}
	return count
}

func (self *MemoryGraph) emit(event *GraphEvent) {
	for _, handler := range self.handlers[event.Type].Get() {
		HandleError(func() {
			handler(event)
		})
	}
}

func (self *MemoryGraph) Cell(cellId string) (*Cell, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	cell, ok := self.cells[cellId]
	if !ok {
		return nil, false
	}
	return cell.Clone(), true
}

// Cells returns copies of all cells in insertion order
func (self *MemoryGraph) Cells() []*Cell {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	cells := make([]*Cell, 0, len(self.order))
	for _, cellId := range self.order {
		cells = append(cells, self.cells[cellId].Clone())
	}
	return cells
}

func (self *MemoryGraph) Snapshot(ctx context.Context) (*DiagramDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &DiagramDocument{
		DiagramId: self.diagramId,
		Name:      self.name,
		Cells:     self.Cells(),
	}, nil
}

// Load replaces the content without emitting events
func (self *MemoryGraph) Load(document *DiagramDocument) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cells = map[string]*Cell{}
	self.order = nil
	for _, cell := range document.Cells {
		self.cells[cell.Id] = cell.Clone()
		self.order = append(self.order, cell.Id)
	}
}

func (self *MemoryGraph) AddCell(cell *Cell) error {
	if cell.Id == "" {
		return ErrMissingCellId
	}
	self.stateLock.Lock()
	if _, ok := self.cells[cell.Id]; ok {
		self.stateLock.Unlock()
		return fmt.Errorf("cell %s already exists", cell.Id)
	}
	added := cell.Clone()
	self.cells[cell.Id] = added
	self.order = append(self.order, cell.Id)
	self.stateLock.Unlock()

	self.emit(&GraphEvent{
		Type:   GraphEventCellAdded,
		CellId: cell.Id,
		Cell:   added.Clone(),
	})
	return nil
}

func (self *MemoryGraph) RemoveCell(cellId string) error {
	self.stateLock.Lock()
	cell, ok := self.cells[cellId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("cell %s does not exist", cellId)
	}
	delete(self.cells, cellId)
	self.order = slices.DeleteFunc(self.order, func(id string) bool {
		return id == cellId
	})
	self.stateLock.Unlock()

	self.emit(&GraphEvent{
		Type:   GraphEventCellRemoved,
		CellId: cellId,
		Cell:   cell,
	})
	return nil
}

// change applies `update` to the stored cell and emits one event for `key`
func (self *MemoryGraph) change(
	eventType GraphEventType,
	cellId string,
	key string,
	intermediate bool,
	update func(cell *Cell) (current any, previous any),
) error {
	self.stateLock.Lock()
	cell, ok := self.cells[cellId]
	if !ok {
		self.stateLock.Unlock()
		return fmt.Errorf("cell %s does not exist", cellId)
	}
	current, previous := update(cell)
	changed := cell.Clone()
	self.stateLock.Unlock()

	self.emit(&GraphEvent{
		Type:         eventType,
		CellId:       cellId,
		Cell:         changed,
		Key:          key,
		Current:      current,
		Previous:     previous,
		Intermediate: intermediate,
	})
	return nil
}

// SetPosition moves a node. `intermediate` marks a value of a drag in progress.
func (self *MemoryGraph) SetPosition(cellId string, position Point, intermediate bool) error {
	return self.change(GraphEventCellChanged, cellId, FieldPosition, intermediate, func(cell *Cell) (any, any) {
		previous := cell.Position
		cell.Position = &position
		return &position, previous
	})
}

func (self *MemoryGraph) SetSize(cellId string, size Size, intermediate bool) error {
	return self.change(GraphEventCellChanged, cellId, FieldSize, intermediate, func(cell *Cell) (any, any) {
		previous := cell.Size
		cell.Size = &size
		return &size, previous
	})
}

func (self *MemoryGraph) SetAttrs(cellId string, attrs map[string]any) error {
	return self.change(GraphEventCellChanged, cellId, FieldAttrs, false, func(cell *Cell) (any, any) {
		previous := cell.Attrs
		cell.Attrs = cloneAttrs(attrs)
		return cloneAttrs(cell.Attrs), previous
	})
}

func (self *MemoryGraph) SetLabel(cellId string, label string) error {
	return self.change(GraphEventCellChanged, cellId, FieldAttrs, false, func(cell *Cell) (any, any) {
		previous := cloneAttrs(cell.Attrs)
		cell.SetLabel(label)
		return cloneAttrs(cell.Attrs), previous
	})
}

// SetTerminal rebinds the `source` or `target` of an edge
func (self *MemoryGraph) SetTerminal(cellId string, terminal string, endpoint Endpoint) error {
	if terminal != FieldSource && terminal != FieldTarget {
		return fmt.Errorf("unknown terminal %q", terminal)
	}
	return self.change(GraphEventEdgeConnected, cellId, terminal, false, func(cell *Cell) (any, any) {
		var previous *Endpoint
		if terminal == FieldSource {
			previous = cell.Source
			cell.Source = &endpoint
		} else {
			previous = cell.Target
			cell.Target = &endpoint
		}
		return &endpoint, previous
	})
}

func (self *MemoryGraph) SetVertices(cellId string, vertices []Point) error {
	return self.change(GraphEventCellChanged, cellId, FieldVertices, false, func(cell *Cell) (any, any) {
		previous := cell.Vertices
		cell.Vertices = slices.Clone(vertices)
		return slices.Clone(vertices), previous
	})
}

// SetProperty sets any other property, e.g. `zIndex` or a custom data key
func (self *MemoryGraph) SetProperty(cellId string, key string, value any) error {
	return self.change(GraphEventCellChanged, cellId, key, false, func(cell *Cell) (any, any) {
		if key == "zIndex" {
			previous := cell.ZIndex
			if zIndex, ok := value.(int); ok {
				cell.ZIndex = zIndex
			} else if zIndex, ok := value.(float64); ok {
				cell.ZIndex = int(zIndex)
			}
			return value, previous
		}
		if cell.Data == nil {
			cell.Data = map[string]any{}
		}
		previous := cell.Data[key]
		cell.Data[key] = value
		return value, previous
	})
}

// ApplyOperations applies remote operations in order.
// Each applied operation emits the same events as the equivalent local edit.
func (self *MemoryGraph) ApplyOperations(operations []*CellOperation) error {
	for _, operation := range operations {
		if err := self.applyOperation(operation); err != nil {
			return fmt.Errorf("%s %s: %w", operation.Operation, operation.Id, err)
		}
	}
	return nil
}

func (self *MemoryGraph) applyOperation(operation *CellOperation) error {
	switch operation.Operation {
	case OperationAdd:
		cell, err := CellFromData(operation.Data)
		if err != nil {
			return err
		}
		if cell.Id == "" {
			cell.Id = operation.Id
		}
		return self.AddCell(cell)

	case OperationRemove:
		return self.RemoveCell(operation.Id)

	case OperationUpdate:
		// apply fields in a stable order
		fields := maps.Keys(operation.Data)
		slices.Sort(fields)
		for _, field := range fields {
			if err := self.applyField(operation.Id, field, operation.Data[field]); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unknown operation %q", operation.Operation)
	}
}

func (self *MemoryGraph) applyField(cellId string, field string, value any) error {
	switch field {
	case FieldPosition:
		var position Point
		if err := fromJsonObject(value, &position); err != nil {
			return err
		}
		return self.SetPosition(cellId, position, false)
	case FieldSize:
		var size Size
		if err := fromJsonObject(value, &size); err != nil {
			return err
		}
		return self.SetSize(cellId, size, false)
	case FieldLabel:
		label, _ := value.(string)
		return self.SetLabel(cellId, label)
	case FieldSource, FieldTarget:
		var endpoint Endpoint
		if err := fromJsonObject(value, &endpoint); err != nil {
			return err
		}
		return self.SetTerminal(cellId, field, endpoint)
	case FieldVertices:
		var vertices []Point
		if err := fromJsonObject(value, &vertices); err != nil {
			return err
		}
		return self.SetVertices(cellId, vertices)
	default:
		return self.SetProperty(cellId, field, value)
	}
}

func cloneAttrs(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	cloned := maps.Clone(attrs)
	for key, value := range cloned {
		if nested, ok := value.(map[string]any); ok {
			cloned[key] = cloneAttrs(nested)
		}
	}
	return cloned
}
