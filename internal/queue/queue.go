package queue

import (
	"reflect"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

var ErrItemRequired = apperr.Validation("queue item is required")
var ErrNoCurrentClimb = apperr.Validation("no current climb to mirror")
var ErrUnsupportedCommand = apperr.Validation("unsupported queue command")

// Climb is the denormalized snapshot of a climb as it was when queued.
type Climb struct {
	UUID       string            `json:"uuid"`
	Name       string            `json:"name"`
	Angle      int               `json:"angle"`
	Frames     string            `json:"frames"`
	HoldMap    map[string]string `json:"holdMap,omitempty"`
	Mirrored   bool              `json:"mirrored"`
	Difficulty string            `json:"difficulty,omitempty"`
	Setter     string            `json:"setter,omitempty"`
}

// Item is one entry in a session queue (a ClimbQueueItem).
type Item struct {
	UUID      string   `json:"uuid"`
	Climb     Climb    `json:"climb"`
	AddedBy   string   `json:"addedBy,omitempty"`
	TickedBy  []string `json:"tickedBy,omitempty"`
	Suggested bool     `json:"suggested,omitempty"`
}

// State is the versioned queue/current-climb pair of a session.
type State struct {
	Queue                 []Item `json:"queue"`
	CurrentClimbQueueItem *Item  `json:"currentClimbQueueItem"`
	Version               int64  `json:"version"`
}

type CommandType string

const (
	CmdAddItem       CommandType = "AddQueueItem"
	CmdRemoveItem    CommandType = "RemoveQueueItem"
	CmdReorderItem   CommandType = "ReorderQueueItem"
	CmdSetCurrent    CommandType = "SetCurrentClimb"
	CmdMirrorCurrent CommandType = "MirrorCurrentClimb"
	CmdReplaceItem   CommandType = "ReplaceQueueItem"
	CmdSetQueue      CommandType = "SetQueue"
)

/*
	CmdAddItem       -> QueueItemAdded (nothing if the uuid is already queued)
	CmdRemoveItem    -> QueueItemRemoved [-> CurrentClimbChanged(nil) when it was current]
	CmdReorderItem   -> QueueReordered
	CmdSetCurrent    -> [QueueItemAdded ->] CurrentClimbChanged
	CmdMirrorCurrent -> ClimbMirrored
	CmdReplaceItem   -> FullSync
	CmdSetQueue      -> FullSync (current cleared when the new queue drops it)
*/

type Command struct {
	Type       CommandType
	Item       *Item
	UUID       string
	Position   *int
	OldIndex   int
	NewIndex   int
	AddToQueue bool
	Mirrored   bool
	Queue      []Item
	Current    *Item
}

type EventType string

const (
	EvtFullSync            EventType = "FullSync"
	EvtQueueItemAdded      EventType = "QueueItemAdded"
	EvtQueueItemRemoved    EventType = "QueueItemRemoved"
	EvtQueueReordered      EventType = "QueueReordered"
	EvtCurrentClimbChanged EventType = "CurrentClimbChanged"
	EvtClimbMirrored       EventType = "ClimbMirrored"
)

// Event describes one change to a session's queue state. Version is the
// state version the change produced; it is stamped after the write lands.
type Event struct {
	Type     EventType `json:"type"`
	Version  int64     `json:"version"`
	State    *State    `json:"state,omitempty"`
	Item     *Item     `json:"item,omitempty"`
	UUID     string    `json:"uuid,omitempty"`
	Position int       `json:"position"`
	OldIndex int       `json:"oldIndex"`
	NewIndex int       `json:"newIndex"`
	Mirrored bool      `json:"mirrored"`
}

// Apply computes the events and next state for cmd against s. It never
// mutates s and never touches the version. An empty event list with a nil
// error means the command was already in effect and nothing needs writing.
func Apply(s State, cmd Command) ([]Event, State, error) {
	newState := s.Clone()

	switch cmd.Type {
	case CmdAddItem:
		if cmd.Item == nil {
			return nil, s, ErrItemRequired
		}
		if err := ValidateItem(*cmd.Item); err != nil {
			return nil, s, err
		}
		// Idempotent: a retry after a conflict must not queue the climb twice.
		if indexOf(s.Queue, cmd.Item.UUID) >= 0 {
			return nil, s, nil
		}
		pos := len(newState.Queue)
		if cmd.Position != nil && *cmd.Position >= 0 && *cmd.Position <= len(newState.Queue) {
			pos = *cmd.Position
		}
		item := cloneItem(*cmd.Item)
		newState.Queue = insertAt(newState.Queue, pos, item)
		return []Event{{Type: EvtQueueItemAdded, Item: &item, Position: pos}}, newState, nil

	case CmdRemoveItem:
		idx := indexOf(s.Queue, cmd.UUID)
		if idx < 0 {
			return nil, s, nil
		}
		newState.Queue = append(newState.Queue[:idx], newState.Queue[idx+1:]...)
		events := []Event{{Type: EvtQueueItemRemoved, UUID: cmd.UUID}}
		if s.CurrentClimbQueueItem != nil && s.CurrentClimbQueueItem.UUID == cmd.UUID {
			newState.CurrentClimbQueueItem = nil
			events = append(events, Event{Type: EvtCurrentClimbChanged})
		}
		return events, newState, nil

	case CmdReorderItem:
		if cmd.OldIndex < 0 || cmd.NewIndex < 0 {
			return nil, s, apperr.Validation("reorder indexes must be non-negative")
		}
		// The client's oldIndex may be stale; trust the uuid and recompute.
		from := indexOf(s.Queue, cmd.UUID)
		if from < 0 {
			return nil, s, nil
		}
		to := min(cmd.NewIndex, len(s.Queue)-1)
		if from == to {
			return nil, s, nil
		}
		item := newState.Queue[from]
		newState.Queue = append(newState.Queue[:from], newState.Queue[from+1:]...)
		newState.Queue = insertAt(newState.Queue, to, item)
		return []Event{{Type: EvtQueueReordered, UUID: cmd.UUID, OldIndex: from, NewIndex: to}}, newState, nil

	case CmdSetCurrent:
		if cmd.Item == nil {
			// Clearing the current climb leaves the queue untouched.
			if s.CurrentClimbQueueItem == nil {
				return nil, s, nil
			}
			newState.CurrentClimbQueueItem = nil
			return []Event{{Type: EvtCurrentClimbChanged}}, newState, nil
		}
		if err := ValidateItem(*cmd.Item); err != nil {
			return nil, s, err
		}
		if s.CurrentClimbQueueItem != nil && reflect.DeepEqual(*s.CurrentClimbQueueItem, *cmd.Item) {
			return nil, s, nil
		}
		var events []Event
		if cmd.AddToQueue && indexOf(s.Queue, cmd.Item.UUID) < 0 {
			pos := len(newState.Queue)
			if s.CurrentClimbQueueItem != nil {
				if cur := indexOf(s.Queue, s.CurrentClimbQueueItem.UUID); cur >= 0 {
					pos = cur + 1
				}
			}
			added := cloneItem(*cmd.Item)
			newState.Queue = insertAt(newState.Queue, pos, added)
			events = append(events, Event{Type: EvtQueueItemAdded, Item: &added, Position: pos})
		}
		current := cloneItem(*cmd.Item)
		newState.CurrentClimbQueueItem = &current
		events = append(events, Event{Type: EvtCurrentClimbChanged, Item: &current})
		return events, newState, nil

	case CmdMirrorCurrent:
		if s.CurrentClimbQueueItem == nil {
			return nil, s, ErrNoCurrentClimb
		}
		if s.CurrentClimbQueueItem.Climb.Mirrored == cmd.Mirrored {
			return nil, s, nil
		}
		newState.CurrentClimbQueueItem.Climb.Mirrored = cmd.Mirrored
		if idx := indexOf(newState.Queue, s.CurrentClimbQueueItem.UUID); idx >= 0 {
			newState.Queue[idx].Climb.Mirrored = cmd.Mirrored
		}
		return []Event{{Type: EvtClimbMirrored, UUID: s.CurrentClimbQueueItem.UUID, Mirrored: cmd.Mirrored}}, newState, nil

	case CmdReplaceItem:
		if cmd.Item == nil {
			return nil, s, ErrItemRequired
		}
		if err := ValidateItem(*cmd.Item); err != nil {
			return nil, s, err
		}
		idx := indexOf(s.Queue, cmd.UUID)
		if idx < 0 {
			return nil, s, apperr.NotFound("queue item %s not found", cmd.UUID)
		}
		if cmd.Item.UUID != cmd.UUID && indexOf(s.Queue, cmd.Item.UUID) >= 0 {
			return nil, s, apperr.Validation("queue item %s already exists", cmd.Item.UUID)
		}
		replacement := cloneItem(*cmd.Item)
		newState.Queue[idx] = replacement
		if s.CurrentClimbQueueItem != nil && s.CurrentClimbQueueItem.UUID == cmd.UUID {
			current := cloneItem(replacement)
			newState.CurrentClimbQueueItem = &current
		}
		return []Event{fullSync(newState)}, newState, nil

	case CmdSetQueue:
		newState.Queue = cloneItems(cmd.Queue)
		if cmd.Current != nil {
			current := cloneItem(*cmd.Current)
			newState.CurrentClimbQueueItem = &current
		} else if DropsCurrent(s.Queue, newState.Queue, s.CurrentClimbQueueItem) {
			newState.CurrentClimbQueueItem = nil
		}
		if err := validateUnique(newState.Queue); err != nil {
			return nil, s, err
		}
		for _, it := range newState.Queue {
			if err := ValidateItem(it); err != nil {
				return nil, s, err
			}
		}
		return []Event{fullSync(newState)}, newState, nil
	}

	return nil, s, ErrUnsupportedCommand
}

func fullSync(s State) Event {
	snapshot := s.Clone()
	return Event{Type: EvtFullSync, State: &snapshot}
}
