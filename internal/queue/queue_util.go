package queue

func NewEmptyState() State {
	return State{Queue: []Item{}}
}

// Clone returns a deep copy so callers can hand states across goroutines.
func (s State) Clone() State {
	out := State{Queue: cloneItems(s.Queue), Version: s.Version}
	if s.CurrentClimbQueueItem != nil {
		cur := cloneItem(*s.CurrentClimbQueueItem)
		out.CurrentClimbQueueItem = &cur
	}
	return out
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}

// StampVersion sets the produced version on every event, including FullSync snapshots.
func StampVersion(events []Event, version int64) {
	for i := range events {
		events[i].Version = version
		if events[i].State != nil {
			events[i].State.Version = version
		}
	}
}

// DropsCurrent reports whether replacing prev with next removes the current
// climb from the queue. A current climb that was never queued is not dropped.
func DropsCurrent(prev, next []Item, current *Item) bool {
	if current == nil {
		return false
	}
	return indexOf(prev, current.UUID) >= 0 && indexOf(next, current.UUID) < 0
}

func indexOf(items []Item, uuid string) int {
	for i := range items {
		if items[i].UUID == uuid {
			return i
		}
	}
	return -1
}

func insertAt(items []Item, pos int, item Item) []Item {
	items = append(items, Item{})
	copy(items[pos+1:], items[pos:])
	items[pos] = item
	return items
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i := range items {
		out[i] = cloneItem(items[i])
	}
	return out
}

func cloneItem(it Item) Item {
	out := it
	if it.TickedBy != nil {
		out.TickedBy = append([]string(nil), it.TickedBy...)
	}
	if it.Climb.HoldMap != nil {
		out.Climb.HoldMap = make(map[string]string, len(it.Climb.HoldMap))
		for k, v := range it.Climb.HoldMap {
			out.Climb.HoldMap[k] = v
		}
	}
	return out
}
