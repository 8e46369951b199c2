package queue

import (
	"unicode"

	"github.com/DoyleJ11/board-session-sync/internal/apperr"
)

const (
	DefaultMaxQueueSize = 500
	MaxIdentifierLength = 128
)

// ValidIdentifier reports whether id is usable as a uuid, session id or connection id.
func ValidIdentifier(id string) bool {
	if id == "" || len(id) > MaxIdentifierLength {
		return false
	}
	for _, r := range id {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func ValidateItem(it Item) error {
	if !ValidIdentifier(it.UUID) {
		return apperr.Validation("invalid queue item uuid %q", it.UUID)
	}
	return nil
}

// Validate rejects states that must never be written: oversized queues,
// duplicate uuids, malformed items.
func Validate(s State, maxQueueSize int) error {
	if maxQueueSize <= 0 {
		maxQueueSize = DefaultMaxQueueSize
	}
	if len(s.Queue) > maxQueueSize {
		return apperr.Validation("queue has %d items, limit is %d", len(s.Queue), maxQueueSize)
	}
	for _, it := range s.Queue {
		if err := ValidateItem(it); err != nil {
			return err
		}
	}
	if err := validateUnique(s.Queue); err != nil {
		return err
	}
	if s.CurrentClimbQueueItem != nil {
		return ValidateItem(*s.CurrentClimbQueueItem)
	}
	return nil
}

func validateUnique(items []Item) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if _, dup := seen[it.UUID]; dup {
			return apperr.Validation("duplicate queue item uuid %q", it.UUID)
		}
		seen[it.UUID] = struct{}{}
	}
	return nil
}
