package offline

import (
	"cmp"
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/rollcall/go/internal/models"
)

// MemoryQueue is a Queue that does not survive a restart.
type MemoryQueue struct {
	mu      sync.Mutex
	changes map[string]map[Target]PendingChange
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{changes: make(map[string]map[Target]PendingChange)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, c PendingChange) (PendingChange, error) {
	if err := validate(c); err != nil {
		return PendingChange{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	byTarget, ok := q.changes[c.Owner]
	if !ok {
		byTarget = make(map[Target]PendingChange)
		q.changes[c.Owner] = byTarget
	}
	if old, ok := byTarget[c.Target]; ok {
		c.ID = old.ID
		c.BaseUpdatedAt = old.BaseUpdatedAt
	} else if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.Attempts = 0
	c.RequestID = ""
	byTarget[c.Target] = c
	return c, nil
}

func (q *MemoryQueue) Get(_ context.Context, owner string, target Target) (PendingChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.changes[owner][target]
	if !ok {
		return PendingChange{}, ErrNotQueued
	}
	return c, nil
}

func (q *MemoryQueue) List(_ context.Context, owner string, key models.RoomKey) ([]PendingChange, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []PendingChange
	for t, c := range q.changes[owner] {
		if t.RoomKey == key {
			out = append(out, c)
		}
	}
	sortChanges(out)
	return out, nil
}

func (q *MemoryQueue) Rooms(_ context.Context, owner string) ([]models.RoomKey, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []models.RoomKey
	for t := range q.changes[owner] {
		if !slices.Contains(out, t.RoomKey) {
			out = append(out, t.RoomKey)
		}
	}
	slices.SortFunc(out, compareRoomKeys)
	return out, nil
}

func (q *MemoryQueue) MarkSent(_ context.Context, owner string, target Target, requestID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.changes[owner][target]
	if !ok {
		return ErrNotQueued
	}
	c.Attempts++
	c.RequestID = requestID
	q.changes[owner][target] = c
	return nil
}

func (q *MemoryQueue) Remove(_ context.Context, owner string, target Target) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.changes[owner], target)
	if len(q.changes[owner]) == 0 {
		delete(q.changes, owner)
	}
	return nil
}

func (q *MemoryQueue) Close() error { return nil }

// sortChanges orders changes by queue time, then target.
func sortChanges(cs []PendingChange) {
	slices.SortFunc(cs, func(a, b PendingChange) int {
		return cmp.Or(
			a.QueuedAt.Compare(b.QueuedAt),
			cmp.Compare(a.Target.Kind, b.Target.Kind),
			cmp.Compare(a.Target.Subject, b.Target.Subject),
		)
	})
}

func compareRoomKeys(a, b models.RoomKey) int {
	return cmp.Or(cmp.Compare(a.GatheringID, b.GatheringID), cmp.Compare(a.Date, b.Date))
}
