package delivery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used in tests and single-node
// development setups. It honors the same durability laws as the redis
// store but obviously does not survive a restart.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	failing bool
}

type memoryRecord struct {
	event       Event
	delivered   bool
	deliveredAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*memoryRecord)}
}

// SetFailing makes every subsequent call return ErrStorageUnavailable,
// for exercising storage-outage paths in tests.
func (s *MemoryStore) SetFailing(failing bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = failing
}

func (s *MemoryStore) PersistEvent(_ context.Context, principal, eventType string, payload []byte, createdAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return "", ErrStorageUnavailable
	}

	id := uuid.NewString()
	s.records[id] = &memoryRecord{
		event: Event{
			DeliveryID: id,
			Principal:  principal,
			Type:       eventType,
			Payload:    append([]byte(nil), payload...),
			CreatedAt:  createdAt,
		},
	}
	return id, nil
}

func (s *MemoryStore) LoadUndelivered(_ context.Context, principal string, max int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return nil, ErrStorageUnavailable
	}

	var out []Event
	for _, rec := range s.records {
		if rec.event.Principal == principal && !rec.delivered {
			out = append(out, rec.event)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, deliveryIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return ErrStorageUnavailable
	}

	now := time.Now()
	for _, id := range deliveryIDs {
		if rec, ok := s.records[id]; ok {
			rec.delivered = true
			rec.deliveredAt = now
		}
	}
	return nil
}

func (s *MemoryStore) PurgeDelivered(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return 0, ErrStorageUnavailable
	}

	purged := 0
	for id, rec := range s.records {
		if rec.delivered && rec.deliveredAt.Before(olderThan) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) PurgeAbandoned(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failing {
		return 0, ErrStorageUnavailable
	}

	purged := 0
	for id, rec := range s.records {
		if !rec.delivered && rec.event.CreatedAt.Before(olderThan) {
			delete(s.records, id)
			purged++
		}
	}
	return purged, nil
}
