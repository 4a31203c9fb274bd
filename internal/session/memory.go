package session

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sleepy778/1.21.4eag/internal/obs"
)

// MemoryRegistry keeps records in process memory. Lookups never wait on
// registrations of other identifiers.
type MemoryRegistry struct {
	records sync.Map // id -> Record
	count   atomic.Int64
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{}
}

var _ Registry = (*MemoryRegistry)(nil)

func (m *MemoryRegistry) Register(_ context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if _, loaded := m.records.LoadOrStore(rec.ID, rec); loaded {
		return ErrDuplicateSession
	}
	obs.RegisteredSessions.Set(float64(m.count.Add(1)))
	return nil
}

func (m *MemoryRegistry) Lookup(_ context.Context, id string) (Record, error) {
	v, ok := m.records.Load(id)
	if !ok {
		return Record{}, ErrNotFound
	}
	return v.(Record), nil
}

func (m *MemoryRegistry) Revoke(_ context.Context, id string) error {
	if _, loaded := m.records.LoadAndDelete(id); !loaded {
		return ErrNotFound
	}
	obs.RegisteredSessions.Set(float64(m.count.Add(-1)))
	return nil
}

func (m *MemoryRegistry) Len() int { return int(m.count.Load()) }
