package registry

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/carebid/internal/auth"
)

// MemoryStore is an in-memory registry for demo/development mode.
type MemoryStore struct {
	professionals map[auth.ProfessionalID]*Professional
	mu            sync.RWMutex
}

// NewMemoryStore creates a new in-memory registry store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{professionals: make(map[auth.ProfessionalID]*Professional)}
}

func (m *MemoryStore) Get(_ context.Context, pro auth.ProfessionalID) (*Professional, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.professionals[pro]
	if !ok {
		return nil, ErrProfessionalNotFound
	}
	cp := *p
	return &cp, nil
}

// row returns the professional's record, creating it. Caller holds mu.
func (m *MemoryStore) row(pro auth.ProfessionalID, at time.Time) *Professional {
	p, ok := m.professionals[pro]
	if !ok {
		p = &Professional{ProfessionalID: pro, CreatedAt: at}
		m.professionals[pro] = p
	}
	return p
}

func (m *MemoryStore) UpsertPayoutAccount(_ context.Context, pro auth.ProfessionalID, accountID string, enabled bool, at time.Time) (*Professional, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, p := range m.professionals {
		if id != pro && p.ConnectedAccountID == accountID {
			return nil, ErrAccountInUse
		}
	}
	p := m.row(pro, at)
	p.ConnectedAccountID = accountID
	p.PaymentsEnabled = enabled
	p.UpdatedAt = at
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) SetPaymentsEnabled(_ context.Context, accountID string, enabled bool, at time.Time) (*Professional, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.professionals {
		if p.ConnectedAccountID == accountID {
			p.PaymentsEnabled = enabled
			p.UpdatedAt = at
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrAccountNotFound
}

func (m *MemoryStore) UpsertRating(_ context.Context, pro auth.ProfessionalID, average float64, count int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.row(pro, at)
	p.RatingAverage = average
	p.ReviewCount = count
	p.UpdatedAt = at
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
