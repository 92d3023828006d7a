package escrow

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory payment store for demo/development mode.
type MemoryStore struct {
	refs         map[string]*PaymentReference
	transactions map[string]*Transaction // keyed by payment reference ID
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory payment store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		refs:         make(map[string]*PaymentReference),
		transactions: make(map[string]*Transaction),
	}
}

func copyRef(r *PaymentReference) *PaymentReference {
	cp := *r
	return &cp
}

func (m *MemoryStore) CreateReference(_ context.Context, ref *PaymentReference) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.refs {
		if r.ExternalReference == ref.ExternalReference || r.IdempotencyKey == ref.IdempotencyKey {
			return ErrDuplicateReference
		}
		if r.OfferID == ref.OfferID && r.Status != StatusCancelled {
			return ErrDuplicateReference
		}
	}
	m.refs[ref.ID] = copyRef(ref)
	return nil
}

func (m *MemoryStore) GetReference(_ context.Context, id string) (*PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.refs[id]
	if !ok {
		return nil, ErrReferenceNotFound
	}
	return copyRef(r), nil
}

func (m *MemoryStore) GetByExternalReference(_ context.Context, externalRef string) (*PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.refs {
		if r.ExternalReference == externalRef {
			return copyRef(r), nil
		}
	}
	return nil, ErrReferenceNotFound
}

func (m *MemoryStore) LiveReference(_ context.Context, offerID string) (*PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, r := range m.refs {
		if r.OfferID == offerID && r.Status != StatusCancelled {
			return copyRef(r), nil
		}
	}
	return nil, ErrNoHold
}

func (m *MemoryStore) CountReferences(_ context.Context, offerID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, r := range m.refs {
		if r.OfferID == offerID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, statuses []Status, limit int) ([]*PaymentReference, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentReference
	for _, r := range m.refs {
		if slices.Contains(statuses, r.Status) {
			result = append(result, copyRef(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// transition applies fn to the stored reference when its status is one of from.
func (m *MemoryStore) transition(id string, from []Status, fn func(r *PaymentReference)) (bool, *PaymentReference, error) {
	r, ok := m.refs[id]
	if !ok {
		return false, nil, ErrReferenceNotFound
	}
	if !slices.Contains(from, r.Status) {
		return false, copyRef(r), nil
	}
	fn(r)
	return true, copyRef(r), nil
}

func (m *MemoryStore) MarkAuthorized(_ context.Context, id string, at time.Time) (bool, *PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []Status{StatusPending, StatusRejected}, func(r *PaymentReference) {
		r.Status = StatusAuthorized
		r.FailureReason = ""
		r.AuthorizedAt = &at
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) MarkRejected(_ context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []Status{StatusPending}, func(r *PaymentReference) {
		r.Status = StatusRejected
		r.FailureReason = reason
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) MarkCaptureDeclined(_ context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []Status{StatusAuthorized}, func(r *PaymentReference) {
		r.Status = StatusRejected
		r.FailureReason = reason
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) MarkCancelled(_ context.Context, id, reason string, at time.Time) (bool, *PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.transition(id, []Status{StatusPending, StatusAuthorized, StatusRejected}, func(r *PaymentReference) {
		r.Status = StatusCancelled
		r.FailureReason = reason
		r.CancelledAt = &at
		r.UpdatedAt = at
	})
}

func (m *MemoryStore) RecordCapture(_ context.Context, id string, txn *Transaction, at time.Time) (bool, *PaymentReference, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed, ref, err := m.transition(id, []Status{StatusAuthorized}, func(r *PaymentReference) {
		r.Status = StatusApproved
		r.CapturedAt = &at
		r.UpdatedAt = at
	})
	if err != nil || !changed {
		return changed, ref, err
	}
	cp := *txn
	m.transactions[id] = &cp
	return true, ref, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, filter TransactionFilter) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if filter.ClientID != "" && t.ClientID != filter.ClientID {
			continue
		}
		if filter.ProfessionalID != "" && t.ProfessionalID != filter.ProfessionalID {
			continue
		}
		if !filter.Before.Admits(t.CreatedAt, t.ID) {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (m *MemoryStore) GetTransactionByReference(_ context.Context, refID string) (*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.transactions[refID]
	if !ok {
		return nil, ErrReferenceNotFound
	}
	cp := *t
	return &cp, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
