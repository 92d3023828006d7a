package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/carebid/internal/auth"
)

// MemoryStore is an in-memory lifecycle store for development and tests.
// A single mutex makes every multi-row change atomic.
type MemoryStore struct {
	requests map[string]*ServiceRequest
	offers   map[string]*Offer
	progress map[string]*Progress
	reviews  map[string]*Review // by request ID
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory lifecycle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*ServiceRequest),
		offers:   make(map[string]*Offer),
		progress: make(map[string]*Progress),
		reviews:  make(map[string]*Review),
	}
}

func copyRequest(r *ServiceRequest) *ServiceRequest {
	cp := *r
	return &cp
}

func copyOffer(o *Offer) *Offer {
	cp := *o
	return &cp
}

func (m *MemoryStore) CreateRequest(_ context.Context, req *ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[req.ID] = copyRequest(req)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) ListRequests(_ context.Context, status RequestStatus, limit int) ([]*ServiceRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*ServiceRequest
	for _, r := range m.requests {
		if r.Status == status {
			result = append(result, copyRequest(r))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].UpdatedAt.Before(result[j].UpdatedAt) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) PublishRequest(_ context.Context, id string, client auth.ClientID, at time.Time) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[id]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.ClientID != client {
		return nil, ErrNotRequestOwner
	}
	if req.Status != RequestPending {
		return nil, ErrNotDraft
	}
	req.Status = RequestOpen
	req.PublishedAt = timePtr(at)
	req.UpdatedAt = at
	return copyRequest(req), nil
}

func (m *MemoryStore) SubmitOffer(_ context.Context, offer *Offer) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[offer.RequestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := checkSubmit(req, offer, m.offersFor(req.ID)); err != nil {
		return nil, err
	}
	m.offers[offer.ID] = copyOffer(offer)
	req.ResponseCount++
	req.UpdatedAt = offer.CreatedAt
	return copyRequest(req), nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.offers[id]
	if !ok {
		return nil, ErrOfferNotFound
	}
	return copyOffer(o), nil
}

func (m *MemoryStore) ListOffers(_ context.Context, requestID string) ([]*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	offers := m.offersFor(requestID)
	result := make([]*Offer, len(offers))
	for i, o := range offers {
		result[i] = copyOffer(o)
	}
	return result, nil
}

func (m *MemoryStore) AcceptedOffer(_ context.Context, requestID string) (*Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if o := m.acceptedFor(requestID); o != nil {
		return copyOffer(o), nil
	}
	return nil, ErrNoAcceptedOffer
}

func (m *MemoryStore) AcceptOffer(_ context.Context, offerID string, client auth.ClientID, at time.Time) (*Acceptance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	req, ok := m.requests[offer.RequestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	siblings := m.offersFor(req.ID)
	if err := checkAccept(req, offer, client, siblings); err != nil {
		return nil, err
	}

	final := offer.ProposedPrice
	offer.Status = OfferAccepted
	offer.FinalPrice = &final
	offer.AcceptedAt = timePtr(at)
	offer.UpdatedAt = at

	acc := &Acceptance{}
	for _, o := range siblings {
		if o.ID != offer.ID && o.Status == OfferPending {
			o.Status = OfferRejected
			o.UpdatedAt = at
			acc.Rejected = append(acc.Rejected, copyOffer(o))
		}
	}

	req.Status = RequestAssigned
	req.AssignedProfessionalID = offer.ProfessionalID
	req.AssignedAt = timePtr(at)
	req.UpdatedAt = at

	p := &Progress{
		RequestID:      req.ID,
		OfferID:        offer.ID,
		ProfessionalID: offer.ProfessionalID,
		Status:         ProgressAccepted,
		AcceptedAt:     at,
		UpdatedAt:      at,
	}
	m.progress[req.ID] = p

	acc.Request = copyRequest(req)
	acc.Offer = copyOffer(offer)
	cp := *p
	acc.Progress = &cp
	return acc, nil
}

func (m *MemoryStore) RejectOffer(_ context.Context, offerID string, client auth.ClientID) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	req, ok := m.requests[offer.RequestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if req.ClientID != client {
		return nil, ErrNotRequestOwner
	}
	if offer.Status != OfferPending {
		return nil, ErrOfferNotPending
	}
	delete(m.offers, offerID)
	if req.ResponseCount > 0 {
		req.ResponseCount--
	}
	out := copyOffer(offer)
	out.Status = OfferRejected
	return out, nil
}

func (m *MemoryStore) WithdrawOffer(_ context.Context, offerID string, pro auth.ProfessionalID, at time.Time) (*Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	offer, ok := m.offers[offerID]
	if !ok {
		return nil, ErrOfferNotFound
	}
	if offer.ProfessionalID != pro {
		return nil, ErrNotOfferOwner
	}
	if offer.Status != OfferPending {
		return nil, ErrOfferNotPending
	}
	offer.Status = OfferWithdrawn
	offer.UpdatedAt = at
	if req, ok := m.requests[offer.RequestID]; ok && req.ResponseCount > 0 {
		req.ResponseCount--
		req.UpdatedAt = at
	}
	return copyOffer(offer), nil
}

func (m *MemoryStore) StartService(_ context.Context, requestID string, pro auth.ProfessionalID, at time.Time) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := checkStart(req, pro); err != nil {
		return nil, err
	}
	req.Status = RequestInProgress
	req.StartedAt = timePtr(at)
	req.UpdatedAt = at
	if p, ok := m.progress[requestID]; ok {
		p.Status = ProgressStarted
		p.StartedAt = timePtr(at)
		p.UpdatedAt = at
	}
	return copyRequest(req), nil
}

func (m *MemoryStore) MarkAwaitingConfirmation(_ context.Context, requestID string, pro auth.ProfessionalID, notes string, at time.Time) (*ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	accepted := m.acceptedFor(requestID)
	if err := checkMarkComplete(req, accepted, pro); err != nil {
		return nil, err
	}

	req.Status = RequestAwaitingConfirmation
	req.AssignedProfessionalID = accepted.ProfessionalID
	req.CompletedAt = timePtr(at)
	req.UpdatedAt = at

	p, ok := m.progress[requestID]
	if !ok {
		p = &Progress{
			RequestID:      requestID,
			OfferID:        accepted.ID,
			ProfessionalID: accepted.ProfessionalID,
			AcceptedAt:     at,
		}
		m.progress[requestID] = p
	}
	p.Status = ProgressAwaitingConfirmation
	p.AwaitingConfirmationAt = timePtr(at)
	if notes != "" {
		p.Notes = notes
	}
	p.UpdatedAt = at
	return copyRequest(req), nil
}

func (m *MemoryStore) ConfirmProgress(_ context.Context, requestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p, ok := m.progress[requestID]; ok && p.Status == ProgressAwaitingConfirmation {
		p.Status = ProgressConfirmed
		p.ConfirmedAt = timePtr(at)
		p.UpdatedAt = at
	}
	return nil
}

func (m *MemoryStore) CompleteRequest(_ context.Context, requestID string, at time.Time) (bool, *ServiceRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return false, nil, ErrRequestNotFound
	}
	if req.Status == RequestCompleted {
		return false, copyRequest(req), nil
	}
	if req.Status != RequestAwaitingConfirmation {
		return false, nil, ErrNotAwaitingConfirmation
	}
	accepted := m.acceptedFor(requestID)
	if accepted == nil {
		return false, nil, ErrNoAcceptedOffer
	}

	accepted.Status = OfferCompleted
	accepted.UpdatedAt = at
	for id, o := range m.offers {
		if o.RequestID == requestID && id != accepted.ID {
			delete(m.offers, id)
		}
	}
	req.Status = RequestCompleted
	req.ClientConfirmedAt = timePtr(at)
	req.UpdatedAt = at
	if p, ok := m.progress[requestID]; ok {
		p.Status = ProgressPaymentReleased
		if p.ConfirmedAt == nil {
			p.ConfirmedAt = timePtr(at)
		}
		p.PaymentReleasedAt = timePtr(at)
		p.UpdatedAt = at
	}
	return true, copyRequest(req), nil
}

func (m *MemoryStore) CancelRequest(_ context.Context, requestID string, client auth.ClientID, at time.Time) (*Removal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := checkCancel(req, client); err != nil {
		return nil, err
	}
	removal := m.removeChildren(req)
	req.Status = RequestCancelled
	req.CancelledAt = timePtr(at)
	req.UpdatedAt = at
	removal.Request = copyRequest(req)
	return removal, nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, requestID string, client auth.ClientID) (*Removal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.requests[requestID]
	if !ok {
		return nil, ErrRequestNotFound
	}
	if err := checkCancel(req, client); err != nil {
		return nil, err
	}
	removal := m.removeChildren(req)
	delete(m.requests, requestID)
	removal.Request = copyRequest(req)
	return removal, nil
}

// removeChildren deletes offers and progress of req. Caller holds the lock.
func (m *MemoryStore) removeChildren(req *ServiceRequest) *Removal {
	removal := &Removal{}
	for _, o := range m.offersFor(req.ID) {
		if o.Status == OfferAccepted {
			removal.AcceptedOfferID = o.ID
		}
		removal.Offers = append(removal.Offers, copyOffer(o))
		delete(m.offers, o.ID)
	}
	delete(m.progress, req.ID)
	return removal
}

func (m *MemoryStore) GetProgress(_ context.Context, requestID string) (*Progress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.progress[requestID]
	if !ok {
		return nil, ErrProgressNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) CreateReview(_ context.Context, review *Review) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.reviews[review.RequestID]; exists {
		return ErrAlreadyReviewed
	}
	cp := *review
	m.reviews[review.RequestID] = &cp
	return nil
}

func (m *MemoryStore) GetReview(_ context.Context, requestID string) (*Review, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reviews[requestID]
	if !ok {
		return nil, ErrReviewNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ProfessionalRating(_ context.Context, pro auth.ProfessionalID) (float64, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum, count int
	for _, r := range m.reviews {
		if r.ProfessionalID == pro {
			sum += r.Rating
			count++
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return float64(sum) / float64(count), count, nil
}

// offersFor returns the stored offers of a request in creation order.
// Caller holds the lock.
func (m *MemoryStore) offersFor(requestID string) []*Offer {
	var result []*Offer
	for _, o := range m.offers {
		if o.RequestID == requestID {
			result = append(result, o)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (m *MemoryStore) acceptedFor(requestID string) *Offer {
	for _, o := range m.offers {
		if o.RequestID == requestID && o.Status == OfferAccepted {
			return o
		}
	}
	return nil
}
