package server

import (
	"context"

	"github.com/mbd888/carebid/internal/escrow"
	"github.com/mbd888/carebid/internal/lifecycle"
)

// -----------------------------------------------------------------------------
// Escrow Adapters
// -----------------------------------------------------------------------------

// paymentSubjects lets escrow read offers without importing lifecycle.
type paymentSubjects struct {
	store lifecycle.Store
}

func (a *paymentSubjects) PaymentSubject(ctx context.Context, offerID string) (*escrow.Subject, error) {
	offer, err := a.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	req, err := a.store.GetRequest(ctx, offer.RequestID)
	if err != nil {
		return nil, err
	}

	price := offer.ProposedPrice
	if offer.FinalPrice != nil {
		price = *offer.FinalPrice
	}
	return &escrow.Subject{
		OfferID:        offer.ID,
		RequestID:      req.ID,
		ClientID:       req.ClientID,
		ProfessionalID: offer.ProfessionalID,
		Price:          price,
		OfferAccepted:  offer.Status == lifecycle.OfferAccepted,
		RequestStatus:  string(req.Status),
		Category:       req.Category,
	}, nil
}
