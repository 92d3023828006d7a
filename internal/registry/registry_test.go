package registry

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/carebid/internal/apperr"
	"github.com/mbd888/carebid/internal/auth"
	"github.com/mbd888/carebid/internal/gateway"
)

const (
	pro1 auth.ProfessionalID = "pro-1"
	pro2 auth.ProfessionalID = "pro-2"
)

func newTestService() (*Service, *gateway.Memory) {
	gw := gateway.NewMemory("whsec_test")
	return NewService(NewMemoryStore(), gw, slog.Default()), gw
}

func TestRegisterPayoutAccount(t *testing.T) {
	svc, gw := newTestService()
	ctx := context.Background()

	p, err := svc.RegisterPayoutAccount(ctx, pro1, "acct_1abcDEF")
	require.NoError(t, err)
	assert.True(t, p.PaymentsEnabled)

	acct, enabled, err := svc.PayoutAccount(ctx, pro1)
	require.NoError(t, err)
	assert.Equal(t, "acct_1abcDEF", acct)
	assert.True(t, enabled)

	// Switching to an account that cannot take charges yet.
	gw.SetAccount("acct_2pending", false)
	p, err = svc.RegisterPayoutAccount(ctx, pro1, "acct_2pending")
	require.NoError(t, err)
	assert.False(t, p.PaymentsEnabled)

	_, err = svc.RegisterPayoutAccount(ctx, pro2, "acct_2pending")
	assert.ErrorIs(t, err, ErrAccountInUse)

	_, err = svc.RegisterPayoutAccount(ctx, pro2, "not-an-account")
	assert.ErrorIs(t, err, ErrInvalidAccount)
}

func TestRegisterPayoutAccount_GatewayErrors(t *testing.T) {
	svc, gw := newTestService()
	ctx := context.Background()

	gw.FailNext("account", apperr.NotFound("account_not_found", "no such account"))
	_, err := svc.RegisterPayoutAccount(ctx, pro1, "acct_missing1")
	assert.ErrorIs(t, err, ErrInvalidAccount)

	gw.FailNext("account", apperr.Transient("gateway_unavailable", errors.New("503")))
	_, err = svc.RegisterPayoutAccount(ctx, pro1, "acct_missing1")
	assert.ErrorIs(t, err, apperr.ErrGatewayTransient)

	_, _, err = svc.PayoutAccount(ctx, pro1)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSetPaymentsEnabled(t *testing.T) {
	svc, gw := newTestService()
	ctx := context.Background()

	gw.SetAccount("acct_1abcDEF", false)
	_, err := svc.RegisterPayoutAccount(ctx, pro1, "acct_1abcDEF")
	require.NoError(t, err)

	require.NoError(t, svc.SetPaymentsEnabled(ctx, "acct_1abcDEF", true))
	_, enabled, err := svc.PayoutAccount(ctx, pro1)
	require.NoError(t, err)
	assert.True(t, enabled)

	assert.ErrorIs(t, svc.SetPaymentsEnabled(ctx, "acct_unknown1", true), ErrAccountNotFound)
}

func TestUpdateRating(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	require.NoError(t, svc.UpdateRating(ctx, pro1, 4.5, 2))

	// A rating alone does not make the professional payable.
	_, _, err := svc.PayoutAccount(ctx, pro1)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	_, err = svc.RegisterPayoutAccount(ctx, pro1, "acct_1abcDEF")
	require.NoError(t, err)

	p, err := svc.GetProfessional(ctx, pro1, auth.Actor{UserID: "someone", Type: auth.UserClient})
	require.NoError(t, err)
	assert.Equal(t, 4.5, p.RatingAverage)
	assert.Equal(t, 2, p.ReviewCount)
	assert.Empty(t, p.ConnectedAccountID)

	p, err = svc.GetProfessional(ctx, pro1, auth.Actor{UserID: string(pro1), Type: auth.UserProfessional})
	require.NoError(t, err)
	assert.Equal(t, "acct_1abcDEF", p.ConnectedAccountID)
}
