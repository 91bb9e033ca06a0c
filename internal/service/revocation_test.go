package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
	"github.com/valu/devicekeys/pkg/errs"
)

type revocationFixture struct {
	exchange   *KeyExchange
	revocation *Revocation
	store      *fakeStore
	secrets    *fakeSecrets
	emitter    *fakeEmitter
}

func newRevocationFixture() *revocationFixture {
	store := newFakeStore()
	secrets := newFakeSecrets()
	emitter := &fakeEmitter{}
	return &revocationFixture{
		exchange:   NewKeyExchange(store, store, secrets, emitter, testLogger()),
		revocation: NewRevocation(store, secrets, emitter, testLogger()),
		store:      store,
		secrets:    secrets,
		emitter:    emitter,
	}
}

func TestRevokeDevice(t *testing.T) {
	f := newRevocationFixture()
	userID := uuid.New()
	req := validExchangeRequest(t)
	res, err := f.exchange.Exchange(context.Background(), userID, req)
	require.NoError(t, err)

	err = f.revocation.Revoke(context.Background(), req.DeviceID, userID, "lost device")
	require.NoError(t, err)

	// Active lookup now misses, but the metadata row survives for audit.
	_, err = f.store.ActiveDeviceKey(context.Background(), req.DeviceID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	recs := f.store.recordsForDevice(req.DeviceID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.KeyStatusRevoked, recs[0].Status)

	assert.False(t, f.secrets.has(res.KeyHandle), "custodied key must be deleted")
	events := f.emitter.byType(model.EventKeyRevoked)
	require.Len(t, events, 1)
	assert.Equal(t, "lost device", events[0].Reason)
}

func TestRevokeUnknownDevice(t *testing.T) {
	f := newRevocationFixture()
	err := f.revocation.Revoke(context.Background(), uuid.New(), uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRevokeForeignDevice(t *testing.T) {
	f := newRevocationFixture()
	owner := uuid.New()
	req := validExchangeRequest(t)
	_, err := f.exchange.Exchange(context.Background(), owner, req)
	require.NoError(t, err)

	err = f.revocation.Revoke(context.Background(), req.DeviceID, uuid.New(), "")
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRevokeSurvivesCustodyDeleteFailure(t *testing.T) {
	f := newRevocationFixture()
	userID := uuid.New()
	req := validExchangeRequest(t)
	_, err := f.exchange.Exchange(context.Background(), userID, req)
	require.NoError(t, err)

	f.secrets.delErr = assert.AnError
	err = f.revocation.Revoke(context.Background(), req.DeviceID, userID, "")
	require.NoError(t, err, "soft revoke proceeds even when the custody delete fails")

	recs := f.store.recordsForDevice(req.DeviceID)
	require.Len(t, recs, 1)
	assert.Equal(t, model.KeyStatusRevoked, recs[0].Status)
}

func TestRevokeAll(t *testing.T) {
	f := newRevocationFixture()
	userID := uuid.New()
	for i := 0; i < 3; i++ {
		_, err := f.exchange.Exchange(context.Background(), userID, validExchangeRequest(t))
		require.NoError(t, err)
	}
	otherUser := uuid.New()
	otherReq := validExchangeRequest(t)
	_, err := f.exchange.Exchange(context.Background(), otherUser, otherReq)
	require.NoError(t, err)

	count, err := f.revocation.RevokeAll(context.Background(), userID, "account compromised")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	active, err := f.store.CountActiveDevices(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, 0, active)

	// The other user's device is untouched.
	_, err = f.store.ActiveDeviceKey(context.Background(), otherReq.DeviceID)
	require.NoError(t, err)

	assert.Len(t, f.emitter.byType(model.EventKeyRevoked), 3)
	assert.Equal(t, 1, f.secrets.count(), "only the other user's secret remains")
}

func TestRevokeAllWithNoDevices(t *testing.T) {
	f := newRevocationFixture()
	count, err := f.revocation.RevokeAll(context.Background(), uuid.New(), "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
