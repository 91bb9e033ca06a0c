package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/pkg/errs"
)

type rotationFixture struct {
	exchange *KeyExchange
	rotation *Rotation
	store    *fakeStore
	secrets  *fakeSecrets
	emitter  *fakeEmitter
}

func newRotationFixture() *rotationFixture {
	store := newFakeStore()
	secrets := newFakeSecrets()
	emitter := &fakeEmitter{}
	return &rotationFixture{
		exchange: NewKeyExchange(store, store, secrets, emitter, testLogger()),
		rotation: NewRotation(store, store, secrets, emitter, testLogger()),
		store:    store,
		secrets:  secrets,
		emitter:  emitter,
	}
}

func (f *rotationFixture) register(t *testing.T, userID uuid.UUID) (uuid.UUID, *ExchangeResult) {
	t.Helper()
	req := validExchangeRequest(t)
	res, err := f.exchange.Exchange(context.Background(), userID, req)
	require.NoError(t, err)
	return req.DeviceID, res
}

func TestRotateReplacesActiveKey(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, first := f.register(t, userID)

	res, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
	require.NoError(t, err)
	assert.NotEqual(t, first.KeyHandle, res.KeyHandle)
	assert.NotEqual(t, first.Salt, res.Salt)
	assert.NotEqual(t, first.ServerPublicKey, res.ServerPublicKey)
	assert.Equal(t, model.ProtocolVersion, res.ProtocolVersion)

	recs := f.store.recordsForDevice(deviceID)
	require.Len(t, recs, 2)
	statuses := map[string]model.KeyStatus{}
	for _, rec := range recs {
		statuses[rec.KeyHandle] = rec.Status
	}
	assert.Equal(t, model.KeyStatusRotated, statuses[first.KeyHandle])
	assert.Equal(t, model.KeyStatusActive, statuses[res.KeyHandle])

	audits := f.store.auditsForDevice(deviceID)
	require.Len(t, audits, 1)
	assert.Equal(t, first.KeyHandle, audits[0].PreviousKeyHandle)
	assert.Equal(t, res.KeyHandle, audits[0].NewKeyHandle)
	assert.Equal(t, model.RotationReasonManual, audits[0].Reason)

	assert.Len(t, f.emitter.byType(model.EventKeyRotated), 1)
}

func TestRotateReusesDevicePublicKeyOnFile(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, _ := f.register(t, userID)

	before, err := f.store.ActiveDeviceKey(context.Background(), deviceID)
	require.NoError(t, err)

	_, err = f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
	require.NoError(t, err)

	after, err := f.store.ActiveDeviceKey(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, before.DevicePublicKey, after.DevicePublicKey)
}

func TestRotateAcceptsNewDevicePublicKey(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, _ := f.register(t, userID)
	newPub := devicePublicKey(t)

	_, err := f.rotation.Rotate(context.Background(), deviceID, userID, newPub, model.RotationReasonManual, userID.String())
	require.NoError(t, err)

	after, err := f.store.ActiveDeviceKey(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, newPub, after.DevicePublicKey)
}

func TestRotateUnknownDevice(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	_, err := f.rotation.Rotate(context.Background(), uuid.New(), userID, "", model.RotationReasonManual, userID.String())
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRotateForeignDevice(t *testing.T) {
	f := newRotationFixture()
	owner := uuid.New()
	deviceID, _ := f.register(t, owner)

	other := uuid.New()
	_, err := f.rotation.Rotate(context.Background(), deviceID, other, "", model.RotationReasonManual, other.String())
	require.Error(t, err)
	assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err))
}

func TestRotateRateLimit(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, _ := f.register(t, userID)

	for i := 0; i < model.MaxRotationsPerWindow; i++ {
		_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
		require.NoError(t, err)
	}

	_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
	require.Error(t, err)
	assert.Equal(t, errs.CodeRateLimited, errs.CodeOf(err))
	require.Len(t, f.store.auditsForDevice(deviceID), model.MaxRotationsPerWindow)
}

func TestRotateSucceedsAfterWindowSlides(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, _ := f.register(t, userID)

	for i := 0; i < model.MaxRotationsPerWindow; i++ {
		_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
		require.NoError(t, err)
	}

	// Move the coordinator clock past the trailing window; the old audit
	// rows no longer count against the limit.
	f.rotation.now = func() time.Time { return time.Now().Add(model.RotationRateWindow + time.Minute) }

	_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
	require.NoError(t, err)
}

func TestRotateRejectsInvalidReplacementKey(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, _ := f.register(t, userID)

	_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "not-a-key", model.RotationReasonManual, userID.String())
	require.Error(t, err)
	assert.Equal(t, errs.CodeInvalidArgument, errs.CodeOf(err))
}

func TestRotateCustodyFailureIsFatal(t *testing.T) {
	f := newRotationFixture()
	userID := uuid.New()
	deviceID, first := f.register(t, userID)

	f.secrets.storeErr = assert.AnError
	_, err := f.rotation.Rotate(context.Background(), deviceID, userID, "", model.RotationReasonManual, userID.String())
	require.Error(t, err)
	assert.Equal(t, errs.CodeCustody, errs.CodeOf(err))

	active, err := f.store.ActiveDeviceKey(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, first.KeyHandle, active.KeyHandle, "current key must stay ACTIVE when custody write fails")
}
