package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/valu/devicekeys/internal/model"
	"github.com/valu/devicekeys/internal/repository"
)

// fakeStore is an in-memory DeviceKeyStore + RotationAuditStore enforcing the
// same uniqueness rules as the Postgres schema.
type fakeStore struct {
	mu     sync.Mutex
	lockMu sync.Mutex

	keys   []*model.DeviceKeyRecord
	audits []*model.RotationAuditRecord
	nextID int64

	createErrs []error // popped per CreateDeviceKey call
	storeErr   error   // returned by every other method when set
}

func newFakeStore() *fakeStore {
	return &fakeStore{}
}

func (s *fakeStore) CreateDeviceKey(_ context.Context, key *model.DeviceKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.createErrs) > 0 {
		err := s.createErrs[0]
		s.createErrs = s.createErrs[1:]
		if err != nil {
			return err
		}
	}
	for _, k := range s.keys {
		if k.KeyHandle == key.KeyHandle {
			return repository.ErrDuplicateHandle
		}
		if k.DeviceID == key.DeviceID && k.Status == model.KeyStatusActive && key.Status == model.KeyStatusActive {
			return repository.ErrActiveExists
		}
	}
	s.nextID++
	key.ID = s.nextID
	cp := *key
	s.keys = append(s.keys, &cp)
	return nil
}

func (s *fakeStore) ActiveDeviceKey(_ context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	for _, k := range s.keys {
		if k.DeviceID == deviceID && k.Status == model.KeyStatusActive && k.ExpiresAt.After(time.Now()) {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *fakeStore) LatestDeviceKey(_ context.Context, deviceID uuid.UUID) (*model.DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *model.DeviceKeyRecord
	for _, k := range s.keys {
		if k.DeviceID != deviceID {
			continue
		}
		if latest == nil || !k.IssuedAt.Before(latest.IssuedAt) {
			latest = k
		}
	}
	if latest == nil {
		return nil, repository.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (s *fakeStore) CountActiveDevices(_ context.Context, userID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return 0, s.storeErr
	}
	n := 0
	for _, k := range s.keys {
		if k.UserID == userID && k.Status == model.KeyStatusActive && k.ExpiresAt.After(time.Now()) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) MarkRotated(_ context.Context, deviceID uuid.UUID, keyHandle string) (bool, error) {
	return s.transition(deviceID, keyHandle, model.KeyStatusRotated)
}

func (s *fakeStore) MarkRevoked(_ context.Context, deviceID uuid.UUID, keyHandle string) (bool, error) {
	return s.transition(deviceID, keyHandle, model.KeyStatusRevoked)
}

func (s *fakeStore) transition(deviceID uuid.UUID, keyHandle string, to model.KeyStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return false, s.storeErr
	}
	for _, k := range s.keys {
		if k.DeviceID == deviceID && k.KeyHandle == keyHandle && k.Status == model.KeyStatusActive {
			k.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) RevokeAllForUser(_ context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range s.keys {
		if k.UserID == userID && k.Status == model.KeyStatusActive {
			k.Status = model.KeyStatusRevoked
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListDeviceKeys(_ context.Context, userID uuid.UUID) ([]*model.DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	newest := map[uuid.UUID]*model.DeviceKeyRecord{}
	for _, k := range s.keys {
		if k.UserID != userID {
			continue
		}
		cur, ok := newest[k.DeviceID]
		if !ok || !k.IssuedAt.Before(cur.IssuedAt) {
			newest[k.DeviceID] = k
		}
	}
	var out []*model.DeviceKeyRecord
	for _, k := range newest {
		cp := *k
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) ListExpiring(_ context.Context, cutoff time.Time) ([]*model.DeviceKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return nil, s.storeErr
	}
	var out []*model.DeviceKeyRecord
	for _, k := range s.keys {
		if k.Status == model.KeyStatusActive && !k.ExpiresAt.After(cutoff) {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkExpired(_ context.Context, asOf time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, k := range s.keys {
		if k.Status == model.KeyStatusActive && !k.ExpiresAt.After(asOf) {
			k.Status = model.KeyStatusExpired
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListKeyHandles(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, k := range s.keys {
		if k.Status != model.KeyStatusRevoked {
			out = append(out, k.KeyHandle)
		}
	}
	return out, nil
}

func (s *fakeStore) WithLocks(ctx context.Context, _ []uuid.UUID, fn func(ctx context.Context) error) error {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	return fn(ctx)
}

func (s *fakeStore) AppendRotationAudit(_ context.Context, rec *model.RotationAuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.nextID++
	rec.ID = s.nextID
	cp := *rec
	s.audits = append(s.audits, &cp)
	return nil
}

func (s *fakeStore) CountRotationsSince(_ context.Context, deviceID uuid.UUID, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.DeviceID == deviceID && a.RotatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) ListRotationHistory(_ context.Context, deviceID uuid.UUID, limit, offset int) ([]*model.RotationAuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var matched []*model.RotationAuditRecord
	for i := len(s.audits) - 1; i >= 0; i-- {
		if s.audits[i].DeviceID == deviceID {
			cp := *s.audits[i]
			matched = append(matched, &cp)
		}
	}
	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if limit < len(matched) {
		matched = matched[:limit]
	}
	return matched, nil
}

func (s *fakeStore) CountRotationHistory(_ context.Context, deviceID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, a := range s.audits {
		if a.DeviceID == deviceID {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) auditsForDevice(deviceID uuid.UUID) []*model.RotationAuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.RotationAuditRecord
	for _, a := range s.audits {
		if a.DeviceID == deviceID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

func (s *fakeStore) recordsForDevice(deviceID uuid.UUID) []*model.DeviceKeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.DeviceKeyRecord
	for _, k := range s.keys {
		if k.DeviceID == deviceID {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out
}

type fakeSecrets struct {
	mu       sync.Mutex
	secrets  map[string]string
	deleted  []string
	storeErr error
	delErr   error
}

func newFakeSecrets() *fakeSecrets {
	return &fakeSecrets{secrets: map[string]string{}}
}

func (s *fakeSecrets) StoreKey(_ context.Context, handle, pem string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.storeErr != nil {
		return s.storeErr
	}
	s.secrets[handle] = pem
	return nil
}

func (s *fakeSecrets) FetchKey(_ context.Context, handle string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pem, ok := s.secrets[handle]
	if !ok {
		return "", repository.ErrNotFound
	}
	return pem, nil
}

func (s *fakeSecrets) DeleteKey(_ context.Context, handle string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delErr != nil {
		return s.delErr
	}
	delete(s.secrets, handle)
	s.deleted = append(s.deleted, handle)
	return nil
}

func (s *fakeSecrets) ListHandles(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for h := range s.secrets {
		out = append(out, h)
	}
	return out, nil
}

func (s *fakeSecrets) has(handle string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.secrets[handle]
	return ok
}

func (s *fakeSecrets) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.secrets)
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.Event
}

func (e *fakeEmitter) Emit(_ context.Context, event model.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *fakeEmitter) byType(t model.EventType) []model.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []model.Event
	for _, ev := range e.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
