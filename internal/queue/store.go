package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"

	"github.com/sirupsen/logrus"
)

// Store is the durable mirror of the in-memory queue.
type Store interface {
	// Load returns the persisted queue, or an empty queue when nothing
	// usable is stored. It never fails.
	Load(ctx context.Context) []models.QueuedMessage
	// Save overwrites the persisted queue with msgs.
	Save(ctx context.Context, msgs []models.QueuedMessage) error
}

// SlotBackend is a string key/value slot such as database.Database.
type SlotBackend interface {
	GetSlot(ctx context.Context, key string) (string, bool, error)
	PutSlot(ctx context.Context, key, value string) error
}

// LeaseBackend hands out expiring single-owner leases.
type LeaseBackend interface {
	ClaimLease(ctx context.Context, key, owner string, ttl time.Duration) (string, bool, error)
	ReleaseLease(ctx context.Context, key, owner string) error
}

// ScopedKey derives the slot key used when each client instance keeps its own queue.
func ScopedKey(base, instanceID string) string {
	if instanceID == "" {
		return base
	}
	return base + ":" + instanceID
}

// IsSlotBusy reports whether err means another instance owns the queue slot.
func IsSlotBusy(err error) bool {
	return errors.Is(err, errSlotBusy)
}

var errSlotBusy = apperrors.New(apperrors.ErrCodeSlotBusy, "")

// SlotStore persists the queue as one JSON array under a fixed key.
type SlotStore struct {
	backend SlotBackend
	key     string
	logger  *apperrors.Logger

	mu     sync.Mutex
	leases LeaseBackend
	owner  string
	ttl    time.Duration
}

func NewSlotStore(backend SlotBackend, key string, logger *logrus.Logger) *SlotStore {
	if key == "" {
		key = constants.DefaultQueueStorageKey
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}
	return &SlotStore{
		backend: backend,
		key:     key,
		logger:  apperrors.FromLogrus(logger),
	}
}

// Key returns the slot key this store writes to.
func (s *SlotStore) Key() string {
	return s.key
}

func (s *SlotStore) Load(ctx context.Context) []models.QueuedMessage {
	fields := logrus.Fields{"slot_key": s.key}

	raw, ok, err := s.backend.GetSlot(ctx, s.key)
	if err != nil {
		s.logger.LogError(err, "Failed to read persisted queue, starting empty", fields)
		return []models.QueuedMessage{}
	}
	if !ok || raw == "" {
		return []models.QueuedMessage{}
	}

	var msgs []models.QueuedMessage
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		s.logger.LogError(apperrors.NewCorruptQueueError(s.key, err), "Persisted queue is corrupt, starting empty", fields)
		return []models.QueuedMessage{}
	}
	if msgs == nil {
		msgs = []models.QueuedMessage{}
	}
	return msgs
}

func (s *SlotStore) Save(ctx context.Context, msgs []models.QueuedMessage) error {
	if msgs == nil {
		msgs = []models.QueuedMessage{}
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal queue: %w", err)
	}
	if err := s.backend.PutSlot(ctx, s.key, string(data)); err != nil {
		return fmt.Errorf("failed to save queue: %w", err)
	}
	return nil
}

// Claim makes this instance the single writer of the slot. It fails with a
// SLOT_BUSY error while another live owner holds the lease.
func (s *SlotStore) Claim(ctx context.Context, leases LeaseBackend, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = constants.DefaultSlotLeaseTTLSec * time.Second
	}
	holder, acquired, err := leases.ClaimLease(ctx, s.key, owner, ttl)
	if err != nil {
		return fmt.Errorf("failed to claim queue slot: %w", err)
	}
	if !acquired {
		return apperrors.NewSlotBusyError(s.key, holder)
	}

	s.mu.Lock()
	s.leases, s.owner, s.ttl = leases, owner, ttl
	s.mu.Unlock()
	return nil
}

// KeepAlive renews the lease until ctx ends. onLost is called once if the
// lease is taken over by another owner; renewal stops at that point.
func (s *SlotStore) KeepAlive(ctx context.Context, onLost func(holder string)) {
	s.mu.Lock()
	leases, owner, ttl := s.leases, s.owner, s.ttl
	s.mu.Unlock()
	if leases == nil {
		return
	}

	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			holder, acquired, err := leases.ClaimLease(ctx, s.key, owner, ttl)
			if err != nil {
				s.logger.LogWarn(err, "Failed to renew queue slot lease", logrus.Fields{"slot_key": s.key})
				continue
			}
			if !acquired {
				s.logger.LogError(apperrors.NewSlotBusyError(s.key, holder), "Queue slot lease lost")
				if onLost != nil {
					onLost(holder)
				}
				return
			}
		}
	}
}

// Release gives up the lease if this store holds one.
func (s *SlotStore) Release(ctx context.Context) error {
	s.mu.Lock()
	leases, owner := s.leases, s.owner
	s.leases = nil
	s.mu.Unlock()
	if leases == nil {
		return nil
	}
	return leases.ReleaseLease(ctx, s.key, owner)
}

// MemoryStore keeps the queue in process memory. It is used in tests and
// wherever durability across restarts is not wanted.
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	saves int
	err   error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(ctx context.Context) []models.QueuedMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := []models.QueuedMessage{}
	if len(m.data) == 0 {
		return msgs
	}
	if err := json.Unmarshal(m.data, &msgs); err != nil {
		return []models.QueuedMessage{}
	}
	return msgs
}

func (m *MemoryStore) Save(ctx context.Context, msgs []models.QueuedMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return m.err
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

// Saves returns how many times Save succeeded.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// FailSaves makes every following Save return err. Pass nil to recover.
func (m *MemoryStore) FailSaves(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}
