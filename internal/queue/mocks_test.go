package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	apperrors "silvenger/internal/errors"
	"silvenger/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/mock"
)

var errTransient = apperrors.NewTransportError("/rest/v1/messages", errors.New("connection reset"))

// fakeBackend records inserts and keeps one row per id.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []models.MessageInsert
	rows     map[string]models.MessageInsert
	failures map[string]int // remaining failures per content
	always   map[string]bool
	block    chan struct{}
	inFlight int32
	maxSeen  int32
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		rows:     make(map[string]models.MessageInsert),
		failures: make(map[string]int),
		always:   make(map[string]bool),
	}
}

func (b *fakeBackend) failTimes(content string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[content] = n
}

func (b *fakeBackend) failAlways(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.always[content] = true
}

func (b *fakeBackend) InsertMessage(ctx context.Context, row models.MessageInsert) error {
	n := atomic.AddInt32(&b.inFlight, 1)
	defer atomic.AddInt32(&b.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&b.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&b.maxSeen, seen, n) {
			break
		}
	}

	b.mu.Lock()
	block := b.block
	b.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, row)

	if b.always[row.Content] {
		return errTransient
	}
	if b.failures[row.Content] > 0 {
		b.failures[row.Content]--
		return errTransient
	}
	if _, exists := b.rows[row.ID]; !exists {
		b.rows[row.ID] = row
	}
	return nil
}

func (b *fakeBackend) contents() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.calls))
	for _, c := range b.calls {
		out = append(out, c.Content)
	}
	return out
}

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

func (b *fakeBackend) rowCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.rows[id]; ok {
		return 1
	}
	return 0
}

type mockAuth struct {
	mock.Mock
}

func (m *mockAuth) CurrentUserID(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func signedIn(userID string) *mockAuth {
	auth := &mockAuth{}
	auth.On("CurrentUserID", mock.Anything).Return(userID, nil)
	return auth
}

type switchConn struct {
	online atomic.Bool
}

func newSwitchConn(online bool) *switchConn {
	c := &switchConn{}
	c.online.Store(online)
	return c
}

func (c *switchConn) IsOnline() bool { return c.online.Load() }

// recorder collects listener snapshots.
type recorder struct {
	mu        sync.Mutex
	snapshots [][]models.QueuedMessage
}

func (r *recorder) listen(snapshot []models.QueuedMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshots = append(r.snapshots, snapshot)
}

func (r *recorder) all() [][]models.QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]models.QueuedMessage, len(r.snapshots))
	copy(out, r.snapshots)
	return out
}

func (r *recorder) last() []models.QueuedMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snapshots) == 0 {
		return nil
	}
	return r.snapshots[len(r.snapshots)-1]
}

// statusesOf returns every status id was observed in, in order.
func (r *recorder) statusesOf(id string) []models.MessageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MessageStatus
	for _, snap := range r.snapshots {
		for _, m := range snap {
			if m.ID == id {
				if len(out) == 0 || out[len(out)-1] != m.Status {
					out = append(out, m.Status)
				}
			}
		}
	}
	return out
}

// find returns the last observed copy of id.
func (r *recorder) find(id string) (models.QueuedMessage, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.snapshots) - 1; i >= 0; i-- {
		for _, m := range r.snapshots[i] {
			if m.ID == id {
				return m, true
			}
		}
	}
	return models.QueuedMessage{}, false
}

// mapSlots is an in-memory SlotBackend.
type mapSlots struct {
	mu     sync.Mutex
	values map[string]string
	err    error
}

func newMapSlots() *mapSlots {
	return &mapSlots{values: make(map[string]string)}
}

func (s *mapSlots) GetSlot(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", false, s.err
	}
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *mapSlots) PutSlot(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.values[key] = value
	return nil
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}
