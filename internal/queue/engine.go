// Package queue implements the outbound message queue: a durable FIFO of
// messages the backend has not confirmed yet, drained one message at a time
// with a bounded number of attempts per message.
package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/privacy"
	"silvenger/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/codes"
)

// Deliverer durably inserts one message row. Inserting the same id twice
// must not create a second row.
type Deliverer interface {
	InsertMessage(ctx context.Context, row models.MessageInsert) error
}

// Authenticator resolves the sender identity at send time.
type Authenticator interface {
	CurrentUserID(ctx context.Context) (string, error)
}

// Connectivity gates processing runs.
type Connectivity interface {
	IsOnline() bool
}

// Listener receives a full queue snapshot after every mutation. Listeners run
// synchronously and must not call Enqueue or UpdateMessageStatus themselves.
type Listener func(snapshot []models.QueuedMessage)

type Option func(*Engine)

func WithLogger(logger *logrus.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMaxAttempts sets how many failed attempts remove a message as failed.
func WithMaxAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryDelay sets the pause between a run that left work behind and the next run.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.retryDelay = d
		}
	}
}

// WithPollInterval sets the fallback poll used by Run.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithSendTimeout bounds a single delivery attempt.
func WithSendTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sendTimeout = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// OptionsFromConfig maps the queue section of the configuration to engine options.
func OptionsFromConfig(cfg models.QueueConfig) []Option {
	return []Option{
		WithMaxAttempts(cfg.MaxAttempts),
		WithRetryDelay(time.Duration(cfg.RetryDelayMs) * time.Millisecond),
		WithPollInterval(time.Duration(cfg.PollIntervalMs) * time.Millisecond),
		WithSendTimeout(time.Duration(cfg.SendTimeoutSec) * time.Second),
	}
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline() bool { return true }

type Engine struct {
	store     Store
	deliverer Deliverer
	auth      Authenticator
	conn      Connectivity

	logger       *logrus.Logger
	errLogger    *apperrors.Logger
	maxAttempts  int
	retryDelay   time.Duration
	pollInterval time.Duration
	sendTimeout  time.Duration
	now          func() time.Time
	newID        func() string

	mu           sync.Mutex
	queue        []models.QueuedMessage
	processing   bool
	listeners    map[int]Listener
	nextListener int

	// notifyMu is taken before mu is released so snapshots reach listeners
	// in mutation order.
	notifyMu sync.Mutex

	wake chan struct{}
}

// NewEngine restores the persisted queue and returns an engine ready to Run.
// A nil conn means the engine always considers itself online.
func NewEngine(ctx context.Context, store Store, deliverer Deliverer, auth Authenticator, conn Connectivity, opts ...Option) *Engine {
	if conn == nil {
		conn = alwaysOnline{}
	}
	e := &Engine{
		store:        store,
		deliverer:    deliverer,
		auth:         auth,
		conn:         conn,
		maxAttempts:  constants.DefaultMaxSendAttempts,
		retryDelay:   constants.DefaultRetryDelayMs * time.Millisecond,
		pollInterval: constants.DefaultQueuePollIntervalMs * time.Millisecond,
		sendTimeout:  constants.DefaultSendTimeoutSec * time.Second,
		now:          time.Now,
		newID:        uuid.NewString,
		listeners:    make(map[int]Listener),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logrus.New()
		e.logger.SetLevel(logrus.WarnLevel)
	}
	e.errLogger = apperrors.FromLogrus(e.logger)

	e.queue = e.restore(ctx)
	metrics.SetGauge(metrics.QueueDepth, float64(len(e.queue)), nil, "Messages waiting in the outbound queue")
	return e
}

// restore loads the persisted queue. An entry interrupted mid-send goes back
// to queued and entries that already reached a terminal status are dropped.
func (e *Engine) restore(ctx context.Context) []models.QueuedMessage {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanQueueLoad)
	defer span.End()

	loaded := e.store.Load(ctx)
	restored := make([]models.QueuedMessage, 0, len(loaded))
	seen := make(map[string]bool, len(loaded))
	reset := 0

	for _, msg := range loaded {
		if msg.ID == "" || seen[msg.ID] || msg.Status.IsTerminal() {
			continue
		}
		seen[msg.ID] = true
		switch {
		case msg.Status == models.StatusSending:
			msg.Status = models.StatusQueued
			reset++
		case !msg.Status.Valid():
			msg.Status = models.StatusQueued
		}
		restored = append(restored, msg)
	}

	tracing.AddSpanAttributes(ctx, tracing.AttrQueueDepth.Int(len(restored)))
	if len(loaded) > 0 {
		e.logger.WithFields(logrus.Fields{
			constants.LogFieldCount:     len(restored),
			"dropped":                   len(loaded) - len(restored),
			"reset_to_queued":           reset,
			constants.LogFieldComponent: "queue",
			constants.LogFieldOperation: "restore",
		}).Info("Restored persisted outbound queue")
	}
	return restored
}

// Enqueue appends a message and returns its id without waiting for the
// network. Content that is empty after trimming is ignored and "" is returned.
func (e *Engine) Enqueue(conversationID, content string) string {
	if strings.TrimSpace(content) == "" {
		return ""
	}

	msg := models.QueuedMessage{
		ID:             e.newID(),
		ConversationID: conversationID,
		Content:        content,
		CreatedAt:      e.now().UTC(),
		Status:         models.StatusQueued,
		RetryCount:     0,
	}

	e.mu.Lock()
	e.queue = append(e.queue, msg)
	e.persistLocked(context.Background())
	e.notifyAndUnlock(e.snapshotLocked())

	metrics.IncrementCounter(metrics.QueueMessagesEnqueued, nil, "Messages accepted into the outbound queue")
	e.logger.WithFields(logrus.Fields{
		constants.LogFieldMessageID:      privacy.MaskMessageID(msg.ID),
		constants.LogFieldConversationID: privacy.MaskID(conversationID),
		constants.LogFieldSize:           len(content),
	}).Debug("Message enqueued")

	e.Wake()
	return msg.ID
}

// Status returns the status of a message still in the queue.
func (e *Engine) Status(messageID string) (models.MessageStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i := e.indexLocked(messageID); i >= 0 {
		return e.queue[i].Status, true
	}
	return "", false
}

// QueuedMessages returns a copy of the queue in send order.
func (e *Engine) QueuedMessages() []models.QueuedMessage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Len returns the number of queued messages.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// AddListener registers fn and calls it right away with the current queue.
func (e *Engine) AddListener(fn Listener) (unsubscribe func()) {
	e.mu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	snapshot := e.snapshotLocked()
	e.notifyMu.Lock()
	e.mu.Unlock()

	e.deliver(fn, snapshot)
	e.notifyMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.listeners, id)
			e.mu.Unlock()
		})
	}
}

// UpdateMessageStatus overlays a delivered or read receipt on a message that
// is still queued. It reports false when the message has left the queue or
// status is not a receipt.
func (e *Engine) UpdateMessageStatus(messageID string, status models.MessageStatus) bool {
	if !status.IsReceipt() {
		return false
	}

	e.mu.Lock()
	i := e.indexLocked(messageID)
	if i < 0 {
		e.mu.Unlock()
		return false
	}
	e.queue[i].Status = status
	e.persistLocked(context.Background())
	e.notifyAndUnlock(e.snapshotLocked())
	return true
}

// Wake asks Run to attempt a run now. It never blocks.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Tick attempts one processing run on the head message. It returns true when
// work remains and another run should follow after the retry delay. A call
// while another run is active, while offline, or on an empty queue does nothing.
// A send cut short by ctx ending leaves the head queued with its retry count
// unchanged; only the per-attempt send timeout counts as a failure.
func (e *Engine) Tick(ctx context.Context) bool {
	e.mu.Lock()
	if len(e.queue) == 0 || e.processing || !e.conn.IsOnline() {
		e.mu.Unlock()
		return false
	}
	e.processing = true
	e.queue[0].Status = models.StatusSending
	msg := e.queue[0]
	e.persistLocked(ctx)
	e.notifyAndUnlock(e.snapshotLocked())

	start := e.now()
	err := e.attempt(ctx, msg)
	elapsed := e.now().Sub(start)

	fields := logrus.Fields{
		constants.LogFieldMessageID:      privacy.MaskMessageID(msg.ID),
		constants.LogFieldConversationID: privacy.MaskID(msg.ConversationID),
		constants.LogFieldDuration:       elapsed.Milliseconds(),
	}

	e.mu.Lock()
	e.processing = false
	i := e.indexLocked(msg.ID)
	if i < 0 {
		// only the running Tick removes entries, so this cannot happen
		e.mu.Unlock()
		return false
	}

	// the caller's context may already be done, the outcome must still be saved
	persistCtx := context.WithoutCancel(ctx)

	var snapshots [][]models.QueuedMessage
	outcome := "sent"
	switch {
	case err != nil && ctx.Err() != nil:
		// shutdown interrupted the send; it is not a delivery failure
		outcome = "interrupted"
		e.queue[i].Status = models.StatusQueued
		fields[constants.LogFieldRetryCount] = e.queue[i].RetryCount
		e.persistLocked(persistCtx)
		snapshots = append(snapshots, e.snapshotLocked())
		e.logger.WithFields(fields).Info("Send interrupted, message stays queued")
		metrics.RecordTimer(metrics.QueueSendDuration, elapsed, map[string]string{"outcome": outcome}, "Duration of one delivery attempt")
		e.notifyAndUnlock(snapshots...)
		return false

	case err == nil:
		e.queue[i].Status = models.StatusSent
		snapshots = append(snapshots, e.snapshotLocked())
		e.removeLocked(i)
		e.persistLocked(persistCtx)
		snapshots = append(snapshots, e.snapshotLocked())

		metrics.IncrementCounter(metrics.QueueMessagesSent, nil, "Messages confirmed by the backend")
		fields[constants.LogFieldRetryCount] = msg.RetryCount
		e.logger.WithFields(fields).Info("Message sent")

	case e.queue[i].RetryCount+1 >= e.maxAttempts:
		outcome = "failed"
		e.queue[i].RetryCount++
		e.queue[i].Status = models.StatusFailed
		fields[constants.LogFieldRetryCount] = e.queue[i].RetryCount
		fields["content"] = privacy.MaskContent(e.queue[i].Content)
		snapshots = append(snapshots, e.snapshotLocked())
		e.removeLocked(i)
		e.persistLocked(persistCtx)
		snapshots = append(snapshots, e.snapshotLocked())

		metrics.IncrementCounter(metrics.QueueMessagesFailed, nil, "Messages dropped after exhausting attempts")
		e.errLogger.LogError(err, "Message delivery failed permanently", fields)

	default:
		outcome = "retry"
		e.queue[i].RetryCount++
		e.queue[i].Status = models.StatusQueued
		fields[constants.LogFieldRetryCount] = e.queue[i].RetryCount
		e.persistLocked(persistCtx)
		snapshots = append(snapshots, e.snapshotLocked())

		e.errLogger.LogRetryableError(err, "Message delivery failed, will retry", fields)
	}

	metrics.RecordTimer(metrics.QueueSendDuration, elapsed, map[string]string{"outcome": outcome}, "Duration of one delivery attempt")
	again := len(e.queue) > 0 && e.conn.IsOnline()
	e.notifyAndUnlock(snapshots...)
	return again
}

// attempt performs one delivery of msg. Any error, including a panic in a
// collaborator, is returned as a send failure.
func (e *Engine) attempt(ctx context.Context, msg models.QueuedMessage) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(ctx, tracing.SpanQueueSend,
		tracing.AttrMessageID.String(msg.ID),
		tracing.AttrConversationID.String(msg.ConversationID),
		tracing.AttrRetryCount.Int(msg.RetryCount),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrCodeInternalError, fmt.Sprintf("delivery panicked: %v", r))
		}
		if err != nil {
			tracing.RecordError(ctx, err, tracing.AttrOutcome.String("error"))
			return
		}
		tracing.SetSpanStatus(ctx, codes.Ok, "")
		tracing.AddSpanAttributes(ctx, tracing.AttrOutcome.String("sent"))
	}()

	metrics.IncrementCounter(metrics.QueueSendAttempts, nil, "Delivery attempts made by the queue")

	if e.auth == nil {
		return apperrors.NewAuthError("no authenticator configured")
	}
	senderID, err := e.auth.CurrentUserID(ctx)
	if err != nil {
		return err
	}
	if senderID == "" {
		return apperrors.NewAuthError("no authenticated user")
	}

	return e.deliverer.InsertMessage(ctx, models.NewMessageInsert(msg, senderID))
}

// Run drives processing until ctx is done. Runs are triggered by Wake, by
// the follow-up timer after a run that left work behind, and by a fallback
// poll that fires only when online with a non-empty queue.
func (e *Engine) Run(ctx context.Context) {
	poll := time.NewTicker(e.pollInterval)
	defer poll.Stop()

	followUp := time.NewTimer(e.retryDelay)
	followUp.Stop()
	defer followUp.Stop()
	followUpPending := false

	run := func() {
		followUp.Stop()
		followUpPending = false
		again := e.Tick(ctx)
		// wakes that arrived during the run would have found it in progress
		select {
		case <-e.wake:
		default:
		}
		if again && ctx.Err() == nil {
			followUp.Reset(e.retryDelay)
			followUpPending = true
		}
	}

	e.logger.WithFields(logrus.Fields{
		constants.LogFieldComponent:  "queue",
		constants.LogFieldQueueDepth: e.Len(),
	}).Debug("Queue scheduler started")

	run()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			run()
		case <-followUp.C:
			followUpPending = false
			run()
		case <-poll.C:
			if !followUpPending && e.shouldPoll() {
				run()
			}
		}
	}
}

func (e *Engine) shouldPoll() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue) > 0 && !e.processing && e.conn.IsOnline()
}

func (e *Engine) indexLocked(messageID string) int {
	for i := range e.queue {
		if e.queue[i].ID == messageID {
			return i
		}
	}
	return -1
}

func (e *Engine) removeLocked(i int) {
	e.queue = append(e.queue[:i], e.queue[i+1:]...)
}

func (e *Engine) snapshotLocked() []models.QueuedMessage {
	out := make([]models.QueuedMessage, len(e.queue))
	copy(out, e.queue)
	return out
}

// persistLocked writes the queue through to the store. A failed write is
// logged and the in-memory queue stays authoritative.
func (e *Engine) persistLocked(ctx context.Context) {
	metrics.SetGauge(metrics.QueueDepth, float64(len(e.queue)), nil, "Messages waiting in the outbound queue")
	if err := e.store.Save(context.WithoutCancel(ctx), e.snapshotLocked()); err != nil {
		e.errLogger.LogError(err, "Failed to persist outbound queue", logrus.Fields{
			constants.LogFieldQueueDepth: len(e.queue),
		})
	}
}

// notifyAndUnlock releases mu and hands each snapshot to every listener, in order.
func (e *Engine) notifyAndUnlock(snapshots ...[]models.QueuedMessage) {
	ids := make([]int, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id])
	}
	e.notifyMu.Lock()
	e.mu.Unlock()
	defer e.notifyMu.Unlock()

	for _, snapshot := range snapshots {
		for _, fn := range listeners {
			e.deliver(fn, snapshot)
		}
	}
}

// deliver calls fn with its own copy of snapshot so listeners may retain or modify it.
func (e *Engine) deliver(fn Listener, snapshot []models.QueuedMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.WithField("panic", r).Error("Queue listener panicked")
		}
	}()
	own := make([]models.QueuedMessage, len(snapshot))
	copy(own, snapshot)
	fn(own)
}
