package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode/utf8"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/privacy"
	"silvenger/internal/queue"
	"silvenger/internal/realtime"
	"silvenger/internal/timeline"
	"silvenger/internal/validation"
	"silvenger/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// identitySlotKey caches the last resolved user id so the client can start
// and queue messages while the backend is unreachable.
const identitySlotKey = "silvenger_identity"

// maxInputLine bounds one line of input in bytes. It admits the longest
// valid message even when every character takes four bytes.
const maxInputLine = constants.MaxMessageContentLength*utf8.UTFMax + 1

// API is the backend surface the client needs. *backend.BackendClient
// satisfies it.
type API interface {
	queue.Deliverer
	queue.Authenticator
	timeline.Lister
	timeline.ReadMarker
}

// breakerReporter is implemented by backends that guard requests with a
// circuit breaker.
type breakerReporter interface {
	Breaker() *circuitbreaker.CircuitBreaker
}

// Connectivity reports reachability and announces transitions.
// *connectivity.Monitor satisfies it.
type Connectivity interface {
	IsOnline() bool
	OnChange(fn func(online bool)) (unsubscribe func())
}

// Deps are the collaborators an App is built from. Broadcast, Slots and
// Conn are optional.
type Deps struct {
	API       API
	Feed      realtime.ChangeFeed
	Broadcast realtime.Broadcast
	Store     queue.Store
	Slots     queue.SlotBackend
	Conn      Connectivity
	Out       io.Writer
	Color     bool
	Logger    *logrus.Logger
}

// App is the terminal chat client for one conversation.
type App struct {
	conversationID string
	queueCfg       models.QueueConfig
	deps           Deps
	logger         *logrus.Logger
	errLogger      *apperrors.Logger
	renderer       *Renderer

	userID string
	engine *queue.Engine
	view   *timeline.Timeline
	typing *realtime.TypingTracker

	mu           sync.Mutex
	sub          realtime.Subscription
	channel      realtime.Channel
	typingActive bool
	unwatch      func()
	unlisten     func()
}

func NewApp(conversationID string, queueCfg models.QueueConfig, deps Deps) *App {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
		deps.Logger.SetLevel(logrus.WarnLevel)
	}
	if deps.Out == nil {
		deps.Out = io.Discard
	}
	return &App{
		conversationID: conversationID,
		queueCfg:       queueCfg,
		deps:           deps,
		logger:         deps.Logger,
		errLogger:      apperrors.FromLogrus(deps.Logger),
		renderer:       NewRenderer(deps.Out, deps.Color),
	}
}

// Start resolves the current user, restores the queue, loads the
// conversation and opens the realtime subscriptions. Only a missing identity
// is fatal; an unreachable backend leaves the client working offline.
func (a *App) Start(ctx context.Context) error {
	if err := validation.ValidateIdentifier(a.conversationID, "conversation"); err != nil {
		return err
	}

	userID, err := a.resolveIdentity(ctx)
	if err != nil {
		return err
	}
	a.userID = userID
	a.view = timeline.New(a.conversationID, userID, a.deps.API, a.logger)
	a.typing = realtime.NewTypingTracker(userID, constants.TypingIndicatorTTL)

	var conn queue.Connectivity
	if a.deps.Conn != nil {
		conn = a.deps.Conn
	}
	opts := append(queue.OptionsFromConfig(a.queueCfg), queue.WithLogger(a.logger))
	a.engine = queue.NewEngine(ctx, a.deps.Store, a.deps.API, a.deps.API, conn, opts...)

	if err := a.view.Load(ctx, a.deps.API); err != nil {
		a.errLogger.LogWarn(err, "Conversation not loaded, showing queued messages only", a.fields())
	}

	a.unlisten = a.engine.AddListener(func(snapshot []models.QueuedMessage) {
		a.view.SetQueue(snapshot)
		a.render()
	})

	a.ensureSubscribed(ctx)
	a.ensureJoined(ctx)

	if a.deps.Conn != nil {
		a.unwatch = a.deps.Conn.OnChange(func(online bool) {
			if !online {
				return
			}
			a.engine.Wake()
			go func() {
				a.ensureSubscribed(ctx)
				a.ensureJoined(ctx)
				a.Reload(ctx)
			}()
		})
	}

	a.logger.WithFields(a.fields()).Info("Client started")
	return nil
}

// Run starts the client, drives the queue and reads one message per line
// from in until EOF, /quit or ctx ends.
func (a *App) Run(ctx context.Context, in io.Reader) error {
	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.engine.Run(runCtx)

	lines := make(chan inputLine)
	go func() {
		defer close(lines)
		err := readLines(in, maxInputLine, func(line inputLine) bool {
			select {
			case lines <- line:
				return true
			case <-runCtx.Done():
				return false
			}
		})
		if err != nil {
			a.logger.WithError(err).Warn("Input closed")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line.oversize {
				a.renderer.Notice("not sent: line is longer than %d characters", constants.MaxMessageContentLength)
				continue
			}
			if a.HandleLine(ctx, line.text) {
				return nil
			}
		}
	}
}

type inputLine struct {
	text     string
	oversize bool
}

// readLines splits in into lines and hands each to yield until yield
// returns false or in is exhausted. A line longer than limit bytes is
// discarded and reported with oversize set.
func readLines(in io.Reader, limit int, yield func(inputLine) bool) error {
	reader := bufio.NewReader(in)
	var buf []byte
	oversize := false
	for {
		chunk, isPrefix, err := reader.ReadLine()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !oversize {
			if len(buf)+len(chunk) > limit {
				oversize = true
				buf = buf[:0]
			} else {
				buf = append(buf, chunk...)
			}
		}
		if isPrefix {
			continue
		}

		line := inputLine{text: string(buf), oversize: oversize}
		buf, oversize = buf[:0], false
		if !yield(line) {
			return nil
		}
	}
}

// HandleLine processes one line of input and reports whether the client
// should exit.
func (a *App) HandleLine(ctx context.Context, line string) (quit bool) {
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return false
	}

	if cmd, ok := strings.CutPrefix(strings.TrimSpace(line), "/"); ok {
		switch cmd {
		case "quit":
			return true
		case "typing":
			a.setTyping(ctx, true)
		case "failed":
			a.listFailed()
		case "retry":
			a.retryFailed()
		case "status":
			a.showStatus()
		default:
			a.renderer.Notice("unknown command /%s (try /typing, /failed, /retry, /status, /quit)", cmd)
		}
		return false
	}

	if err := validation.ValidateMessageContent(line); err != nil {
		a.renderer.Notice("not sent: %s", reason(err))
		return false
	}
	a.setTyping(ctx, false)
	a.engine.Enqueue(a.conversationID, line)
	return false
}

// Reload refetches the conversation. It runs after coming back online and
// after the change feed reconnects, either of which may have missed events.
func (a *App) Reload(ctx context.Context) {
	if a.view == nil {
		return
	}
	if err := a.view.Load(ctx, a.deps.API); err != nil {
		a.errLogger.LogWarn(err, "Failed to reload conversation", a.fields())
		return
	}
	a.render()
}

// Engine exposes the queue for callers that need its state.
func (a *App) Engine() *queue.Engine {
	return a.engine
}

func (a *App) Close() {
	a.mu.Lock()
	sub, channel := a.sub, a.channel
	a.sub, a.channel = nil, nil
	unwatch, unlisten := a.unwatch, a.unlisten
	a.unwatch, a.unlisten = nil, nil
	a.mu.Unlock()

	if unwatch != nil {
		unwatch()
	}
	if unlisten != nil {
		unlisten()
	}
	if channel != nil {
		_ = channel.Close()
	}
	if sub != nil {
		_ = sub.Close()
	}
}

func (a *App) resolveIdentity(ctx context.Context) (string, error) {
	userID, err := a.deps.API.CurrentUserID(ctx)
	if err == nil {
		if a.deps.Slots != nil {
			if putErr := a.deps.Slots.PutSlot(ctx, identitySlotKey, userID); putErr != nil {
				a.errLogger.LogWarn(putErr, "Failed to cache identity")
			}
		}
		return userID, nil
	}

	// a rejected session must not fall back to a stale identity
	if apperrors.HasCode(err, apperrors.ErrCodeAuthentication) || a.deps.Slots == nil {
		return "", fmt.Errorf("failed to resolve current user: %w", err)
	}
	cached, ok, slotErr := a.deps.Slots.GetSlot(ctx, identitySlotKey)
	if slotErr != nil || !ok || cached == "" {
		return "", fmt.Errorf("failed to resolve current user: %w", err)
	}

	a.errLogger.LogWarn(err, "Backend unreachable, using cached identity", logrus.Fields{
		constants.LogFieldUserID: privacy.MaskUserID(cached),
	})
	return cached, nil
}

func (a *App) ensureSubscribed(ctx context.Context) {
	a.mu.Lock()
	done := a.sub != nil
	a.mu.Unlock()
	if done || a.deps.Feed == nil {
		return
	}

	sub, err := a.deps.Feed.Subscribe(ctx, a.conversationID, a.onChange(ctx))
	if err != nil {
		a.errLogger.LogWarn(err, "Change feed unavailable, will retry when online", a.fields())
		return
	}

	a.mu.Lock()
	if a.sub != nil {
		a.mu.Unlock()
		_ = sub.Close()
		return
	}
	a.sub = sub
	a.mu.Unlock()
}

func (a *App) ensureJoined(ctx context.Context) {
	a.mu.Lock()
	done := a.channel != nil
	a.mu.Unlock()
	if done || a.deps.Broadcast == nil {
		return
	}

	channel, err := a.deps.Broadcast.Join(ctx, typingTopic(a.conversationID), a.onBroadcast)
	if err != nil {
		a.errLogger.LogWarn(err, "Typing channel unavailable", a.fields())
		return
	}

	a.mu.Lock()
	if a.channel != nil {
		a.mu.Unlock()
		_ = channel.Close()
		return
	}
	a.channel = channel
	a.mu.Unlock()
}

// onChange folds feed events into the view. Echoes of the user's own rows
// are also reported to the queue as receipts for messages still in flight.
func (a *App) onChange(ctx context.Context) realtime.ChangeHandler {
	return func(event models.ChangeEvent) {
		changed := a.view.Apply(ctx, event)

		if event.Row.SenderID == a.userID {
			switch {
			case event.Type == models.ChangeInsert:
				a.engine.UpdateMessageStatus(event.Row.ID, models.StatusDelivered)
			case event.Type == models.ChangeUpdate && event.Row.IsRead:
				a.engine.UpdateMessageStatus(event.Row.ID, models.StatusRead)
			}
		}

		if changed {
			a.render()
		}
	}
}

func (a *App) onBroadcast(event models.BroadcastEvent) {
	if a.typing.Observe(event) {
		a.renderer.Typing(a.typing.Active())
	}
}

func (a *App) setTyping(ctx context.Context, typing bool) {
	a.mu.Lock()
	channel := a.channel
	if channel == nil || a.typingActive == typing {
		a.mu.Unlock()
		return
	}
	a.typingActive = typing
	a.mu.Unlock()

	payload := realtime.TypingPayload{UserID: a.userID, IsTyping: typing}
	if err := channel.Send(ctx, realtime.TypingEvent, payload); err != nil {
		a.logger.WithError(err).Debug("Failed to send typing signal")
	}
}

func (a *App) listFailed() {
	failed := a.view.Failed()
	if len(failed) == 0 {
		a.renderer.Notice("no failed messages")
		return
	}
	for _, msg := range failed {
		a.renderer.Notice("failed after %d attempts: %s", msg.RetryCount, msg.Content)
	}
}

// retryFailed enqueues the content of every failed message as a new message
// and removes the failed copies from the view.
func (a *App) retryFailed() {
	failed := a.view.Failed()
	for _, msg := range failed {
		if a.view.Dismiss(msg.ID) {
			a.renderer.Forget(msg.ID)
			a.engine.Enqueue(msg.ConversationID, msg.Content)
		}
	}
	a.renderer.Notice("re-queued %d message(s)", len(failed))
}

// showStatus prints queue totals for this process and, when the backend
// exposes one, the state of its circuit breaker.
func (a *App) showStatus() {
	registry := metrics.GetRegistry()
	online := "online"
	if a.deps.Conn != nil && !a.deps.Conn.IsOnline() {
		online = "offline"
	}
	a.renderer.Notice("%s, %.0f queued, %.0f sent, %.0f failed",
		online,
		registry.GaugeValue(metrics.QueueDepth, nil),
		registry.CounterValue(metrics.QueueMessagesSent, nil),
		registry.CounterValue(metrics.QueueMessagesFailed, nil))

	reporter, ok := a.deps.API.(breakerReporter)
	if !ok {
		return
	}
	stats := reporter.Breaker().GetStats()
	line := fmt.Sprintf("backend circuit %s, %d consecutive failures", reporter.Breaker().GetState(), stats.Failures)
	if !stats.LastFailureTime.IsZero() {
		line += ", last at " + stats.LastFailureTime.Local().Format("15:04:05")
	}
	a.renderer.Notice("%s", line)
}

func (a *App) render() {
	a.renderer.Render(a.view.Entries())
}

func (a *App) fields() logrus.Fields {
	return logrus.Fields{
		constants.LogFieldConversationID: privacy.MaskID(a.conversationID),
		constants.LogFieldUserID:         privacy.MaskUserID(a.userID),
	}
}

func reason(err error) string {
	if appErr, ok := apperrors.As(err); ok {
		return appErr.Message
	}
	return err.Error()
}

func typingTopic(conversationID string) string {
	return "typing-" + conversationID
}
