package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/models"
	"silvenger/internal/privacy"
	"silvenger/internal/tracing"
	"silvenger/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// Endpoint paths exposed by the backend
const (
	MessagesPath = "/rest/v1/messages"
	UserPath     = "/auth/v1/user"
	HealthPath   = "/health"
)

// maxErrorBody bounds how much of an error response is kept for diagnostics.
const maxErrorBody = 4096

type Client interface {
	InsertMessage(ctx context.Context, row models.MessageInsert) error
	ListMessages(ctx context.Context, conversationID string) ([]models.ServerMessage, error)
	MarkRead(ctx context.Context, messageID string) error
	CurrentUserID(ctx context.Context) (string, error)
	Health(ctx context.Context) error
}

type BackendClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	logger  *logrus.Logger

	mu          sync.RWMutex
	accessToken string
	userID      string
}

// UserResponse is the body of GET /auth/v1/user.
type UserResponse struct {
	ID string `json:"id"`
}

// MarkReadRequest is the PATCH body sent to flip a row's read flag.
type MarkReadRequest struct {
	IsRead bool `json:"is_read"`
}

func NewClient(cfg models.BackendConfig, httpClient *http.Client) *BackendClient {
	return NewClientWithLogger(cfg, httpClient, nil)
}

func NewClientWithLogger(cfg models.BackendConfig, httpClient *http.Client, logger *logrus.Logger) *BackendClient {
	if httpClient == nil {
		timeout := time.Duration(cfg.TimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = constants.DefaultBackendTimeoutSec * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	maxFailures := cfg.CircuitMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultCircuitMaxFailures
	}
	circuitTimeout := time.Duration(cfg.CircuitTimeoutSec) * time.Second
	if circuitTimeout <= 0 {
		circuitTimeout = constants.DefaultCircuitTimeoutSec * time.Second
	}

	breaker := circuitbreaker.NewWithLogger("backend", uint32(maxFailures), circuitTimeout, logger) // #nosec G115 - positive config value
	breaker.SetFailurePredicate(tripsCircuit)
	breaker.OnStateChange(func(name string, from, to circuitbreaker.State) {
		metrics.IncrementCounter(metrics.BackendCircuitChanges,
			map[string]string{"from": from.String(), "to": to.String()},
			"Backend circuit breaker state transitions")
		logger.WithFields(logrus.Fields{
			"circuit_breaker": name,
			"from":            from.String(),
			"to":              to.String(),
		}).Warn("Backend circuit changed state")
	})

	return &BackendClient{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		accessToken: cfg.AccessToken,
		client:      httpClient,
		breaker:     breaker,
		logger:      logger,
	}
}

// tripsCircuit counts only failures that say the backend is unhealthy:
// transport errors, timeouts, 5xx and 429. Local encoding problems and
// rejected rows leave the circuit alone.
func tripsCircuit(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	return apperrors.IsRetryable(err)
}

// SetAccessToken replaces the session token and forgets the cached identity.
func (c *BackendClient) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
	c.userID = ""
}

// Breaker exposes the circuit breaker so callers can report its state.
func (c *BackendClient) Breaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// InsertMessage creates the row for an outbound message. The row id is the
// client generated message id, so a retried insert that already landed is
// reported as a conflict or ignored by the backend and treated as success.
func (c *BackendClient) InsertMessage(ctx context.Context, row models.MessageInsert) error {
	ctx, span := tracing.StartSpan(ctx, tracing.SpanBackendInsert,
		tracing.AttrMessageID.String(row.ID),
		tracing.AttrConversationID.String(row.ConversationID),
	)
	defer span.End()

	headers := map[string]string{"Prefer": "resolution=ignore-duplicates,return=minimal"}
	err := c.do(ctx, http.MethodPost, MessagesPath, nil, row, nil, headers,
		http.StatusCreated, http.StatusOK, http.StatusNoContent, http.StatusConflict)
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	c.logger.WithFields(logrus.Fields{
		constants.LogFieldMessageID:      privacy.MaskMessageID(row.ID),
		constants.LogFieldConversationID: privacy.MaskID(row.ConversationID),
	}).Debug("Message inserted")
	return nil
}

// ListMessages returns the confirmed messages of a conversation ordered by creation time.
func (c *BackendClient) ListMessages(ctx context.Context, conversationID string) ([]models.ServerMessage, error) {
	query := url.Values{}
	query.Set("conversation_id", "eq."+conversationID)
	query.Set("order", "created_at.asc")

	var rows []models.ServerMessage
	if err := c.do(ctx, http.MethodGet, MessagesPath, query, nil, &rows, nil, http.StatusOK); err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.ServerMessage{}
	}
	return rows, nil
}

// MarkRead flips the read flag of a message row.
func (c *BackendClient) MarkRead(ctx context.Context, messageID string) error {
	query := url.Values{}
	query.Set("id", "eq."+messageID)
	return c.do(ctx, http.MethodPatch, MessagesPath, query, MarkReadRequest{IsRead: true}, nil, nil,
		http.StatusOK, http.StatusNoContent)
}

// CurrentUserID resolves the identity behind the access token. A missing
// token or a rejected session yields an authentication error.
func (c *BackendClient) CurrentUserID(ctx context.Context) (string, error) {
	c.mu.RLock()
	cached, token := c.userID, c.accessToken
	c.mu.RUnlock()
	if cached != "" {
		return cached, nil
	}
	if token == "" {
		return "", apperrors.NewAuthError("no access token")
	}

	var user UserResponse
	if err := c.do(ctx, http.MethodGet, UserPath, nil, nil, &user, nil, http.StatusOK); err != nil {
		if code, ok := statusCode(err); ok && (code == http.StatusUnauthorized || code == http.StatusForbidden) {
			return "", apperrors.NewAuthError("session rejected").WithContext("status_code", code)
		}
		return "", err
	}
	if user.ID == "" {
		return "", apperrors.NewAuthError("backend returned no user id")
	}

	c.mu.Lock()
	if c.accessToken == token {
		c.userID = user.ID
	}
	c.mu.Unlock()
	return user.ID, nil
}

// Health checks backend reachability. It bypasses the circuit breaker so a
// probe can observe recovery while the circuit is open.
func (c *BackendClient) Health(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, HealthPath, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return apperrors.NewTransportError(HealthPath, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return apperrors.NewAPIError(HealthPath, resp.StatusCode, fmt.Errorf("health check returned %d", resp.StatusCode))
	}
	return nil
}

func (c *BackendClient) newRequest(ctx context.Context, method, path string, query url.Values, body interface{}) (*http.Request, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	c.mu.RLock()
	token := c.accessToken
	c.mu.RUnlock()
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if requestID := tracing.GetRequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-ID", requestID)
	}
	return req, nil
}

// do runs one request through the circuit breaker and decodes the response into out.
func (c *BackendClient) do(ctx context.Context, method, path string, query url.Values, body, out interface{}, headers map[string]string, okStatuses ...int) error {
	start := time.Now()
	status := 0

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		req, err := c.newRequest(ctx, method, path, query, body)
		if err != nil {
			return err
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return apperrors.NewTimeoutError(method+" "+path, time.Since(start).Round(time.Millisecond).String())
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			return apperrors.NewTransportError(path, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode

		if !containsStatus(okStatuses, resp.StatusCode) {
			respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			return apperrors.NewAPIError(path, resp.StatusCode,
				fmt.Errorf("request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody))))
		}

		if out == nil || resp.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		return nil
	})

	if circuitbreaker.IsCircuitBreakerError(err) {
		metrics.IncrementCounter(metrics.BackendRejected, map[string]string{"method": method, "endpoint": path},
			"Backend requests refused while the circuit was open")
		c.logger.WithFields(logrus.Fields{
			constants.LogFieldMethod:   method,
			constants.LogFieldEndpoint: path,
		}).Debug("Backend request refused by open circuit")
		return err
	}

	labels := map[string]string{
		"method":   method,
		"endpoint": path,
		"status":   strconv.Itoa(status),
	}
	metrics.IncrementCounter(metrics.BackendRequests, labels, "Requests made to the backend")
	metrics.RecordTimer(metrics.BackendRequestTime, time.Since(start), map[string]string{"method": method, "endpoint": path}, "Backend request latency")

	if err != nil {
		c.logger.WithFields(logrus.Fields{
			constants.LogFieldMethod:     method,
			constants.LogFieldEndpoint:   path,
			constants.LogFieldStatusCode: status,
			constants.LogFieldDuration:   time.Since(start).Milliseconds(),
		}).WithError(err).Debug("Backend request failed")
	}
	return err
}

func containsStatus(statuses []int, code int) bool {
	for _, s := range statuses {
		if s == code {
			return true
		}
	}
	return false
}

func statusCode(err error) (int, bool) {
	appErr, ok := apperrors.As(err)
	if !ok || appErr.Code != apperrors.ErrCodeBackendAPI {
		return 0, false
	}
	code, ok := appErr.Context["status_code"].(int)
	return code, ok
}
