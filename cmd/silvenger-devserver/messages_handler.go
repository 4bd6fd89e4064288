package main

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"silvenger/internal/constants"
	apperrors "silvenger/internal/errors"
	"silvenger/internal/metrics"
	"silvenger/internal/middleware"
	"silvenger/internal/models"
	"silvenger/internal/privacy"
	"silvenger/internal/validation"
	"silvenger/pkg/backend"

	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 500
	maxListLimit     = 1000
)

// MessageStore is the persistence the development backend needs.
// *database.Database satisfies it.
type MessageStore interface {
	Ping(ctx context.Context) error
	InsertMessage(ctx context.Context, msg models.ServerMessage) (bool, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.ServerMessage, error)
	MarkRead(ctx context.Context, id string) (*models.ServerMessage, bool, error)
}

// handleInsertMessage stores a message row keyed by its client generated id.
// Re-posting an id that already exists never creates a second row: with
// "Prefer: resolution=ignore-duplicates" it answers 200, otherwise 409.
func (s *Server) handleInsertMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		userID, _ := middleware.UserID(ctx)

		var row models.MessageInsert
		if err := s.decodeBody(w, r, &row); err != nil {
			s.writeError(w, r, err)
			return
		}
		if row.ConversationID != "" {
			r = withConversation(r, row.ConversationID)
		}
		if err := validateInsert(&row, userID); err != nil {
			s.writeError(w, r, err)
			return
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = time.Now().UTC()
		}

		msg := models.ServerMessage{
			ID:             row.ID,
			ConversationID: row.ConversationID,
			SenderID:       row.SenderID,
			Content:        row.Content,
			IsRead:         row.IsRead,
			CreatedAt:      row.CreatedAt,
		}

		inserted, err := s.store.InsertMessage(ctx, msg)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		fields := logrus.Fields{
			constants.LogFieldMessageID:      privacy.MaskMessageID(msg.ID),
			constants.LogFieldConversationID: privacy.MaskID(msg.ConversationID),
			constants.LogFieldUserID:         privacy.MaskUserID(userID),
		}

		if !inserted {
			s.logger.WithFields(fields).Debug("Duplicate message insert")
			if preferIgnoreDuplicates(r) {
				w.WriteHeader(http.StatusOK)
				return
			}
			s.writeError(w, r, apperrors.NewConflictError("message", msg.ID))
			return
		}

		metrics.IncrementCounter(metrics.ServerMessagesStored, nil, "Message rows stored by the development backend")
		peers := s.hub.PublishChange(msg.ConversationID, models.ChangeEvent{Type: models.ChangeInsert, Row: msg})
		fields[constants.LogFieldCount] = peers
		s.logger.WithFields(fields).Info("Message stored")

		if strings.Contains(r.Header.Get("Prefer"), "return=minimal") {
			w.WriteHeader(http.StatusCreated)
			return
		}
		s.writeJSON(w, r, http.StatusCreated, []models.ServerMessage{msg})
	}
}

// handleListMessages answers GET /rest/v1/messages?conversation_id=eq.<id>
// with the conversation's rows ordered by created_at ascending.
func (s *Server) handleListMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		query := r.URL.Query()

		conversationID, err := eqFilter(query.Get("conversation_id"), "conversation_id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		r = withConversation(r, conversationID)
		if order := query.Get("order"); order != "" && order != "created_at.asc" {
			s.writeError(w, r, apperrors.NewValidationError("order", order, "only created_at.asc is supported"))
			return
		}

		limit := defaultListLimit
		if raw := query.Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				s.writeError(w, r, apperrors.NewValidationError("limit", raw, "limit must be a number"))
				return
			}
			if err := validation.ValidateNumericRange(n, "limit", 1, maxListLimit); err != nil {
				s.writeError(w, r, err)
				return
			}
			limit = n
		}

		rows, err := s.store.ListMessages(r.Context(), conversationID, limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeJSON(w, r, http.StatusOK, rows)
	}
}

// handleMarkRead answers PATCH /rest/v1/messages?id=eq.<id> with body
// {"is_read":true}. An UPDATE event goes out only when the flag flipped.
func (s *Server) handleMarkRead() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		id, err := eqFilter(r.URL.Query().Get("id"), "id")
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var body backend.MarkReadRequest
		if err := s.decodeBody(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
		if !body.IsRead {
			s.writeError(w, r, apperrors.NewValidationError("is_read", "false", "messages can only be marked read"))
			return
		}

		msg, changed, err := s.store.MarkRead(ctx, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if msg == nil {
			s.writeError(w, r, apperrors.NewNotFoundError("message", id))
			return
		}

		if changed {
			s.hub.PublishChange(msg.ConversationID, models.ChangeEvent{Type: models.ChangeUpdate, Row: *msg})
			s.logger.WithFields(logrus.Fields{
				constants.LogFieldMessageID:      privacy.MaskMessageID(msg.ID),
				constants.LogFieldConversationID: privacy.MaskID(msg.ConversationID),
			}).Debug("Message marked read")
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, maxRequestBytes); err != nil {
		return err
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidInput, "invalid request body")
	}
	return nil
}

// validateInsert checks the row and fills in the sender. A row may only be
// written on behalf of the authenticated user.
func validateInsert(row *models.MessageInsert, userID string) error {
	if err := validation.ValidateMessageID(row.ID); err != nil {
		return err
	}
	if err := validation.ValidateIdentifier(row.ConversationID, "conversation_id"); err != nil {
		return err
	}
	if err := validation.ValidateMessageContent(row.Content); err != nil {
		return err
	}
	switch row.SenderID {
	case "":
		row.SenderID = userID
	case userID:
	default:
		return apperrors.New(apperrors.ErrCodeAuthorization, "profile_id does not match the authenticated user")
	}
	return nil
}

// eqFilter parses a PostgREST style "eq.<value>" filter.
func eqFilter(raw, field string) (string, error) {
	value, ok := strings.CutPrefix(raw, "eq.")
	if !ok {
		return "", apperrors.NewValidationError(field, raw, field+" filter must have the form eq.<value>")
	}
	if err := validation.ValidateIdentifier(value, field); err != nil {
		return "", err
	}
	return value, nil
}

func preferIgnoreDuplicates(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Prefer"), "resolution=ignore-duplicates")
}
