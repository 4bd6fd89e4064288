package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	apperrors "silvenger/internal/errors"
	"silvenger/internal/migrations"
	"silvenger/internal/models"
	"silvenger/internal/security"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so TEXT timestamps sort chronologically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type Database struct {
	db        *sql.DB
	encryptor *encryptor
}

// New opens (creating if needed) the sqlite file at dbPath and applies migrations
func New(ctx context.Context, dbPath string) (*Database, error) {
	if !security.IsMemoryDSN(dbPath) {
		if err := security.ValidateFilePath(dbPath); err != nil {
			return nil, apperrors.NewValidationError("database_path", dbPath, err.Error())
		}

		if dir := filepath.Dir(dbPath); dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0600)
		if err != nil {
			return nil, fmt.Errorf("failed to create database file: %w", err)
		}
		if err := file.Close(); err != nil {
			return nil, fmt.Errorf("failed to close database file: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+dsnOptions(dbPath))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseConnection, "failed to open database")
	}
	// sqlite serializes writers anyway; one connection also keeps :memory: databases shared
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseConnection, "failed to ping database")
	}

	if err := migrations.Run(ctx, db); err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeDatabaseQuery, "failed to initialize schema")
	}

	enc, err := NewEncryptor()
	if err != nil {
		_ = db.Close()
		return nil, apperrors.Wrap(err, apperrors.ErrCodeInvalidConfig, "failed to initialize encryptor")
	}

	return &Database{db: db, encryptor: enc}, nil
}

func dsnOptions(dbPath string) string {
	if security.IsMemoryDSN(dbPath) {
		return ""
	}
	return "?_busy_timeout=5000&_journal_mode=WAL"
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Ping reports whether the database is reachable
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// GetSlot returns the stored value for key. ok is false when nothing was ever stored.
func (d *Database) GetSlot(ctx context.Context, key string) (value string, ok bool, err error) {
	var stored string
	err = retryableDBOperationNoReturn(ctx, func() error {
		return d.db.QueryRowContext(ctx, SelectSlotQuery, key).Scan(&stored)
	}, "get slot")
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, apperrors.NewDatabaseError("get slot", err)
	}

	value, err = d.encryptor.Decrypt(stored)
	if err != nil {
		return "", false, apperrors.NewCorruptQueueError(key, err)
	}
	return value, true, nil
}

// PutSlot replaces the value stored under key
func (d *Database) PutSlot(ctx context.Context, key, value string) error {
	sealed, err := d.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt slot: %w", err)
	}

	err = retryableDBOperationNoReturn(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, UpsertSlotQuery, key, sealed, time.Now().UTC().Format(timeLayout))
		return execErr
	}, "put slot")
	if err != nil {
		return apperrors.NewDatabaseError("put slot", err)
	}
	return nil
}

// DeleteSlot removes key. Deleting a missing key is not an error.
func (d *Database) DeleteSlot(ctx context.Context, key string) error {
	err := retryableDBOperationNoReturn(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, DeleteSlotQuery, key)
		return execErr
	}, "delete slot")
	if err != nil {
		return apperrors.NewDatabaseError("delete slot", err)
	}
	return nil
}

// ClaimLease takes or renews the single-writer lease on key for owner.
// It returns the current holder, which differs from owner when the claim lost.
func (d *Database) ClaimLease(ctx context.Context, key, owner string, ttl time.Duration) (holder string, acquired bool, err error) {
	now := time.Now()
	expires := now.Add(ttl).UnixMilli()

	err = retryableDBOperationNoReturn(ctx, func() error {
		tx, txErr := d.db.BeginTx(ctx, nil)
		if txErr != nil {
			return txErr
		}
		defer func() { _ = tx.Rollback() }()

		if _, execErr := tx.ExecContext(ctx, ClaimLeaseQuery, key, owner, expires, now.UnixMilli()); execErr != nil {
			return execErr
		}
		var expiresAt int64
		if scanErr := tx.QueryRowContext(ctx, SelectLeaseOwnerQuery, key).Scan(&holder, &expiresAt); scanErr != nil {
			return scanErr
		}
		return tx.Commit()
	}, "claim lease")
	if err != nil {
		return "", false, apperrors.NewDatabaseError("claim lease", err)
	}

	return holder, holder == owner, nil
}

// ReleaseLease drops the lease on key if owner still holds it
func (d *Database) ReleaseLease(ctx context.Context, key, owner string) error {
	err := retryableDBOperationNoReturn(ctx, func() error {
		_, execErr := d.db.ExecContext(ctx, ReleaseLeaseQuery, key, owner)
		return execErr
	}, "release lease")
	if err != nil {
		return apperrors.NewDatabaseError("release lease", err)
	}
	return nil
}

// InsertMessage stores msg unless a row with the same id already exists.
// inserted is false for a duplicate, which callers treat as success.
func (d *Database) InsertMessage(ctx context.Context, msg models.ServerMessage) (inserted bool, err error) {
	content, err := d.encryptor.Encrypt(msg.Content)
	if err != nil {
		return false, fmt.Errorf("failed to encrypt content: %w", err)
	}

	affected, err := retryableDBOperation(ctx, func() (int64, error) {
		res, execErr := d.db.ExecContext(ctx, InsertMessageIgnoreQuery,
			msg.ID,
			msg.ConversationID,
			msg.SenderID,
			content,
			msg.IsRead,
			msg.CreatedAt.UTC().Format(timeLayout),
		)
		if execErr != nil {
			return 0, execErr
		}
		return res.RowsAffected()
	}, "insert message")
	if err != nil {
		return false, apperrors.NewDatabaseError("insert message", err)
	}

	return affected > 0, nil
}

// GetMessage returns the row with id, or nil when it does not exist
func (d *Database) GetMessage(ctx context.Context, id string) (*models.ServerMessage, error) {
	row := d.db.QueryRowContext(ctx, SelectMessageByIDQuery, id)
	msg, err := d.scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get message", err)
	}
	return msg, nil
}

// ListMessages returns up to limit rows of a conversation, oldest first
func (d *Database) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.ServerMessage, error) {
	rows, err := d.db.QueryContext(ctx, SelectMessagesByConversationQuery, conversationID, limit)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	defer rows.Close()

	messages := make([]models.ServerMessage, 0)
	for rows.Next() {
		msg, err := d.scanMessage(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("list messages", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list messages", err)
	}
	return messages, nil
}

// MarkRead sets is_read on id. changed is false when the row was already read.
// The returned row is nil when id does not exist.
func (d *Database) MarkRead(ctx context.Context, id string) (msg *models.ServerMessage, changed bool, err error) {
	affected, err := retryableDBOperation(ctx, func() (int64, error) {
		res, execErr := d.db.ExecContext(ctx, MarkMessageReadQuery, id)
		if execErr != nil {
			return 0, execErr
		}
		return res.RowsAffected()
	}, "mark read")
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("mark read", err)
	}

	msg, err = d.GetMessage(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return msg, affected > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (d *Database) scanMessage(row rowScanner) (*models.ServerMessage, error) {
	var (
		msg       models.ServerMessage
		content   string
		createdAt string
	)
	if err := row.Scan(&msg.ID, &msg.ConversationID, &msg.SenderID, &content, &msg.IsRead, &createdAt); err != nil {
		return nil, err
	}

	var err error
	msg.Content, err = d.encryptor.Decrypt(content)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt message %s: %w", msg.ID, err)
	}
	msg.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse created_at for %s: %w", msg.ID, err)
	}
	return &msg, nil
}
