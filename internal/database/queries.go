package database

// Queue slot queries
const (
	SelectSlotQuery = `SELECT value FROM kv_slots WHERE key = ?`

	UpsertSlotQuery = `
		INSERT INTO kv_slots (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`

	DeleteSlotQuery = `DELETE FROM kv_slots WHERE key = ?`
)

// Lease queries. A lease can be taken when it is free, expired, or already ours.
const (
	ClaimLeaseQuery = `
		INSERT INTO slot_leases (key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET owner = excluded.owner, expires_at = excluded.expires_at
		WHERE slot_leases.owner = excluded.owner OR slot_leases.expires_at <= ?
	`

	SelectLeaseOwnerQuery = `SELECT owner, expires_at FROM slot_leases WHERE key = ?`

	ReleaseLeaseQuery = `DELETE FROM slot_leases WHERE key = ? AND owner = ?`
)

// Message queries used by the development backend
const (
	InsertMessageIgnoreQuery = `
		INSERT OR IGNORE INTO messages (id, conversation_id, profile_id, content, is_read, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	SelectMessageByIDQuery = `
		SELECT id, conversation_id, profile_id, content, is_read, created_at
		FROM messages
		WHERE id = ?
	`

	SelectMessagesByConversationQuery = `
		SELECT id, conversation_id, profile_id, content, is_read, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`

	MarkMessageReadQuery = `UPDATE messages SET is_read = 1 WHERE id = ? AND is_read = 0`
)
