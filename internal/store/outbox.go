package store

import (
	"context"
	"time"
)

// QueueOutbox adds a message to the send outbox.
func (r *Repo) QueueOutbox(ctx context.Context, clientMsgID, instance, remoteJID, body string) error {
	now := time.Now().UnixMilli()
	_, err := r.exec(ctx, `
		INSERT INTO outbox (client_msg_id, instance_id, remote_jid, body, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', ?, ?)`,
		clientMsgID, instance, remoteJID, body, now, now)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// MarkOutboxSending moves a queued entry to 'sending'. It reports false when
// the entry was no longer queued.
func (r *Repo) MarkOutboxSending(ctx context.Context, clientMsgID string) (bool, error) {
	now := time.Now().UnixMilli()
	res, err := r.exec(ctx, `UPDATE outbox SET status = 'sending', updated_at = ? WHERE client_msg_id = ? AND status = 'queued'`,
		now, clientMsgID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkOutboxSent updates an outbox entry to 'sent' with the server message ID.
func (r *Repo) MarkOutboxSent(ctx context.Context, clientMsgID, serverMsgID string) error {
	now := time.Now().UnixMilli()
	_, err := r.exec(ctx, `UPDATE outbox SET status = 'sent', server_msg_id = ?, updated_at = ? WHERE client_msg_id = ?`,
		serverMsgID, now, clientMsgID)
	return err
}

// MarkOutboxFailed updates an outbox entry to 'failed' with an error message.
func (r *Repo) MarkOutboxFailed(ctx context.Context, clientMsgID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := r.exec(ctx, `UPDATE outbox SET status = 'failed', error_message = ?, updated_at = ? WHERE client_msg_id = ?`,
		errMsg, now, clientMsgID)
	return err
}

// GetOutbox returns an outbox entry by client message id, or nil.
func (r *Repo) GetOutbox(ctx context.Context, clientMsgID string) (*OutboxEntry, error) {
	rows, err := r.query(ctx, `
		SELECT id, client_msg_id, instance_id, remote_jid, body, status, error_message, server_msg_id, created_at
		FROM outbox WHERE client_msg_id = ?`, clientMsgID)
	if err != nil {
		return nil, err
	}
	entries, err := scanOutbox(rows)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return &entries[0], nil
}

// PendingOutbox returns outbox entries that are still queued, oldest first.
func (r *Repo) PendingOutbox(ctx context.Context, limit int) ([]OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.query(ctx, `
		SELECT id, client_msg_id, instance_id, remote_jid, body, status, error_message, server_msg_id, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	return scanOutbox(rows)
}

func scanOutbox(rows interface {
	Next() bool
	Scan(...any) error
	Err() error
	Close() error
}) ([]OutboxEntry, error) {
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.ClientMsgID, &e.InstanceID, &e.RemoteJID, &e.Body, &e.Status,
			&e.ErrorMessage, &e.ServerMsgID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
