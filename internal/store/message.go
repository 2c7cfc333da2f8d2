package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const messageColumns = `id, instance_id, conversation_id, remote_jid, participant, from_me, message_type,
	content, media_url, media_mime, external_id, status, timestamp, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*Message, error) {
	var (
		m      Message
		convID sql.NullString
		media  sql.NullString
		typ    string
		status string
	)
	err := row.Scan(&m.ID, &m.InstanceID, &convID, &m.RemoteJID, &m.Participant, &m.FromMe, &typ,
		&m.Content, &media, &m.MediaMime, &m.ExternalID, &status, &m.Timestamp, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, err
	}
	m.ConversationID = nullString(convID)
	m.MediaURL = nullString(media)
	m.Type = MessageType(typ)
	m.Status = Status(status)
	return &m, nil
}

func (r *Repo) getMessage(ctx context.Context, query string, args ...any) (*Message, error) {
	m, err := scanMessage(r.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// FindMessage returns the message with the given external id, or nil.
func (r *Repo) FindMessage(ctx context.Context, instance, externalID string) (*Message, error) {
	m, err := r.getMessage(ctx, `SELECT `+messageColumns+`
		FROM messages WHERE instance_id = ? AND external_id = ?`, instance, externalID)
	if err != nil {
		return nil, fmt.Errorf("find message: %w", err)
	}
	return m, nil
}

// GetMessage returns a message by id, or nil.
func (r *Repo) GetMessage(ctx context.Context, id string) (*Message, error) {
	m, err := r.getMessage(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// UpsertMessage inserts m or, when a message with the same external id
// already exists, merges the mutable fields into it. It returns the stored
// message and what changed.
//
// Merging replaces non-empty content, advances status monotonically, fills a
// missing conversation or media reference, and never touches identity fields.
func (r *Repo) UpsertMessage(ctx context.Context, m *Message) (*Message, Change, error) {
	existing, err := r.FindMessage(ctx, m.InstanceID, m.ExternalID)
	if err != nil {
		return nil, Unchanged, err
	}

	if existing == nil {
		now := time.Now().UnixMilli()
		created := *m
		if created.ID == "" {
			created.ID = uuid.NewString()
		}
		if created.Type == "" {
			created.Type = TypeUnknown
		}
		if created.Status == "" {
			created.Status = StatusPending
		}
		created.CreatedAt = now
		created.UpdatedAt = now
		res, err := r.exec(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, ?)
			ON CONFLICT (instance_id, external_id) DO NOTHING`,
			created.ID, created.InstanceID, created.ConversationID, created.RemoteJID, created.Participant,
			created.FromMe, string(created.Type), created.Content, created.MediaURL, created.MediaMime,
			created.ExternalID, string(created.Status), created.Timestamp, created.CreatedAt, created.UpdatedAt)
		if err != nil {
			return nil, Unchanged, fmt.Errorf("insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return &created, Created, nil
		}
		// Lost an insert race; merge into the winner.
		existing, err = r.FindMessage(ctx, m.InstanceID, m.ExternalID)
		if err != nil {
			return nil, Unchanged, err
		}
		if existing == nil {
			return nil, Unchanged, fmt.Errorf("message %s vanished after conflict", m.ExternalID)
		}
	}

	merged, changed := mergeMessage(existing, m)
	if !changed {
		return existing, Unchanged, nil
	}
	merged.UpdatedAt = time.Now().UnixMilli()
	if _, err := r.exec(ctx, `
		UPDATE messages SET conversation_id = NULLIF(?, ''), message_type = ?, content = ?,
			media_url = NULLIF(?, ''), media_mime = ?, status = ?, updated_at = ?
		WHERE id = ?`,
		merged.ConversationID, string(merged.Type), merged.Content, merged.MediaURL, merged.MediaMime,
		string(merged.Status), merged.UpdatedAt, merged.ID); err != nil {
		return nil, Unchanged, fmt.Errorf("update message: %w", err)
	}
	return merged, Updated, nil
}

func mergeMessage(existing, incoming *Message) (*Message, bool) {
	merged := *existing
	if merged.ConversationID == "" && incoming.ConversationID != "" {
		merged.ConversationID = incoming.ConversationID
	}
	if incoming.Content != "" {
		merged.Content = incoming.Content
	}
	if incoming.Type != "" && incoming.Type != TypeUnknown {
		merged.Type = incoming.Type
	}
	if merged.MediaURL == "" && incoming.MediaURL != "" {
		merged.MediaURL = incoming.MediaURL
	}
	if merged.MediaMime == "" && incoming.MediaMime != "" {
		merged.MediaMime = incoming.MediaMime
	}
	if merged.Status.Advances(incoming.Status) {
		merged.Status = incoming.Status
	}
	changed := merged.ConversationID != existing.ConversationID ||
		merged.Content != existing.Content ||
		merged.Type != existing.Type ||
		merged.MediaURL != existing.MediaURL ||
		merged.MediaMime != existing.MediaMime ||
		merged.Status != existing.Status
	return &merged, changed
}

// UpdateMessageStatus advances the delivery status of a message. It returns
// the message (nil when unknown) and whether the status moved.
func (r *Repo) UpdateMessageStatus(ctx context.Context, instance, externalID string, status Status) (*Message, bool, error) {
	m, err := r.FindMessage(ctx, instance, externalID)
	if err != nil || m == nil {
		return nil, false, err
	}
	if !m.Status.Advances(status) {
		return m, false, nil
	}
	m.Status = status
	m.UpdatedAt = time.Now().UnixMilli()
	if _, err := r.exec(ctx, `UPDATE messages SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), m.UpdatedAt, m.ID); err != nil {
		return nil, false, fmt.Errorf("update message status: %w", err)
	}
	return m, true, nil
}

// UpdateMessageMedia replaces a message's media reference.
func (r *Repo) UpdateMessageMedia(ctx context.Context, id, url, mime string) (*Message, error) {
	now := time.Now().UnixMilli()
	var (
		res sql.Result
		err error
	)
	if mime == "" {
		res, err = r.exec(ctx, `UPDATE messages SET media_url = ?, updated_at = ? WHERE id = ?`, url, now, id)
	} else {
		res, err = r.exec(ctx, `UPDATE messages SET media_url = ?, media_mime = ?, updated_at = ? WHERE id = ?`,
			url, mime, now, id)
	}
	if err != nil {
		return nil, fmt.Errorf("update message media: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetMessage(ctx, id)
}

// ListMessages returns a conversation's messages newest first, using keyset
// pagination by timestamp.
func (r *Repo) ListMessages(ctx context.Context, conversationID string, beforeTs int64, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if beforeTs <= 0 {
		beforeTs = time.Now().UnixMilli() + 1
	}
	rows, err := r.query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE conversation_id = ? AND timestamp < ?
		ORDER BY timestamp DESC
		LIMIT ?`, conversationID, beforeTs, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var msgs []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

// CountMessages returns how many messages an instance has stored.
func (r *Repo) CountMessages(ctx context.Context, instance string) (int64, error) {
	var n int64
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM messages WHERE instance_id = ?`, instance).Scan(&n)
	return n, err
}
