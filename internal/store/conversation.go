package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const conversationColumns = `id, instance_id, remote_jid, is_group, name, picture_url,
	last_message, last_message_at, unread_count, is_archived, is_pinned, created_at, updated_at`

func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var (
		c       Conversation
		name    sql.NullString
		picture sql.NullString
	)
	err := row.Scan(&c.ID, &c.InstanceID, &c.RemoteJID, &c.IsGroup, &name, &picture,
		&c.LastMessage, &c.LastMessageAt, &c.UnreadCount, &c.IsArchived, &c.IsPinned, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	c.Name = nullString(name)
	c.PictureURL = nullString(picture)
	return &c, nil
}

func (r *Repo) getConversation(ctx context.Context, query string, args ...any) (*Conversation, error) {
	c, err := scanConversation(r.queryRow(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// FindConversation returns the conversation for (instance, remoteJID), or nil.
func (r *Repo) FindConversation(ctx context.Context, instance, remoteJID string) (*Conversation, error) {
	c, err := r.getConversation(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE instance_id = ? AND remote_jid = ?`, instance, remoteJID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	return c, nil
}

// GetConversation returns a conversation by id, or nil.
func (r *Repo) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	c, err := r.getConversation(ctx, `SELECT `+conversationColumns+`
		FROM conversations WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

// CreateConversation inserts c. A conversation that already exists for the
// same (instance, remote identity) yields ErrDuplicate and leaves any
// enclosing transaction usable.
func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) (*Conversation, error) {
	now := time.Now().UnixMilli()
	created := *c
	if created.ID == "" {
		created.ID = uuid.NewString()
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	err := r.savepoint(ctx, "conversation_create", func() error {
		_, err := r.exec(ctx, `
			INSERT INTO conversations (id, instance_id, remote_jid, is_group, name, picture_url,
				last_message, last_message_at, unread_count, is_archived, is_pinned, created_at, updated_at)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, ?, ?)`,
			created.ID, created.InstanceID, created.RemoteJID, created.IsGroup, created.Name, created.PictureURL,
			created.LastMessage, created.LastMessageAt, created.UnreadCount, created.IsArchived, created.IsPinned,
			created.CreatedAt, created.UpdatedAt)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create conversation %s: %w", c.RemoteJID, ErrDuplicate)
		}
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &created, nil
}

// RenameConversation moves a conversation to a new remote identity.
func (r *Repo) RenameConversation(ctx context.Context, id, remoteJID string) error {
	err := r.savepoint(ctx, "conversation_rename", func() error {
		_, err := r.exec(ctx, `UPDATE conversations SET remote_jid = ?, updated_at = ? WHERE id = ?`,
			remoteJID, time.Now().UnixMilli(), id)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("rename conversation to %s: %w", remoteJID, ErrDuplicate)
		}
		return fmt.Errorf("rename conversation: %w", err)
	}
	return nil
}

// UpdateConversationProfile sets the display name and/or picture. Empty
// arguments leave the stored value untouched. It reports whether anything
// changed.
func (r *Repo) UpdateConversationProfile(ctx context.Context, id, name, pictureURL string) (bool, error) {
	if name == "" && pictureURL == "" {
		return false, nil
	}
	c, err := r.GetConversation(ctx, id)
	if err != nil {
		return false, err
	}
	if c == nil {
		return false, ErrNotFound
	}
	newName, newPicture := c.Name, c.PictureURL
	if name != "" {
		newName = name
	}
	if pictureURL != "" {
		newPicture = pictureURL
	}
	if newName == c.Name && newPicture == c.PictureURL {
		return false, nil
	}
	if _, err := r.exec(ctx, `
		UPDATE conversations SET name = NULLIF(?, ''), picture_url = NULLIF(?, ''), updated_at = ?
		WHERE id = ?`,
		newName, newPicture, time.Now().UnixMilli(), id); err != nil {
		return false, fmt.Errorf("update conversation profile: %w", err)
	}
	return true, nil
}

// TouchPreview records the last-message preview when at is not older than the
// stored one. It reports whether the preview moved.
func (r *Repo) TouchPreview(ctx context.Context, id, preview string, at int64) (bool, error) {
	res, err := r.exec(ctx, `
		UPDATE conversations SET last_message = ?, last_message_at = ?, updated_at = ?
		WHERE id = ? AND last_message_at <= ? AND (last_message_at != ? OR last_message != ?)`,
		preview, at, time.Now().UnixMilli(), id, at, at, preview)
	if err != nil {
		return false, fmt.Errorf("touch preview: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecomputeUnread applies rule to the conversation's unread counter and
// returns whether it changed.
func (r *Repo) RecomputeUnread(ctx context.Context, id string, rule UnreadRule) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UnixMilli()
	switch rule {
	case UnreadIncrement:
		res, err = r.exec(ctx, `UPDATE conversations SET unread_count = unread_count + 1, updated_at = ? WHERE id = ?`, now, id)
	case UnreadReset:
		res, err = r.exec(ctx, `UPDATE conversations SET unread_count = 0, updated_at = ? WHERE id = ? AND unread_count != 0`, now, id)
	default:
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recompute unread: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetUnreadCount stores an absolute unread count, clamped at zero.
func (r *Repo) SetUnreadCount(ctx context.Context, id string, count int) (*Conversation, error) {
	count = max(count, 0)
	return r.updateConversation(ctx, id, `unread_count = ?`, count)
}

// SetArchived archives or unarchives a conversation.
func (r *Repo) SetArchived(ctx context.Context, id string, archived bool) (*Conversation, error) {
	return r.updateConversation(ctx, id, `is_archived = ?`, archived)
}

// SetPinned pins or unpins a conversation.
func (r *Repo) SetPinned(ctx context.Context, id string, pinned bool) (*Conversation, error) {
	return r.updateConversation(ctx, id, `is_pinned = ?`, pinned)
}

func (r *Repo) updateConversation(ctx context.Context, id, set string, value any) (*Conversation, error) {
	res, err := r.exec(ctx, `UPDATE conversations SET `+set+`, updated_at = ? WHERE id = ?`,
		value, time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("update conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	return r.GetConversation(ctx, id)
}

// DeleteConversation removes a conversation and, by cascade, its messages.
func (r *Repo) DeleteConversation(ctx context.Context, id string) error {
	res, err := r.exec(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListConversations returns an instance's conversations, pinned first, then
// by last activity.
func (r *Repo) ListConversations(ctx context.Context, instance string, opts ListOptions) ([]Conversation, error) {
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE instance_id = ?`
	args := []any{instance}
	if opts.Archived != nil {
		query += ` AND is_archived = ?`
		args = append(args, *opts.Archived)
	}
	query += ` ORDER BY is_pinned DESC, last_message_at DESC LIMIT ? OFFSET ?`
	args = append(args, opts.Limit, opts.Offset)

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var convs []Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, *c)
	}
	return convs, rows.Err()
}

// CountConversations returns how many conversations an instance has.
func (r *Repo) CountConversations(ctx context.Context, instance string) (int64, error) {
	var n int64
	err := r.queryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE instance_id = ?`, instance).Scan(&n)
	return n, err
}
