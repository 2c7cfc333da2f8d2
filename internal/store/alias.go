package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// LookupAlias returns the canonical identity recorded for alias, or "".
func (r *Repo) LookupAlias(ctx context.Context, instance, alias string) (string, error) {
	var canonical string
	err := r.queryRow(ctx, `SELECT canonical FROM identity_aliases WHERE instance_id = ? AND alias = ?`,
		instance, alias).Scan(&canonical)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup alias: %w", err)
	}
	return canonical, nil
}

// SaveAlias records alias→canonical. An alias is mapped at most once; the
// mapping already stored is returned when one exists.
func (r *Repo) SaveAlias(ctx context.Context, instance, alias, canonical string) (string, bool, error) {
	res, err := r.exec(ctx, `
		INSERT INTO identity_aliases (instance_id, alias, canonical, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (instance_id, alias) DO NOTHING`,
		instance, alias, canonical, time.Now().UnixMilli())
	if err != nil {
		return "", false, fmt.Errorf("save alias: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return canonical, true, nil
	}
	stored, err := r.LookupAlias(ctx, instance, alias)
	if err != nil {
		return "", false, err
	}
	return stored, false, nil
}

// FoldAlias moves the conversation recorded under an ephemeral alias onto its
// canonical identity. When no canonical conversation exists the alias row is
// renamed; otherwise its messages move to the canonical conversation, the
// newer preview wins, unread counts add up and the alias row is deleted.
// It returns nil when there is no alias conversation.
func (r *Repo) FoldAlias(ctx context.Context, instance, alias, canonical string) (*Fold, error) {
	aliasConv, err := r.FindConversation(ctx, instance, alias)
	if err != nil || aliasConv == nil {
		return nil, err
	}
	target, err := r.FindConversation(ctx, instance, canonical)
	if err != nil {
		return nil, err
	}

	if target == nil {
		if err := r.RenameConversation(ctx, aliasConv.ID, canonical); err != nil {
			return nil, err
		}
		aliasConv.RemoteJID = canonical
		return &Fold{Conversation: aliasConv}, nil
	}

	// Moving messages is the one place a resolved conversation ref changes:
	// the alias conversation was the same contact and is deleted below.
	now := time.Now().UnixMilli()
	if _, err := r.exec(ctx, `UPDATE messages SET conversation_id = ?, updated_at = ? WHERE conversation_id = ?`,
		target.ID, now, aliasConv.ID); err != nil {
		return nil, fmt.Errorf("reassign messages: %w", err)
	}

	merged := *target
	merged.UnreadCount += aliasConv.UnreadCount
	if aliasConv.LastMessageAt > merged.LastMessageAt {
		merged.LastMessage = aliasConv.LastMessage
		merged.LastMessageAt = aliasConv.LastMessageAt
	}
	if merged.Name == "" {
		merged.Name = aliasConv.Name
	}
	if merged.PictureURL == "" {
		merged.PictureURL = aliasConv.PictureURL
	}
	merged.UpdatedAt = now
	if _, err := r.exec(ctx, `
		UPDATE conversations SET unread_count = ?, last_message = ?, last_message_at = ?,
			name = NULLIF(?, ''), picture_url = NULLIF(?, ''), updated_at = ?
		WHERE id = ?`,
		merged.UnreadCount, merged.LastMessage, merged.LastMessageAt,
		merged.Name, merged.PictureURL, merged.UpdatedAt, merged.ID); err != nil {
		return nil, fmt.Errorf("merge conversation: %w", err)
	}

	if _, err := r.exec(ctx, `DELETE FROM conversations WHERE id = ?`, aliasConv.ID); err != nil {
		return nil, fmt.Errorf("delete alias conversation: %w", err)
	}
	return &Fold{Conversation: &merged, RemovedID: aliasConv.ID}, nil
}
