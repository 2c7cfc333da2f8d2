package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// EnsureInstance registers an instance if it is not known yet.
func (r *Repo) EnsureInstance(ctx context.Context, name string) error {
	now := time.Now().UnixMilli()
	_, err := r.exec(ctx, `
		INSERT INTO instances (name, status, created_at, updated_at)
		VALUES (?, 'unknown', ?, ?)
		ON CONFLICT (name) DO NOTHING`, name, now, now)
	if err != nil {
		return fmt.Errorf("ensure instance %q: %w", name, err)
	}
	return nil
}

// GetInstance returns an instance by name, or nil when unknown.
func (r *Repo) GetInstance(ctx context.Context, name string) (*Instance, error) {
	var inst Instance
	err := r.queryRow(ctx, `SELECT name, status, created_at, updated_at FROM instances WHERE name = ?`, name).
		Scan(&inst.Name, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return &inst, nil
}

// ListInstances returns every registered instance.
func (r *Repo) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := r.query(ctx, `SELECT name, status, created_at, updated_at FROM instances ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Instance
	for rows.Next() {
		var inst Instance
		if err := rows.Scan(&inst.Name, &inst.Status, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// SetInstanceStatus records the instance's last known connection state.
func (r *Repo) SetInstanceStatus(ctx context.Context, name, status string) error {
	_, err := r.exec(ctx, `UPDATE instances SET status = ?, updated_at = ? WHERE name = ?`,
		status, time.Now().UnixMilli(), name)
	if err != nil {
		return fmt.Errorf("set instance status: %w", err)
	}
	return nil
}
