package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/syncforge/roster/internal/db/models"
)

const defaultListLimit = 50

// BunRunRepository persists sync runs using Bun ORM.
type BunRunRepository struct {
	db *bun.DB
}

// NewBunRunRepository constructs a repository backed by Bun.
func NewBunRunRepository(db *bun.DB) RunRepository {
	return &BunRunRepository{db: db}
}

// EnsureSchema creates the sync_runs table when it does not exist yet. The
// run history is append-only; there is no migration surface beyond this.
func EnsureSchema(ctx context.Context, db *bun.DB) error {
	_, err := db.NewCreateTable().
		Model((*models.SyncRun)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create sync_runs table: %w", err)
	}
	return nil
}

// Create inserts a run record, filling timestamps when unset.
func (r *BunRunRepository) Create(ctx context.Context, run *models.SyncRun) error {
	if err := run.ValidateForCreate(); err != nil {
		return fmt.Errorf("invalid sync run: %w", err)
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}

	_, err := r.db.NewInsert().Model(run).Exec(ctx)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// GetByID returns one run, or nil when the ID is unknown.
func (r *BunRunRepository) GetByID(ctx context.Context, id string) (*models.SyncRun, error) {
	run := new(models.SyncRun)
	err := r.db.NewSelect().
		Model(run).
		Where("id = ?", id).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync run %s: %w", id, err)
	}
	return run, nil
}

// List returns the most recent runs, newest first.
func (r *BunRunRepository) List(ctx context.Context, limit int) ([]models.SyncRun, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	var runs []models.SyncRun
	err := r.db.NewSelect().
		Model(&runs).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sync runs: %w", err)
	}
	return runs, nil
}

// LatestByDigest returns the newest run for an input digest, or nil when no
// run consumed these inputs yet.
func (r *BunRunRepository) LatestByDigest(ctx context.Context, digest string) (*models.SyncRun, error) {
	if digest == "" {
		return nil, nil
	}

	run := new(models.SyncRun)
	err := r.db.NewSelect().
		Model(run).
		Where("input_digest = ?", digest).
		Order("created_at DESC").
		Order("id DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get sync run by digest: %w", err)
	}
	return run, nil
}
