// Package repository persists run history.
package repository

import (
	"context"

	"github.com/syncforge/roster/internal/db/models"
)

// RunRepository exposes persistence operations for sync runs.
type RunRepository interface {
	Create(ctx context.Context, run *models.SyncRun) error
	GetByID(ctx context.Context, id string) (*models.SyncRun, error)
	List(ctx context.Context, limit int) ([]models.SyncRun, error)
	LatestByDigest(ctx context.Context, digest string) (*models.SyncRun, error)
}
