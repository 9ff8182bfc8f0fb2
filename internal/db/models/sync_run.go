// Package models defines the persisted run-history records.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Run sources.
const (
	SourceUpload = "upload"
	SourceBlob   = "s3"
)

// SyncRun records one completed reconciliation run.
type SyncRun struct {
	bun.BaseModel `bun:"table:sync_runs,alias:sr"`

	ID          string `bun:"id,pk,type:uuid"`
	Mode        string `bun:"mode,notnull"`
	Source      string `bun:"source,notnull"`
	InputDigest string `bun:"input_digest"`
	Status      string `bun:"status,notnull"`

	UsersProcessed int `bun:"users_processed,notnull"`
	UsersCreated   int `bun:"users_created,notnull"`
	UsersUpdated   int `bun:"users_updated,notnull"`
	UsersDeleted   int `bun:"users_deleted,notnull"`

	Logs LogLines `bun:"logs,type:jsonb"`

	CreatedAt time.Time `bun:"created_at,notnull,default:current_timestamp"`
}

// ValidateForCreate verifies the record is well formed before insertion.
func (r *SyncRun) ValidateForCreate() error {
	if _, err := uuid.Parse(r.ID); err != nil {
		return errors.New("id must be a valid UUID")
	}
	if r.Mode == "" {
		return errors.New("mode is required")
	}
	if r.Source != SourceUpload && r.Source != SourceBlob {
		return fmt.Errorf("source must be %q or %q", SourceUpload, SourceBlob)
	}
	if r.Status == "" {
		return errors.New("status is required")
	}
	return nil
}

// LogLines stores the run log as a JSON array column.
type LogLines []string

// Scan implements sql.Scanner
func (l *LogLines) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}

	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("failed to scan LogLines: expected []byte or string, got %T", value)
	}

	if err := json.Unmarshal(raw, l); err != nil {
		return fmt.Errorf("failed to unmarshal LogLines: %w", err)
	}
	return nil
}

// Value implements driver.Valuer
func (l LogLines) Value() (driver.Value, error) {
	if l == nil {
		l = LogLines{}
	}
	bytes, err := json.Marshal(l)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}
