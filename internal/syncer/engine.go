package syncer

import (
	"bytes"
	"context"
	"fmt"
	"log"

	"github.com/syncforge/roster/internal/roster"
)

// Engine ties the desired-state builder, the actual-state snapshot and the
// reconciler into the bulk entry point shared by the HTTP handlers and the
// one-shot CLI.
type Engine struct {
	dir      Directory
	orgScope string
}

// NewEngine constructs an Engine. orgScope is the organization-root scope
// wildcard mapping scopes resolve to.
func NewEngine(dir Directory, orgScope string) *Engine {
	return &Engine{dir: dir, orgScope: orgScope}
}

// Sync runs one full reconciliation from raw CSV bytes. Parse failures
// surface as *roster.MalformedInputError before any mutation; snapshot
// failures abort the run. Per-item remote failures during reconciliation are
// folded into the result log and do not fail the run.
func (e *Engine) Sync(ctx context.Context, rosterCSV, mappingCSV []byte, opts Options) (*Result, error) {
	mode := "NORMAL"
	switch {
	case opts.DryRun:
		mode = "DRY RUN"
	case opts.Force:
		mode = "FORCE"
	}

	prelude := []string{fmt.Sprintf("Starting synchronization process in %s mode...", mode)}
	if opts.DryRun {
		prelude = append(prelude, "DRY RUN MODE: No actual changes will be made to users or roles.")
	}

	rows, err := roster.ParseRoster(bytes.NewReader(rosterCSV))
	if err != nil {
		return nil, err
	}
	mappings, err := roster.ParseMappings(bytes.NewReader(mappingCSV))
	if err != nil {
		return nil, err
	}
	prelude = append(prelude, fmt.Sprintf("Parsed %d roster rows and %d group mappings.", len(rows), len(mappings)))

	desired, buildLogs := roster.BuildDesired(rows, mappings)
	prelude = append(prelude, buildLogs...)

	actual, err := TakeSnapshot(ctx, e.dir)
	if err != nil {
		return nil, err
	}
	prelude = append(prelude, fmt.Sprintf("Snapshot holds %d remote users.", len(actual.users)))

	if opts.OrgScope == "" {
		opts.OrgScope = e.orgScope
	}

	res := New(e.dir).Run(ctx, desired, actual, opts)
	res.Logs = append(append(prelude, res.Logs...), "Synchronization completed.")

	log.Printf("sync run complete: mode=%s processed=%d created=%d updated=%d deleted=%d",
		opts.Mode(), res.UsersProcessed, res.UsersCreated, res.UsersUpdated, res.UsersDeleted)

	return res, nil
}
