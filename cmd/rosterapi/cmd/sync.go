package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/syncforge/roster/internal/db/bunx"
	"github.com/syncforge/roster/internal/db/models"
	"github.com/syncforge/roster/internal/directory"
	"github.com/syncforge/roster/internal/repository"
	"github.com/syncforge/roster/internal/syncer"
)

var (
	syncRosterPath  string
	syncMappingPath string
	syncDryRun      bool
	syncVerbose     bool
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one reconciliation from local CSV files",
	Long: `Reads the roster and group mapping feeds from local files, reconciles the
remote directory against them, and records the run in the history store.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rosterCSV, err := os.ReadFile(syncRosterPath)
		if err != nil {
			return fmt.Errorf("read roster file: %w", err)
		}
		mappingCSV, err := os.ReadFile(syncMappingPath)
		if err != nil {
			return fmt.Errorf("read mapping file: %w", err)
		}

		dir := directory.NewClient(cfg.Directory)
		engine := syncer.NewEngine(dir, cfg.Directory.OrgScope())
		opts := syncer.Options{DryRun: syncDryRun}

		result, err := engine.Sync(cmd.Context(), rosterCSV, mappingCSV, opts)
		if err != nil {
			return err
		}

		pterm.DefaultSection.Println("Synchronization Result")
		if opts.DryRun {
			pterm.Warning.Println("Dry run: no changes were made")
		}
		_ = pterm.DefaultTable.WithHasHeader().WithData(pterm.TableData{
			{"Status", "Processed", "Created", "Updated", "Deactivated"},
			{
				result.Status,
				strconv.Itoa(result.UsersProcessed),
				strconv.Itoa(result.UsersCreated),
				strconv.Itoa(result.UsersUpdated),
				strconv.Itoa(result.UsersDeleted),
			},
		}).Render()

		if syncVerbose {
			pterm.DefaultSection.Println("Run Log")
			for _, line := range result.Logs {
				pterm.Info.Println(line)
			}
		}

		if err := recordLocalRun(cmd, result, opts); err != nil {
			pterm.Warning.Printf("Run completed but history recording failed: %v\n", err)
		}
		return nil
	},
}

// recordLocalRun appends the CLI run to the same history store the server
// uses.
func recordLocalRun(cmd *cobra.Command, result *syncer.Result, opts syncer.Options) error {
	db, err := bunx.NewDB(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer bunx.Close(db)

	ctx := cmd.Context()
	if err := repository.EnsureSchema(ctx, db); err != nil {
		return err
	}

	return repository.NewBunRunRepository(db).Create(ctx, &models.SyncRun{
		ID:             bunx.NewUUIDv7(),
		Mode:           opts.Mode(),
		Source:         models.SourceUpload,
		Status:         result.Status,
		UsersProcessed: result.UsersProcessed,
		UsersCreated:   result.UsersCreated,
		UsersUpdated:   result.UsersUpdated,
		UsersDeleted:   result.UsersDeleted,
		Logs:           models.LogLines(result.Logs),
	})
}

func init() {
	syncCmd.Flags().StringVar(&syncRosterPath, "roster", "", "Path to the roster CSV (required)")
	syncCmd.Flags().StringVar(&syncMappingPath, "mapping", "", "Path to the group mapping CSV (required)")
	syncCmd.Flags().BoolVar(&syncDryRun, "dry-run", false, "Compute and report changes without applying them")
	syncCmd.Flags().BoolVar(&syncVerbose, "verbose", false, "Print the full run log")
	_ = syncCmd.MarkFlagRequired("roster")
	_ = syncCmd.MarkFlagRequired("mapping")

	rootCmd.AddCommand(syncCmd)
}
