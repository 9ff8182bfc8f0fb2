package cmd

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syncforge/roster/internal/db/bunx"
	"github.com/syncforge/roster/internal/directory"
	"github.com/syncforge/roster/internal/repository"
	"github.com/syncforge/roster/internal/roster"
	"github.com/syncforge/roster/internal/scim"
	"github.com/syncforge/roster/internal/server"
	"github.com/syncforge/roster/internal/store"
	"github.com/syncforge/roster/internal/syncer"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciliation API server",
	Long:  `Starts the HTTP server with the sync endpoints and the SCIM 2.0 adapter.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		// Connect to the run-history database
		db, err := bunx.NewDB(cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer bunx.Close(db)

		if err := repository.EnsureSchema(ctx, db); err != nil {
			return fmt.Errorf("failed to prepare database schema: %w", err)
		}
		log.Printf("Connected to database")

		runRepo := repository.NewBunRunRepository(db)

		dir := directory.NewClient(cfg.Directory)
		orgScope := cfg.Directory.OrgScope()
		engine := syncer.NewEngine(dir, orgScope)

		var blob server.BlobStore
		if cfg.S3.Enabled() {
			s3Store, err := store.New(ctx, cfg.S3)
			if err != nil {
				return fmt.Errorf("failed to configure blob store: %w", err)
			}
			blob = s3Store
			log.Printf("Blob store enabled on bucket %s", cfg.S3.Bucket)
		} else {
			log.Printf("S3_BUCKET not set; /sync/s3 is disabled")
		}

		var scimHandlers *server.SCIMHandlers
		mappings, err := loadMappings(ctx, blob)
		if err != nil {
			return err
		}
		if mappings != nil {
			svc := scim.NewService(dir, mappings, orgScope)
			scimHandlers = server.NewSCIMHandlers(svc)
			log.Printf("SCIM adapter enabled with %d mapped groups", len(mappings))
		} else {
			log.Printf("No group mapping source configured; SCIM adapter is disabled")
		}

		if cfg.APISecretKey == "" {
			log.Printf("WARNING: API_SECRET_KEY not set; endpoints are unauthenticated")
		}

		routerOpts := server.RouterOptions{
			Sync:         server.NewSyncHandlers(engine, blob, runRepo),
			SCIM:         scimHandlers,
			APISecretKey: cfg.APISecretKey,
		}
		handler := server.NewH2CHandler(routerOpts)

		srv := &http.Server{
			Addr:         cfg.ServerAddr,
			Handler:      handler,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  60 * time.Second,
		}

		serverErrors := make(chan error, 1)
		go func() {
			log.Printf("Starting server on %s", cfg.ServerAddr)
			serverErrors <- srv.ListenAndServe()
		}()

		shutdown := make(chan os.Signal, 1)
		signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

		select {
		case err := <-serverErrors:
			return fmt.Errorf("server error: %w", err)
		case sig := <-shutdown:
			log.Printf("Received signal %v, shutting down", sig)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
		}
		return nil
	},
}

// loadMappings reads the group mapping feed for the SCIM adapter, preferring
// a local file over the blob store. A nil, nil return means no source is
// configured.
func loadMappings(ctx context.Context, blob server.BlobStore) (roster.MappingSet, error) {
	var raw []byte
	switch {
	case cfg.SCIM.MappingPath != "":
		body, err := os.ReadFile(cfg.SCIM.MappingPath)
		if err != nil {
			return nil, fmt.Errorf("read group mapping file: %w", err)
		}
		raw = body
	case blob != nil:
		inputs, err := blob.FetchInputs(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch group mapping from blob store: %w", err)
		}
		raw = inputs.Mapping
	default:
		return nil, nil
	}

	mappings, err := roster.ParseMappings(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse group mapping feed: %w", err)
	}
	return mappings, nil
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
