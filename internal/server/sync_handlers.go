package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/syncforge/roster/internal/db/bunx"
	"github.com/syncforge/roster/internal/db/models"
	"github.com/syncforge/roster/internal/repository"
	"github.com/syncforge/roster/internal/roster"
	"github.com/syncforge/roster/internal/store"
	"github.com/syncforge/roster/internal/syncer"
)

// 10MB is far above any realistic roster feed.
const maxUploadBytes = 10 << 20

// SyncEngine runs one reconciliation from raw CSV feeds.
type SyncEngine interface {
	Sync(ctx context.Context, rosterCSV, mappingCSV []byte, opts syncer.Options) (*syncer.Result, error)
}

// BlobStore is the subset of the S3 store the sync endpoints need.
type BlobStore interface {
	FetchInputs(ctx context.Context) (*store.Inputs, error)
	LookupResult(ctx context.Context, digest string) ([]byte, error)
	StoreResult(ctx context.Context, digest string, payload []byte) error
}

// SyncHandlers wires the reconciliation REST endpoints.
type SyncHandlers struct {
	engine SyncEngine
	blob   BlobStore
	runs   repository.RunRepository
}

// NewSyncHandlers creates the handler set. blob may be nil when no bucket is
// configured; runs may be nil to skip run-history recording.
func NewSyncHandlers(engine SyncEngine, blob BlobStore, runs repository.RunRepository) *SyncHandlers {
	return &SyncHandlers{engine: engine, blob: blob, runs: runs}
}

// RunUpload handles POST /sync - reconcile uploaded roster and mapping CSVs.
func (h *SyncHandlers) RunUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("invalid multipart form: %v", err), http.StatusBadRequest)
		return
	}

	rosterCSV, err := formFile(r, "roster")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	mappingCSV, err := formFile(r, "mapping")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	opts := syncer.Options{
		DryRun: formBool(r, "dry_run"),
		Force:  formBool(r, "force"),
	}

	result, err := h.engine.Sync(r.Context(), rosterCSV, mappingCSV, opts)
	if err != nil {
		var malformed *roster.MalformedInputError
		if errors.As(err, &malformed) {
			http.Error(w, malformed.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("sync failed: %v", err), http.StatusInternalServerError)
		return
	}

	inputs := &store.Inputs{Roster: rosterCSV, Mapping: mappingCSV}
	h.recordRun(r.Context(), result, opts, models.SourceUpload, inputs.Digest())
	writeJSON(w, http.StatusOK, result)
}

// RunFromBlob handles POST /sync/s3 - reconcile the feeds stored in the
// bucket. When the inputs are byte-identical to an already completed run the
// stored result is replayed with status "cached"; force bypasses that.
func (h *SyncHandlers) RunFromBlob(w http.ResponseWriter, r *http.Request) {
	if h.blob == nil {
		http.Error(w, "blob store is not configured", http.StatusServiceUnavailable)
		return
	}

	inputs, err := h.blob.FetchInputs(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("fetch inputs: %v", err), http.StatusBadGateway)
		return
	}
	digest := inputs.Digest()

	opts := syncer.Options{
		DryRun: formBool(r, "dry_run"),
		Force:  formBool(r, "force"),
	}

	if !opts.Force && !opts.DryRun {
		payload, err := h.blob.LookupResult(r.Context(), digest)
		if err != nil {
			http.Error(w, fmt.Sprintf("lookup cached result: %v", err), http.StatusBadGateway)
			return
		}
		if payload != nil {
			var cached syncer.Result
			if err := json.Unmarshal(payload, &cached); err == nil {
				cached.Status = syncer.StatusCached
				writeJSON(w, http.StatusOK, &cached)
				return
			}
			log.Printf("ignoring unreadable cached result for digest %s", digest)
		}
	}

	result, err := h.engine.Sync(r.Context(), inputs.Roster, inputs.Mapping, opts)
	if err != nil {
		var malformed *roster.MalformedInputError
		if errors.As(err, &malformed) {
			http.Error(w, malformed.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("sync failed: %v", err), http.StatusInternalServerError)
		return
	}

	// Dry runs mutate nothing, so their results never enter the cache.
	if !opts.DryRun {
		if payload, err := json.Marshal(result); err == nil {
			if err := h.blob.StoreResult(r.Context(), digest, payload); err != nil {
				log.Printf("store result for digest %s: %v", digest, err)
			}
		}
	}

	h.recordRun(r.Context(), result, opts, models.SourceBlob, digest)
	writeJSON(w, http.StatusOK, result)
}

// ListRuns handles GET /sync/runs - recent run history, newest first.
func (h *SyncHandlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run history is not configured", http.StatusServiceUnavailable)
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		http.Error(w, fmt.Sprintf("list runs: %v", err), http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// GetRun handles GET /sync/runs/{id}.
func (h *SyncHandlers) GetRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		http.Error(w, "run history is not configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	run, err := h.runs.GetByID(r.Context(), id)
	if err != nil {
		http.Error(w, fmt.Sprintf("get run: %v", err), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, fmt.Sprintf("run not found: %s", id), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// recordRun appends the run to the history store. Recording is best effort
// and never fails the request that produced the result.
func (h *SyncHandlers) recordRun(ctx context.Context, result *syncer.Result, opts syncer.Options, source, digest string) {
	if h.runs == nil {
		return
	}

	run := &models.SyncRun{
		ID:             bunx.NewUUIDv7(),
		Mode:           opts.Mode(),
		Source:         source,
		InputDigest:    digest,
		Status:         result.Status,
		UsersProcessed: result.UsersProcessed,
		UsersCreated:   result.UsersCreated,
		UsersUpdated:   result.UsersUpdated,
		UsersDeleted:   result.UsersDeleted,
		Logs:           models.LogLines(result.Logs),
	}
	if err := h.runs.Create(ctx, run); err != nil {
		log.Printf("record sync run: %v", err)
	}
}

func formFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %q file field", field)
	}
	defer file.Close()

	body, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("read %q file: %w", field, err)
	}
	return body, nil
}

func formBool(r *http.Request, field string) bool {
	v, err := strconv.ParseBool(r.FormValue(field))
	return err == nil && v
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("write response: %v", err)
	}
}
