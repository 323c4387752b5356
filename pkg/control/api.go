package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/archivelog/archivelog/pkg/admin"
	"github.com/archivelog/archivelog/pkg/logbook"
	"github.com/archivelog/archivelog/pkg/storage"
)

// Request headers carrying the caller's identity.
const (
	HeaderTenant      = "X-Tenant-Id"
	HeaderRequest     = "X-Request-Id"
	HeaderApplication = "X-Application-Id"
	HeaderContext     = "X-Context-Id"
)

const defaultLogbookLimit = 50

// RegisterAPIRoutes registers all REST API routes on the given mux.
func (s *Server) RegisterAPIRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/storagelog/backup", s.handleBackup(true))
	mux.HandleFunc("POST /api/v1/storageaccesslog/backup", s.handleBackup(false))
	mux.HandleFunc("PUT /api/v1/objects/{strategy}/{category}/{name}", s.handlePutObject)
	mux.HandleFunc("GET /api/v1/objects/{strategy}/{category}/{name}", s.handleGetObject)
	mux.HandleFunc("GET /api/v1/logbook", s.handleLogbookRecent)
	mux.HandleFunc("GET /api/v1/logbook/operations/{id}", s.handleLogbookOperation)
	mux.HandleFunc("GET /api/v1/logbook/verify", s.handleLogbookVerify)
	mux.HandleFunc("GET /api/v1/status", s.handleStatus)
}

// BackupRequest is the body of the backup endpoints. Empty fields select
// the configured scheduler strategy and every configured tenant.
type BackupRequest struct {
	Strategy string `json:"strategy"`
	Tenants  []int  `json:"tenants"`
}

// BackupResponse carries per-tenant results, and the aggregate error when
// at least one tenant failed.
type BackupResponse struct {
	Error   string                         `json:"error,omitempty"`
	Results []admin.StorageLogBackupResult `json:"results"`
}

// POST /api/v1/storagelog/backup, POST /api/v1/storageaccesslog/backup
func (s *Server) handleBackup(isWriteOperation bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BackupRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
				http.Error(w, fmt.Sprintf("invalid JSON: %v", err), http.StatusBadRequest)
				return
			}
		}
		if req.Strategy == "" {
			req.Strategy = s.sys.Config.Backup.Strategy
		}
		if req.Strategy == "" {
			http.Error(w, "strategy is required", http.StatusBadRequest)
			return
		}
		if !slices.Contains(s.sys.Storage.Strategies(), req.Strategy) {
			http.Error(w, fmt.Sprintf("unknown strategy %q", req.Strategy), http.StatusBadRequest)
			return
		}
		tenants := req.Tenants
		if len(tenants) == 0 {
			tenants = s.sys.Config.StorageLog.Tenants
		}
		for _, t := range tenants {
			if !slices.Contains(s.sys.Config.StorageLog.Tenants, t) {
				http.Error(w, fmt.Sprintf("unknown tenant %d", t), http.StatusBadRequest)
				return
			}
		}

		results, err := s.sys.Admin.BackupStorageLog(r.Context(), req.Strategy, isWriteOperation, tenants)
		if err != nil {
			writeJSONStatus(w, http.StatusInternalServerError, BackupResponse{Error: err.Error(), Results: results})
			return
		}
		writeJSON(w, BackupResponse{Results: results})
	}
}

func tenantFromRequest(r *http.Request) (int, error) {
	v := r.Header.Get(HeaderTenant)
	if v == "" {
		return 0, fmt.Errorf("%s header is required", HeaderTenant)
	}
	tenant, err := strconv.Atoi(v)
	if err != nil || tenant < 0 {
		return 0, fmt.Errorf("invalid %s %q", HeaderTenant, v)
	}
	return tenant, nil
}

// objectTarget validates the path and tenant of an object request.
func (s *Server) objectTarget(r *http.Request) (tenant int, category storage.DataCategory, err error) {
	tenant, err = tenantFromRequest(r)
	if err != nil {
		return 0, "", err
	}
	if !slices.Contains(s.sys.Config.StorageLog.Tenants, tenant) {
		return 0, "", fmt.Errorf("unknown tenant %d", tenant)
	}
	category, err = storage.ParseDataCategory(r.PathValue("category"))
	if err != nil {
		return 0, "", err
	}
	return tenant, category, nil
}

// PUT /api/v1/objects/{strategy}/{category}/{name}: stage the body and
// store it on every offer of the strategy.
func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	tenant, category, err := s.objectTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if r.ContentLength < 0 {
		http.Error(w, "Content-Length is required", http.StatusLengthRequired)
		return
	}
	strategyID, name := r.PathValue("strategy"), r.PathValue("name")

	container := uuid.NewString()
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), time.Minute)
		defer cancel()
		if err := s.sys.Workspace.DeleteContainer(ctx, container, true); err != nil {
			slog.Warn("failed to delete staging container",
				"component", "control", "container", container, "error", err)
		}
	}()

	if err := s.sys.Workspace.PutObject(r.Context(), container, name, r.Body, r.ContentLength); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := s.sys.Storage.StoreFileFromWorkspace(r.Context(), strategyID, category, name, storage.ObjectDescription{
		Tenant:             tenant,
		WorkspaceContainer: container,
		WorkspaceObject:    name,
		RequestID:          r.Header.Get(HeaderRequest),
		ApplicationID:      r.Header.Get(HeaderApplication),
		ContextID:          r.Header.Get(HeaderContext),
	})
	if err != nil {
		http.Error(w, err.Error(), storageStatus(err))
		return
	}
	writeJSONStatus(w, http.StatusCreated, info)
}

// GET /api/v1/objects/{strategy}/{category}/{name}
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	tenant, category, err := s.objectTarget(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rc, err := s.sys.Storage.GetObject(r.Context(), tenant, r.PathValue("strategy"), category, r.PathValue("name"),
		storage.ReadContext{
			RequestID:     r.Header.Get(HeaderRequest),
			ApplicationID: r.Header.Get(HeaderApplication),
			ContextID:     r.Header.Get(HeaderContext),
		})
	if err != nil {
		http.Error(w, err.Error(), storageStatus(err))
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, rc); err != nil {
		slog.Warn("object download interrupted",
			"component", "control", "object", r.PathValue("name"), "error", err)
	}
}

func storageStatus(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, storage.ErrUnknownStrategy):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// GET /api/v1/logbook?limit=50
func (s *Server) handleLogbookRecent(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", defaultLogbookLimit)
	entries, err := s.sys.Logbook.Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []logbook.Entry{}
	}
	writeJSON(w, entries)
}

// GET /api/v1/logbook/operations/{id}
func (s *Server) handleLogbookOperation(w http.ResponseWriter, r *http.Request) {
	entries, err := s.sys.Logbook.ByOperation(r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		http.Error(w, "operation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, entries)
}

// GET /api/v1/logbook/verify
func (s *Server) handleLogbookVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.sys.Logbook.Verify()
	if errors.Is(err, logbook.ErrChainBroken) {
		writeJSONStatus(w, http.StatusConflict, map[string]any{"error": err.Error(), "checked": res.Checked})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, res)
}

// GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Status())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "component", "control", "error", err)
	}
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return n
}
