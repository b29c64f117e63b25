// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at PitchAI (https://pitchai.net/).
// Copyright 2024-present PitchAI.

package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	log "github.com/pitchai/service-monitor/pkg/util/log"
)

// Server is the registry HTTP surface: the JSON API plus the rendered
// UI pages.
type Server struct {
	settings Settings
	store    *Store
	policy   BaseURLPolicy
	alerter  *Alerter

	// MonitorStatePath feeds the monitor dashboard; empty disables it.
	MonitorStatePath string
}

// NewServer wires the API. The policy carries the monitored-domain set
// used by strict base-url checks.
func NewServer(settings Settings, store *Store, policy BaseURLPolicy, alerter *Alerter) *Server {
	return &Server{settings: settings, store: store, policy: policy, alerter: alerter}
}

// Router builds the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/admin/tenants", s.requireAdmin(s.handleCreateTenant)).Methods(http.MethodPost)
	api.HandleFunc("/admin/api_keys", s.requireAdmin(s.handleCreateAPIKey)).Methods(http.MethodPost)

	api.HandleFunc("/tests", s.requireTenant(s.handleCreateTest)).Methods(http.MethodPost)
	api.HandleFunc("/tests", s.requireTenant(s.handleListTests)).Methods(http.MethodGet)
	api.HandleFunc("/tests/upload", s.requireTenant(s.handleUploadTest)).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}", s.requireTenant(s.handlePatchTest)).Methods(http.MethodPatch)
	api.HandleFunc("/tests/{id}/disable", s.requireTenant(s.handleDisableTest)).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}/enable", s.requireTenant(s.handleEnableTest)).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}/run", s.requireTenant(s.handleRunNow)).Methods(http.MethodPost)
	api.HandleFunc("/tests/{id}/runs", s.requireTenant(s.handleListRuns)).Methods(http.MethodGet)
	api.HandleFunc("/tests/{id}/series", s.requireTenant(s.handleSeries)).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}", s.requireTenant(s.handleGetRun)).Methods(http.MethodGet)
	api.HandleFunc("/runs/{id}/artifacts/{name}", s.requireTenant(s.handleArtifact)).Methods(http.MethodGet)

	api.HandleFunc("/status/summary", s.handleSummary).Methods(http.MethodGet)

	api.HandleFunc("/runner/claim", s.requireRunner(s.handleClaim)).Methods(http.MethodPost)
	api.HandleFunc("/runner/runs/{id}/complete", s.requireRunner(s.handleComplete)).Methods(http.MethodPost)

	s.registerUI(r)
	return r
}

// --- auth -----------------------------------------------------------------

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !TokensEqual(BearerToken(r), s.settings.AdminToken) {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	}
}

func (s *Server) requireRunner(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !TokensEqual(BearerToken(r), s.settings.RunnerToken) {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r)
	}
}

type tenantHandler func(w http.ResponseWriter, r *http.Request, tenant Tenant)

func (s *Server) requireTenant(next tenantHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := s.tenantFromRequest(r)
		if !ok {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		next(w, r, tenant)
	}
}

// tenantFromRequest resolves a tenant from the bearer token or, for UI
// requests, from the hashed-token cookie.
func (s *Server) tenantFromRequest(r *http.Request) (Tenant, bool) {
	if token := BearerToken(r); token != "" {
		t, ok, err := s.store.TenantForTokenHash(r.Context(), HashToken(token))
		if err != nil {
			log.Errorf("tenant lookup: %v", err)
			return Tenant{}, false
		}
		return t, ok
	}
	if c, err := r.Cookie(uiCookieName); err == nil && c.Value != "" {
		t, ok, err := s.store.TenantForTokenHash(r.Context(), c.Value)
		if err != nil {
			log.Errorf("tenant lookup: %v", err)
			return Tenant{}, false
		}
		return t, ok
	}
	return Tenant{}, false
}

// --- admin ----------------------------------------------------------------

func (s *Server) handleCreateTenant(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	t, err := s.store.CreateTenant(r.Context(), req.Name)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "create_tenant_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TenantID string `json:"tenant_id"`
		Name     string `json:"name"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	key, raw, err := s.store.CreateAPIKey(r.Context(), req.TenantID, req.Name)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "create_api_key_failed", err.Error())
		return
	}
	// The raw token crosses the wire exactly once, here.
	writeJSON(w, http.StatusCreated, map[string]interface{}{"api_key": key, "token": raw})
}

// --- tests ----------------------------------------------------------------

type createTestRequest struct {
	Name                    string          `json:"name"`
	BaseURL                 string          `json:"base_url"`
	Definition              json.RawMessage `json:"definition"`
	IntervalSeconds         int             `json:"interval_seconds"`
	JitterSeconds           int             `json:"jitter_seconds"`
	TimeoutSeconds          int             `json:"timeout_seconds"`
	DownAfter               int             `json:"down_after"`
	UpAfter                 int             `json:"up_after"`
	DispatchOnFailure       bool            `json:"dispatch_on_failure"`
	ExpectedFinalHostSuffix string          `json:"expected_final_host_suffix"`
}

// definitionBytes unwraps a definition that arrived as a JSON string
// (YAML payloads travel that way).
func definitionBytes(raw json.RawMessage) []byte {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, `"`) {
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			return []byte(text)
		}
	}
	return raw
}

func (s *Server) handleCreateTest(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	var req createTestRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.policy.Validate(req.BaseURL); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error(), req.BaseURL)
		return
	}
	if len(req.Definition) == 0 {
		writeErr(w, http.StatusBadRequest, "empty_definition", "")
		return
	}
	tx, canonical, err := ParseStepflow(definitionBytes(req.Definition))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_definition", err.Error())
		return
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = tx.Name
	}

	test, err := s.store.CreateTest(r.Context(), Test{
		TenantID:                tenant.ID,
		Name:                    name,
		Kind:                    KindStepflow,
		BaseURL:                 req.BaseURL,
		DefinitionJSON:          canonical,
		IntervalSeconds:         req.IntervalSeconds,
		JitterSeconds:           req.JitterSeconds,
		TimeoutSeconds:          req.TimeoutSeconds,
		DownAfter:               req.DownAfter,
		UpAfter:                 req.UpAfter,
		DispatchOnFailure:       req.DispatchOnFailure,
		ExpectedFinalHostSuffix: req.ExpectedFinalHostSuffix,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "create_test_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, test)
}

func (s *Server) handleListTests(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	tests, err := s.store.ListTests(r.Context(), tenant.ID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list_tests_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tests": tests})
}

// uploadExtensions maps code kinds to the extension their source is
// stored under.
var uploadExtensions = map[string]string{
	KindPlaywrightPython: ".py",
	KindPuppeteerJS:      ".js",
}

func (s *Server) handleUploadTest(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	r.Body = http.MaxBytesReader(w, r.Body, s.settings.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.settings.MaxUploadBytes); err != nil {
		writeErr(w, http.StatusBadRequest, "upload_too_large", err.Error())
		return
	}

	kind := r.FormValue("kind")
	ext, ok := uploadExtensions[kind]
	if !ok {
		writeErr(w, http.StatusBadRequest, "kind_not_allowed", kind)
		return
	}
	baseURL := r.FormValue("base_url")
	if err := s.policy.Validate(baseURL); err != nil {
		writeErr(w, http.StatusBadRequest, err.Error(), baseURL)
		return
	}
	name := strings.TrimSpace(r.FormValue("name"))
	if name == "" {
		writeErr(w, http.StatusBadRequest, "name_required", "")
		return
	}

	file, _, err := r.FormFile("source")
	if err != nil {
		writeErr(w, http.StatusBadRequest, "source_file_required", err.Error())
		return
	}
	defer file.Close()
	source, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "source_read_failed", err.Error())
		return
	}

	sum := sha256.Sum256(source)
	relPath := filepath.Join(tenant.ID, hex.EncodeToString(sum[:8])+ext)
	absPath := filepath.Join(s.sourcesDir(), relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		writeErr(w, http.StatusInternalServerError, "source_store_failed", err.Error())
		return
	}
	if err := os.WriteFile(absPath, source, 0o644); err != nil {
		writeErr(w, http.StatusInternalServerError, "source_store_failed", err.Error())
		return
	}

	test := Test{
		TenantID:                tenant.ID,
		Name:                    name,
		Kind:                    kind,
		BaseURL:                 baseURL,
		SourceRelPath:           relPath,
		SourceSHA256:            hex.EncodeToString(sum[:]),
		IntervalSeconds:         formInt(r, "interval_seconds"),
		TimeoutSeconds:          formInt(r, "timeout_seconds"),
		DownAfter:               formInt(r, "down_after"),
		UpAfter:                 formInt(r, "up_after"),
		DispatchOnFailure:       r.FormValue("dispatch_on_failure") == "true",
		ExpectedFinalHostSuffix: r.FormValue("expected_final_host_suffix"),
	}
	created, err := s.store.CreateTest(r.Context(), test)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "create_test_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) sourcesDir() string {
	return filepath.Join(s.settings.ArtifactsDir, "_sources")
}

func (s *Server) handlePatchTest(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	var body struct {
		TestPatch
		Definition json.RawMessage `json:"definition"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if body.BaseURL != nil {
		if err := s.policy.Validate(*body.BaseURL); err != nil {
			writeErr(w, http.StatusBadRequest, err.Error(), *body.BaseURL)
			return
		}
	}
	if len(body.Definition) > 0 {
		_, canonical, err := ParseStepflow(definitionBytes(body.Definition))
		if err != nil {
			writeErr(w, http.StatusBadRequest, "invalid_definition", err.Error())
			return
		}
		body.TestPatch.DefinitionJSON = &canonical
	}

	test, found, err := s.store.UpdateTest(r.Context(), tenant.ID, id, body.TestPatch)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "update_test_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "test_not_found", id)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleDisableTest(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	var req struct {
		Reason string   `json:"reason"`
		Until  *float64 `json:"until,omitempty"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	test, found, err := s.store.SetDisabled(r.Context(), tenant.ID, id, req.Reason, req.Until)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "disable_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "test_not_found", id)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleEnableTest(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	test, found, err := s.store.Enable(r.Context(), tenant.ID, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "enable_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "test_not_found", id)
		return
	}
	writeJSON(w, http.StatusOK, test)
}

func (s *Server) handleRunNow(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	found, err := s.store.RunNow(r.Context(), tenant.ID, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "run_now_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "test_not_found", id)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "scheduled"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := s.store.ListRuns(r.Context(), tenant.ID, id, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "list_runs_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	series, err := s.store.RecentSeries(r.Context(), tenant.ID, id, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "series_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"series": series})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	id := mux.Vars(r)["id"]
	run, found, err := s.store.GetRun(r.Context(), tenant.ID, id)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "get_run_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "run_not_found", id)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// handleArtifact streams one artifact file. The path is server-resolved
// and must stay inside the run's subtree; anything else is a 400.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request, tenant Tenant) {
	vars := mux.Vars(r)
	run, found, err := s.store.GetRun(r.Context(), tenant.ID, vars["id"])
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "get_run_failed", err.Error())
		return
	}
	if !found {
		writeErr(w, http.StatusNotFound, "run_not_found", vars["id"])
		return
	}

	path, err := resolveArtifactPath(s.settings.ArtifactsDir, tenant.ID, run.TestID, run.ID, vars["name"])
	if err != nil {
		writeErr(w, http.StatusBadRequest, "artifact_path_rejected", vars["name"])
		return
	}
	f, err := os.Open(path)
	if err != nil {
		writeErr(w, http.StatusNotFound, "artifact_not_found", vars["name"])
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/octet-stream")
	io.Copy(w, f) //nolint:errcheck
}

// resolveArtifactPath confines a requested artifact name to the run's
// directory. Separators and parent references are rejected before the
// final prefix check catches anything that still escapes.
func resolveArtifactPath(root, tenantID, testID, runID, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return "", errors.New("artifact name rejected")
	}
	runDir, err := filepath.Abs(filepath.Join(root, tenantID, testID, runID))
	if err != nil {
		return "", err
	}
	path, err := filepath.Abs(filepath.Join(runDir, name))
	if err != nil {
		return "", err
	}
	if path != runDir && !strings.HasPrefix(path, runDir+string(filepath.Separator)) {
		return "", errors.New("artifact path escapes run dir")
	}
	if path == runDir {
		return "", errors.New("artifact name rejected")
	}
	return path, nil
}

// --- status ---------------------------------------------------------------

// handleSummary serves three scopes: admin and monitor tokens see every
// tenant, a tenant key sees its own subset.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	token := BearerToken(r)
	tenantID := ""
	switch {
	case token != "" && TokensEqual(token, s.settings.AdminToken):
	case token != "" && TokensEqual(token, s.settings.MonitorToken):
	default:
		tenant, ok := s.tenantFromRequest(r)
		if !ok {
			writeErr(w, http.StatusUnauthorized, "unauthorized", "")
			return
		}
		tenantID = tenant.ID
	}

	summary, err := s.store.Summary(r.Context(), tenantID)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "summary_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"tests": summary})
}

// --- runner ---------------------------------------------------------------

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxRuns int `json:"max_runs"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	claims, err := s.store.Claim(r.Context(), req.MaxRuns)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "claim_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": claims})
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	runID := mux.Vars(r)["id"]
	var req CompleteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if !ValidStatus(req.Status) {
		writeErr(w, http.StatusBadRequest, "invalid_status", req.Status)
		return
	}
	result, err := s.store.Complete(r.Context(), runID, req)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "complete_failed", err.Error())
		return
	}

	if result.Found && s.alerter != nil {
		tenantName := result.Test.TenantID
		if tenant, ok, err := s.store.GetTenant(r.Context(), result.Test.TenantID); err == nil && ok {
			tenantName = tenant.Name
		}
		s.alerter.HandleCompletion(runID, tenantName, result, req)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"found":        result.Found,
		"alerted_down": result.AlertedDown,
		"recovered_up": result.RecoveredUp,
	})
}

// --- helpers --------------------------------------------------------------

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(out); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeErr(w http.ResponseWriter, code int, kind, detail string) {
	writeJSON(w, code, map[string]string{"error": kind, "detail": detail})
}

func formInt(r *http.Request, field string) int {
	n, _ := strconv.Atoi(r.FormValue(field))
	return n
}
