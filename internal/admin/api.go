// Package admin exposes the daemon's status and control surface over a
// local HTTP API, plus the Prometheus scrape endpoint.
package admin

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/bel-os/keysafe/internal/export"
	"github.com/bel-os/keysafe/internal/keybackup"
	"github.com/bel-os/keysafe/internal/metrics"
	"github.com/bel-os/keysafe/internal/secrets"
	"github.com/bel-os/keysafe/internal/store"
)

// API serves the daemon's control endpoints.
type API struct {
	engine   *keybackup.Engine
	store    store.Store
	vault    *secrets.VaultClient // optional
	archiver *export.Archiver     // optional
	log      zerolog.Logger
}

// New builds the admin API. vault and archiver may be nil.
func New(engine *keybackup.Engine, s store.Store, vault *secrets.VaultClient, archiver *export.Archiver, log zerolog.Logger) *API {
	return &API{
		engine:   engine,
		store:    s,
		vault:    vault,
		archiver: archiver,
		log:      log.With().Str("component", "admin").Logger(),
	}
}

// Handler returns the routed, CORS-wrapped handler.
func (a *API) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(a.requestIDMiddleware)

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/status", a.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/backup/check", a.handleCheck).Methods(http.MethodPost)
	api.HandleFunc("/backup", a.handleCreateBackup).Methods(http.MethodPost)
	api.HandleFunc("/backup/all", a.handleBackupAll).Methods(http.MethodPost)
	api.HandleFunc("/backup/{version}", a.handleDeleteBackup).Methods(http.MethodDelete)
	api.HandleFunc("/backup/{version}/trust", a.handleTrust).Methods(http.MethodGet)
	api.HandleFunc("/restore", a.handleRestore).Methods(http.MethodPost)
	api.HandleFunc("/export", a.handleExport).Methods(http.MethodPost)
	api.HandleFunc("/import", a.handleImport).Methods(http.MethodPost)

	// The admin UI is served from a different local origin.
	return cors.New(cors.Options{
		AllowedOrigins: []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

func (a *API) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.NewString()
		w.Header().Set("X-Request-ID", requestID)
		a.log.Debug().
			Str("request_id", requestID).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Msg("admin request")
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, map[string]string{"error": err.Error()})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	total, err := a.engine.TotalKeyCount()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	backedUp, err := a.engine.BackedUpKeyCount()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":          a.engine.State().String(),
		"enabled":        a.engine.IsEnabled(),
		"version":        a.engine.CurrentVersionID(),
		"total_keys":     total,
		"backed_up_keys": backedUp,
	})
}

func (a *API) handleCheck(w http.ResponseWriter, r *http.Request) {
	a.engine.CheckAndStartKeysBackup(r.Context())
	respondJSON(w, http.StatusOK, map[string]string{"state": a.engine.State().String()})
}

func (a *API) handleCreateBackup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	info, err := a.engine.PrepareKeysBackupVersion(r.Context(), req.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	version, err := a.engine.CreateKeysBackupVersion(r.Context(), info)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}

	resp := map[string]interface{}{"version": version.Version}
	if a.vault != nil {
		if err := a.vault.StoreRecoveryKey(version.Version, info.RecoveryKey); err != nil {
			a.log.Error().Err(err).Msg("failed to store recovery key in vault")
			// Without custody the key must reach the operator, or the
			// backup is unrecoverable.
			resp["recovery_key"] = info.RecoveryKey
		} else {
			resp["recovery_key_stored"] = true
		}
	} else {
		resp["recovery_key"] = info.RecoveryKey
	}
	respondJSON(w, http.StatusCreated, resp)
}

func (a *API) handleBackupAll(w http.ResponseWriter, r *http.Request) {
	err := a.engine.BackupAllGroupSessions(r.Context(), nil)
	if err != nil {
		respondError(w, http.StatusConflict, err)
		return
	}
	backedUp, _ := a.engine.BackedUpKeyCount()
	respondJSON(w, http.StatusOK, map[string]interface{}{"backed_up_keys": backedUp})
}

func (a *API) handleDeleteBackup(w http.ResponseWriter, r *http.Request) {
	version := mux.Vars(r)["version"]
	if err := a.engine.DeleteKeysBackupVersion(r.Context(), version); err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if a.vault != nil {
		if err := a.vault.DeleteRecoveryKey(version); err != nil {
			a.log.Warn().Err(err).Str("version", version).Msg("failed to delete recovery key from vault")
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"deleted": version})
}

func (a *API) handleTrust(w http.ResponseWriter, r *http.Request) {
	versionID := mux.Vars(r)["version"]
	version, err := a.engine.GetBackupVersion(r.Context(), versionID)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	if version == nil {
		respondError(w, http.StatusNotFound, keybackup.ErrNotFound)
		return
	}
	trust, err := a.engine.GetKeysBackupTrust(version)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	signatures := make([]map[string]interface{}, 0, len(trust.Signatures))
	for _, sig := range trust.Signatures {
		signatures = append(signatures, map[string]interface{}{
			"device_id": sig.DeviceID,
			"known":     sig.Device != nil,
			"valid":     sig.Valid,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"usable":     trust.Usable,
		"signatures": signatures,
	})
}

func (a *API) handleRestore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Version     string `json:"version"`
		RecoveryKey string `json:"recovery_key"`
		Password    string `json:"password"`
		RoomID      string `json:"room_id"`
		SessionID   string `json:"session_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	// Daemon deployments can restore straight from Vault custody.
	if req.RecoveryKey == "" && req.Password == "" && a.vault != nil {
		stored, err := a.vault.RecoveryKey(req.Version)
		if err != nil {
			respondError(w, http.StatusBadRequest, err)
			return
		}
		req.RecoveryKey = stored
	}

	var result *keybackup.ImportResult
	var err error
	if req.RecoveryKey != "" {
		result, err = a.engine.RestoreKeysWithRecoveryKey(r.Context(), req.Version, req.RecoveryKey, req.RoomID, req.SessionID)
	} else {
		result, err = a.engine.RestoreKeyBackupWithPassword(r.Context(), req.Version, req.Password, req.RoomID, req.SessionID)
	}
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{
		"total_found":    result.TotalFound,
		"total_imported": result.TotalImported,
	})
}

func (a *API) handleExport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
		Rounds     int    `json:"rounds"`
		Archive    bool   `json:"archive"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if req.Passphrase == "" {
		respondError(w, http.StatusBadRequest, errEmptyPassphrase)
		return
	}

	data, err := export.Export(a.store, req.Passphrase, req.Rounds)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	if req.Archive {
		if a.archiver == nil {
			respondError(w, http.StatusBadRequest, errNoArchiver)
			return
		}
		object, err := a.archiver.Archive(r.Context(), data)
		if err != nil {
			respondError(w, http.StatusBadGateway, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"object": object})
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Content-Disposition", `attachment; filename="megolm-sessions-`+time.Now().UTC().Format("20060102")+`.txt"`)
	w.Write(data)
}

func (a *API) handleImport(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Passphrase string `json:"passphrase"`
		Data       string `json:"data"`
		Object     string `json:"object"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	data := []byte(req.Data)
	if req.Object != "" {
		if a.archiver == nil {
			respondError(w, http.StatusBadRequest, errNoArchiver)
			return
		}
		fetched, err := a.archiver.Fetch(r.Context(), req.Object)
		if err != nil {
			respondError(w, http.StatusBadGateway, err)
			return
		}
		data = fetched
	}

	imported, err := export.Import(a.store, data, req.Passphrase)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	// Freshly imported sessions are unmarked; nudge the loop.
	a.engine.MaybeBackupKeys()
	respondJSON(w, http.StatusOK, map[string]int{"imported": imported})
}
