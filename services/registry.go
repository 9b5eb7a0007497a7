package services

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/securehealth/fedtrain/aggregator"
	"github.com/securehealth/fedtrain/crypto"
	"github.com/securehealth/fedtrain/protocol"
)

// RegistryConfig configures the institution registry.
type RegistryConfig struct {
	// AdminToken for authenticating with registry admin endpoints (user:pass).
	AdminToken string
	Log        *slog.Logger
}

// Registry manages institution registration and the verification
// lifecycle. It feeds the round orchestrator with verified participants
// and the aggregator with per-institution key material.
type Registry struct {
	config *RegistryConfig
	store  Store
	log    *slog.Logger
}

var (
	_ protocol.InstitutionSource = (*Registry)(nil)
	_ aggregator.KeySource       = (*Registry)(nil)
)

// NewRegistry creates a registry backed by the given store.
func NewRegistry(config *RegistryConfig, store Store) *Registry {
	log := config.Log
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		config: config,
		store:  store,
		log:    log.With("service", "registry"),
	}
}

// RegisterRoutes mounts both the public and the admin route groups.
func (r *Registry) RegisterRoutes(router chi.Router) {
	r.RegisterPublicRoutes(router)
	router.Route("/admin", func(admin chi.Router) {
		r.RegisterAdminRoutes(admin)
	})
}

func (r *Registry) RegisterPublicRoutes(router chi.Router) {
	router.Post("/institutions", r.handleRegister)
	router.Get("/institutions", r.handleList)
	router.Get("/institutions/{id}", r.handleGet)
}

func (r *Registry) RegisterAdminRoutes(router chi.Router) {
	router.Use(r.adminAuth)
	router.Post("/institutions/{id}/verify", r.handleVerify)
	router.Post("/institutions/{id}/suspend", r.handleSuspend)
}

// adminAuth guards status mutations behind basic auth. An empty
// AdminToken leaves the routes open, matching the registry binary's
// startup warning.
func (r *Registry) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if r.config.AdminToken == "" {
			next.ServeHTTP(w, req)
			return
		}
		wantUser, wantPass := parseAdminToken(r.config.AdminToken)
		user, pass, ok := req.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(wantUser)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(wantPass)) != 1 {
			http.Error(w, "admin authentication required", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func parseAdminToken(token string) (user, pass string) {
	idx := strings.Index(token, ":")
	if idx < 0 {
		return token, ""
	}
	return token[:idx], token[idx+1:]
}

func (r *Registry) handleRegister(w http.ResponseWriter, req *http.Request) {
	var regReq RegistrationRequest
	if err := json.NewDecoder(req.Body).Decode(&regReq); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if regReq.Name == "" {
		http.Error(w, "institution name is required", http.StatusBadRequest)
		return
	}
	if regReq.DatasetWeight <= 0 {
		http.Error(w, "dataset weight must be positive", http.StatusBadRequest)
		return
	}
	if _, err := crypto.NewKeyFromHex(regReq.KeyMaterial); err != nil {
		http.Error(w, "invalid key material", http.StatusBadRequest)
		return
	}

	inst := &protocol.Institution{
		ID:            uuid.New().String(),
		Name:          regReq.Name,
		Status:        protocol.InstitutionPending,
		DatasetWeight: regReq.DatasetWeight,
		KeyMaterial:   regReq.KeyMaterial,
		RegisteredAt:  time.Now().UTC(),
	}

	if err := r.store.SaveInstitution(req.Context(), inst); err != nil {
		r.log.Error("saving institution", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	r.log.Info("institution registered", "id", inst.ID, "name", inst.Name)

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(&RegistrationResponse{
		InstitutionID: inst.ID,
		Status:        inst.Status,
	})
}

func (r *Registry) handleList(w http.ResponseWriter, req *http.Request) {
	insts, err := r.store.ListInstitutions(req.Context())
	if err != nil {
		r.log.Error("listing institutions", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for _, inst := range insts {
		inst.KeyMaterial = ""
	}
	json.NewEncoder(w).Encode(insts)
}

func (r *Registry) handleGet(w http.ResponseWriter, req *http.Request) {
	inst, err := r.store.GetInstitution(req.Context(), chi.URLParam(req, "id"))
	if err == ErrInstitutionNotFound {
		http.Error(w, "unknown institution", http.StatusNotFound)
		return
	}
	if err != nil {
		r.log.Error("loading institution", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	inst.KeyMaterial = ""
	json.NewEncoder(w).Encode(inst)
}

func (r *Registry) handleVerify(w http.ResponseWriter, req *http.Request) {
	r.setStatus(w, req, protocol.InstitutionVerified)
}

func (r *Registry) handleSuspend(w http.ResponseWriter, req *http.Request) {
	r.setStatus(w, req, protocol.InstitutionSuspended)
}

func (r *Registry) setStatus(w http.ResponseWriter, req *http.Request, status protocol.InstitutionStatus) {
	id := chi.URLParam(req, "id")
	err := r.store.UpdateInstitutionStatus(req.Context(), id, status)
	if err == ErrInstitutionNotFound {
		http.Error(w, "unknown institution", http.StatusNotFound)
		return
	}
	if err != nil {
		r.log.Error("updating institution status", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	r.log.Info("institution status updated", "id", id, "status", status)
	w.WriteHeader(http.StatusOK)
}

// VerifiedInstitutions returns the institutions eligible for round
// admission. Suspended and pending registrations are excluded.
func (r *Registry) VerifiedInstitutions(ctx context.Context) ([]*protocol.Institution, error) {
	insts, err := r.store.ListInstitutions(ctx)
	if err != nil {
		return nil, err
	}
	out := insts[:0]
	for _, inst := range insts {
		if inst.Status == protocol.InstitutionVerified {
			out = append(out, inst)
		}
	}
	return out, nil
}

// KeyFor resolves an institution's channel key for the aggregator.
func (r *Registry) KeyFor(institutionID string) (crypto.Key, error) {
	inst, err := r.store.GetInstitution(context.Background(), institutionID)
	if err != nil {
		return crypto.Key{}, err
	}
	return crypto.NewKeyFromHex(inst.KeyMaterial)
}
