// Package server exposes the localhost HTTP API the UI observes:
// account listing, linking, unlinking, manual refresh, and the cached
// inbox view.
package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/nvander/mailbridge/internal/auth/flow"
	"github.com/nvander/mailbridge/internal/auth/registry"
	"github.com/nvander/mailbridge/internal/mail"
	"github.com/nvander/mailbridge/internal/provider"
	"github.com/nvander/mailbridge/internal/store"
)

// Deps is everything the API serves from, assembled by the composition
// root.
type Deps struct {
	Registry *registry.Registry
	Sweeper  *registry.Sweeper
	Mail     *mail.Client
	Store    *store.Store
	Catalog  *provider.Catalog
	Log      *zap.Logger
}

// NewRouter builds the API router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)

	r.Get("/providers", d.providersHandler)
	r.Get("/accounts", d.accountsHandler)
	r.Post("/accounts/{provider}/link", d.linkHandler)
	r.Delete("/accounts/{id}", d.unlinkHandler)
	r.Post("/accounts/{id}/refresh", d.refreshHandler)
	r.Get("/accounts/{id}/messages", d.messagesHandler)
	r.Post("/refresh", d.sweepHandler)

	return r
}

func (d Deps) providersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"providers": d.Catalog.IDs()})
}

func (d Deps) accountsHandler(w http.ResponseWriter, r *http.Request) {
	accounts := d.Registry.List()
	out := make([]any, 0, len(accounts))
	for _, acc := range accounts {
		out = append(out, acc.Redacted())
	}
	writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
}

func (d Deps) linkHandler(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")

	acc, err := d.Registry.Link(r.Context(), providerID)
	if err != nil {
		switch {
		case errors.Is(err, flow.ErrUserCancelled):
			// A decline is not a failure; report it as such so the UI
			// shows no error banner.
			writeJSON(w, http.StatusOK, map[string]any{"status": "cancelled"})
		default:
			d.Log.Warn("link failed", zap.String("provider", providerID), zap.Error(err))
			writeError(w, linkStatus(err), err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"account": acc.Redacted()})
}

func (d Deps) unlinkHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := d.Registry.Unlink(id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := d.Store.PurgeAccount(id); err != nil {
		// The account is gone either way; a stale cache row is not worth
		// failing the unlink over.
		d.Log.Warn("purging message cache failed", zap.String("account", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (d Deps) refreshHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	acc, err := d.Registry.RefreshIfNeeded(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"account": acc.Redacted()})
}

func (d Deps) sweepHandler(w http.ResponseWriter, r *http.Request) {
	refreshed, failed := d.Sweeper.Sweep(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"refreshed": refreshed,
		"failed":    failed,
	})
}

func (d Deps) messagesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	acc, err := d.Registry.RefreshIfNeeded(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusBadGateway, err)
		return
	}
	p, ok := d.Catalog.Get(acc.Provider)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("account references unknown provider"))
		return
	}

	messages, err := d.Mail.List(r.Context(), p.MailBaseURL, acc.AccessToken, 0)
	if errors.Is(err, mail.ErrUnauthorized) {
		// The provider rejected a token the expiry window still considered
		// good. Refresh once and retry; a second failure falls through to
		// the cache.
		d.Log.Info("token rejected, forcing refresh", zap.String("account", id))
		if acc, err = d.Registry.ForceRefresh(r.Context(), id); err == nil {
			messages, err = d.Mail.List(r.Context(), p.MailBaseURL, acc.AccessToken, 0)
		}
	}
	if err != nil {
		// Serve the cache when the provider is unreachable so the inbox
		// list survives flaky networks.
		cached, cacheErr := d.Store.ListForAccount(id)
		if cacheErr != nil || len(cached) == 0 {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		d.Log.Warn("serving cached messages after fetch failure",
			zap.String("account", id), zap.Error(err))
		w.Header().Set("X-Mailbridge-Cache", "stale")
		writeJSON(w, http.StatusOK, map[string]any{"messages": cached})
		return
	}

	if err := d.Store.ReplaceForAccount(id, messages); err != nil {
		d.Log.Warn("updating message cache failed", zap.String("account", id), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// linkStatus maps the flow error taxonomy onto HTTP statuses. Protocol
// violations are client/provider mismatches, not gateway problems.
func linkStatus(err error) int {
	var pe *flow.ProviderError
	switch {
	case errors.As(err, &pe):
		return http.StatusBadGateway
	case errors.Is(err, flow.ErrMissingAuthorizationCode),
		errors.Is(err, flow.ErrInvalidCallback):
		return http.StatusBadRequest
	case errors.Is(err, flow.ErrTokenExchangeFailed),
		errors.Is(err, flow.ErrProfileFetchFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}
