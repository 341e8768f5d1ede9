package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/maxpert/blockstm/telemetry"
	"github.com/rs/zerolog/log"
)

// NewRouter builds the admin chi router. /metrics is never behind auth and
// is only mounted when Prometheus is enabled.
func NewRouter(handlers *AdminHandlers, secret string) http.Handler {
	r := chi.NewRouter()

	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(secret))

		r.Get("/status", handlers.handleStatus)

		// State keys contain '/', so the key is taken from the wildcard
		r.Route("/state", func(r chi.Router) {
			r.Get("/", handlers.handleStateScan)
			r.Get("/*", handlers.stateKey)
		})

		r.Get("/receipts/{height}", handlers.receipts)
		r.Get("/blocks/wait", handlers.handleBlockWait)
	})

	return r
}

// RegisterRoutes mounts the admin router under /admin on mux
func RegisterRoutes(mux *http.ServeMux, handlers *AdminHandlers, secret string) {
	r := NewRouter(handlers, secret)

	mux.Handle("/admin", http.RedirectHandler("/admin/", http.StatusMovedPermanently))
	mux.Handle("/admin/", http.StripPrefix("/admin", r))

	log.Info().Msg("Admin endpoints enabled at /admin/{status,state,receipts,blocks,metrics}")
}

func (h *AdminHandlers) stateKey(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(chi.URLParam(r, "*"), "/")
	if key == "" {
		h.handleStateScan(w, r)
		return
	}
	h.handleStateKey(w, r, key)
}

func (h *AdminHandlers) receipts(w http.ResponseWriter, r *http.Request) {
	height, err := parseHeight(chi.URLParam(r, "height"))
	if err != nil {
		writeErrorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	h.handleReceipts(w, r, height)
}
