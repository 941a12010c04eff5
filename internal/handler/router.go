package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/csec/ragchat/backend/internal/handler/ws"
	middlewarePkg "github.com/csec/ragchat/backend/internal/middleware"
	"github.com/csec/ragchat/backend/pkg/utils"
)

// NewRouter wires HTTP routes to the gateway handler.
func NewRouter(gateway *ws.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middlewarePkg.CORS)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	gateway.RegisterRoutes(r)

	return r
}
