// internal/directory/routes.go

package directory

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes registers the directory routes
func RegisterRoutes(router *mux.Router, handler *Handler, authenticate func(http.Handler) http.Handler) {
	api := router.PathPrefix("/api/v1/directory").Subrouter()
	api.Use(authenticate)

	api.HandleFunc("", handler.Search).Methods("GET")
}
