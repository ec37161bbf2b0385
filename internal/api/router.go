package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	mw "github.com/aaronpan007/zhaoyaojing/internal/api/middleware"
	"github.com/aaronpan007/zhaoyaojing/internal/api/response"
)

// Dependencies holds all handler dependencies for the router.
type Dependencies struct {
	ReportHandler    http.HandlerFunc
	StatusHandler    http.HandlerFunc
	HealthHandler    http.HandlerFunc
	RAGStatusHandler http.HandlerFunc
}

// NewRouter builds the Chi router with the middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Post("/api/generate_warning_report", orNotImplemented(deps.ReportHandler))
	r.Get("/api/report_status/{taskID}", orNotImplemented(deps.StatusHandler))
	r.Get("/api/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/rag_status", orNotImplemented(deps.RAGStatusHandler))

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Fail(w, http.StatusNotImplemented, "接口暂未实现")
	}
}
