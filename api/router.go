package api

import (
	"net/http"
	"path/filepath"

	"github.com/gorilla/mux"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/parcadei/ouros/logger"
)

// NewRouter builds the full /api/v1 route table plus the swagger UI,
// grounded on the teacher's own main.go router wiring (gorilla/mux,
// swaggo/http-swagger serving a static doc.json, permissive CORS). There
// is no auth/RBAC layer here: a sandbox session has no user identity to
// check permissions against, so every route the teacher wraps in
// RequirePermission/RBACMiddleware is wrapped in nothing here instead.
func NewRouter(h *SessionHandler, docsDir string) http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/swagger/doc.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		http.ServeFile(w, r, filepath.Join(docsDir, "swagger.json"))
	}).Methods("GET")
	router.PathPrefix("/swagger/").Handler(httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
		httpSwagger.DeepLinking(true),
		httpSwagger.DocExpansion("none"),
		httpSwagger.DomID("swagger-ui"),
	)).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/sessions", h.ListSessions).Methods("GET")
	api.HandleFunc("/sessions", h.CreateSession).Methods("POST")
	api.HandleFunc("/sessions/{id}", h.DestroySession).Methods("DELETE")

	api.HandleFunc("/sessions/{id}/execute", h.Execute).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume", h.Resume).Methods("POST")
	api.HandleFunc("/sessions/{id}/resume_futures", h.ResumeFutures).Methods("POST")
	api.HandleFunc("/sessions/{id}/fork", h.Fork).Methods("POST")
	api.HandleFunc("/sessions/{id}/rewind", h.Rewind).Methods("POST")
	api.HandleFunc("/sessions/{id}/eval", h.EvalVariable).Methods("POST")
	api.HandleFunc("/sessions/{id}/transfer", h.TransferVariable).Methods("POST")
	api.HandleFunc("/sessions/{id}/call", h.CallSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/heap", h.SnapshotHeap).Methods("GET")
	api.HandleFunc("/sessions/{id}/save", h.SaveSession).Methods("POST")
	api.HandleFunc("/sessions/{id}/load", h.LoadSession).Methods("POST")

	api.HandleFunc("/sessions/{id}/variables", h.ListVariables).Methods("GET")
	api.HandleFunc("/sessions/{id}/variables/{name}", h.GetVariable).Methods("GET")
	api.HandleFunc("/sessions/{id}/variables/{name}", h.SetVariable).Methods("PUT")
	api.HandleFunc("/sessions/{id}/variables/{name}", h.DeleteVariable).Methods("DELETE")

	return requestLogger(corsMiddleware(router))
}

// corsMiddleware mirrors the teacher's very permissive debugging-grade
// CORS settings (main.go's corsHandler) — a remote-tool driver is assumed
// to be a trusted, same-operator client, not a browser needing narrow
// origin scoping.
func corsMiddleware(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// requestLogger traces every request at the "api" subsystem, the same
// call-site-traced shape the teacher's handlers use throughout, and when
// the operator has turned on full request tracing (logger.EnableTracing,
// toggled by --ouros-log-level=trace) wraps the whole request in a
// TraceContext/span pair so a slow or stuck handler shows up in
// logger.GetActiveTraces().
func requestLogger(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.TraceIf("api", "%s %s", r.Method, r.URL.Path)

		tc := logger.StartTrace(r.Method+" "+r.URL.Path, r.RemoteAddr)
		logger.LogHTTPHandler(traceID(tc), r.Method, r.URL.Path, "start")
		h.ServeHTTP(w, r)
		logger.LogHTTPHandler(traceID(tc), r.Method, r.URL.Path, "end")
		tc.EndTrace()
	})
}

// traceID reads tc.TraceID without panicking when tracing is disabled,
// since StartTrace returns a nil *TraceContext in that case.
func traceID(tc *logger.TraceContext) string {
	if tc == nil {
		return ""
	}
	return tc.TraceID
}
