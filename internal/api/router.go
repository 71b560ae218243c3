package api

import "net/http"

func Router(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", h.Health)

	mux.HandleFunc("GET /v1/engine/status", h.EngineStatus)
	mux.HandleFunc("POST /v1/engine/start", h.EngineStart)
	mux.HandleFunc("POST /v1/engine/stop", h.EngineStop)

	mux.HandleFunc("POST /v1/dispatches", h.CreateDispatch)
	mux.HandleFunc("GET /v1/dispatches", h.ListDispatches)
	mux.HandleFunc("GET /v1/dispatches/{id}", h.GetDispatch)
	mux.HandleFunc("DELETE /v1/dispatches/{id}", h.DeleteDispatch)
	mux.HandleFunc("GET /v1/dispatches/{id}/jobs", h.ListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}/receipt", h.GetJobReceipt)

	mux.HandleFunc("POST /v1/dispatches/{id}/start", h.StartDispatch)
	mux.HandleFunc("POST /v1/dispatches/{id}/pause", h.PauseDispatch)
	mux.HandleFunc("POST /v1/dispatches/{id}/resume", h.ResumeDispatch)

	mux.HandleFunc("GET /", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("dispatchd"))
	})

	return mux
}
