package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
	"transferq/internal/clock"
	"transferq/internal/domain"
	"transferq/internal/metrics"
	"transferq/internal/ports"
	"transferq/internal/usecase"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

const (
	headerTenant   = "X-Tenant-Id"
	headerUsername = "X-Username"
)

type Deps struct {
	Store     ports.TransferTaskStore
	Publisher *usecase.Publisher
	Queue     ports.WorkQueue
	Scope     string
	Clock     clock.Clock
}

type taskView struct {
	domain.TransferTask
	TransferRate float64 `json:"transferRate"`
}

type childrenReq struct {
	Items []usecase.Item `json:"items"`
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.Real{}
	}
	s := &Server{deps: d, router: chi.NewRouter()}
	r := s.router
	r.Route("/transfers", func(r chi.Router) {
		r.Post("/", s.submit)
		r.Get("/", s.list)
		r.Get("/{uuid}", s.get)
		r.Get("/{uuid}/tree", s.tree)
		r.Post("/{uuid}/cancel", s.cancel)
		r.Post("/{uuid}/children", s.children)
	})
	r.Get("/queues", s.queues)
	r.Handle("/metrics", metrics.Handler())
	return s
}

type Server struct {
	deps   Deps
	router *chi.Mux
}

func (s *Server) Handler() http.Handler {
	return chainMiddleware(
		s.router,
		recoverHandler,
		realIPHandler,
		requestIDHandler,
		loggerHandler(func(w http.ResponseWriter, r *http.Request) bool { return r.URL.Path == "/metrics" }),
		corsHandler,
	)
}

// Run method of the Server struct runs the HTTP server on the specified port. It initializes
// a new HTTP server instance with the specified port and the server's router.
func (s *Server) Run(port int) {
	addr := fmt.Sprintf(":%d", port)

	httpServer := http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	done := make(chan bool)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("Server is shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(ctx); err != nil {
			log.Fatal().Err(err).Msg("Server forced to shutdown")
		}

		close(done)
	}()

	log.Info().Msgf("server serving on port %d", port)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Failed to listen and serve")
	}

	<-done
	log.Info().Msg("Server stopped")
}

func tenancy(r *http.Request) (domain.Tenancy, error) {
	tc := domain.Tenancy{TenantID: r.Header.Get(headerTenant), Username: r.Header.Get(headerUsername)}
	return tc, tc.Validate()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, domain.ErrBusinessValidation), errors.Is(err, domain.ErrProtocol):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrConcurrencyConflict):
		status = http.StatusConflict
	case errors.Is(err, domain.ErrTransport):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		log.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) view(t domain.TransferTask) taskView {
	return taskView{TransferTask: t, TransferRate: t.TransferRate(s.deps.Clock.Now())}
}

func (s *Server) views(ts []domain.TransferTask) []taskView {
	out := make([]taskView, len(ts))
	for i, t := range ts {
		out[i] = s.view(t)
	}
	return out
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req usecase.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ev, err := s.deps.Publisher.Submit(r.Context(), tc, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"uuid": ev.UUID, "status": ev.Type})
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	page := domain.Page{}
	page.Offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	page.Limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))

	var tasks []domain.TransferTask
	if r.URL.Query().Get("mine") == "true" {
		tasks, err = s.deps.Store.GetAllForUser(r.Context(), tc, page)
	} else {
		tasks, err = s.deps.Store.GetAll(r.Context(), tc, page)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.views(tasks))
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	t, err := s.deps.Store.GetByID(r.Context(), tc, chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(*t))
}

func (s *Server) tree(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tasks, err := s.deps.Store.GetTransferTaskTree(r.Context(), tc, chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.views(tasks))
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	id := chi.URLParam(r, "uuid")
	if _, err := s.deps.Store.GetByID(r.Context(), tc, id); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.deps.Publisher.Cancel(r.Context(), tc, id); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"uuid": id, "status": domain.EventCancelled})
}

func (s *Server) children(w http.ResponseWriter, r *http.Request) {
	tc, err := tenancy(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req childrenReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	parent, err := s.deps.Store.GetByID(r.Context(), tc, chi.URLParam(r, "uuid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	ids, err := s.deps.Publisher.Decompose(r.Context(), *parent, req.Items)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"parent": parent.UUID, "children": ids})
}

func (s *Server) queues(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = s.deps.Scope
	}
	infos, err := s.deps.Queue.ListQueues(r.Context(), scope)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backend": s.deps.Queue.Backend(), "scope": scope, "queues": infos})
}
