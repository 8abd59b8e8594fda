package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vyvo/compute/reviewci/pkg/auth"
	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/queue"
	"github.com/vyvo/compute/reviewci/pkg/registry"
	"github.com/vyvo/compute/reviewci/pkg/remote"
	"github.com/vyvo/compute/reviewci/pkg/revision"
	"github.com/vyvo/compute/reviewci/pkg/trigger"
)

const defaultClaimWait = 5 * time.Second

type server struct {
	jobs     *registry.Registry
	history  history.Repository
	queue    queue.Queue
	poller   *trigger.Poller
	memStore *builder.MemStore
	pgStore  *builder.PostgresStore
	urlBase  string
	apiToken string

	mu       sync.Mutex
	claiming map[string]bool
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.RequireToken(s.apiToken))
		r.Get("/jobs", s.handleListJobs)
		r.Route("/jobs/{job}", func(r chi.Router) {
			r.Get("/candidates", s.handleCandidates)
			r.Get("/history", s.handleHistory)
			r.Post("/poll", s.handlePoll)
			r.Get("/builds", s.handleListBuilds)
			r.Post("/builds", s.handleScheduleBuild)
			r.Post("/builds/claim", s.handleClaimBuild)
		})
		r.Route("/builds/{buildID}", func(r chi.Router) {
			r.Get("/", s.handleGetBuild)
			r.Get("/logs", s.handleStreamLogs)
			r.Post("/complete", s.handleCompleteBuild)
		})
	})
	return r
}

func (s *server) job(w http.ResponseWriter, r *http.Request) (registry.Entry, bool) {
	name := chi.URLParam(r, "job")
	entry, ok := s.jobs.Get(name)
	if !ok {
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", name))
	}
	return entry, ok
}

func (s *server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"jobs": s.jobs.Names()}, http.StatusOK)
}

func (s *server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.job(w, r)
	if !ok {
		return
	}
	pollOnly, _ := strconv.ParseBool(r.URL.Query().Get("poll"))
	candidates, err := entry.Job.Candidates(r.Context(), pollOnly)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, map[string]any{"candidates": candidates}, http.StatusOK)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.job(w, r)
	if !ok {
		return
	}
	h, err := s.history.Load(r.Context(), entry.Job.Name)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, map[string]any{"history": h}, http.StatusOK)
}

func (s *server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.schedule(w, r, true)
}

// handleScheduleBuild queues a build even when nothing changed, in which
// case the previously built revision is built again.
func (s *server) handleScheduleBuild(w http.ResponseWriter, r *http.Request) {
	s.schedule(w, r, false)
}

func (s *server) schedule(w http.ResponseWriter, r *http.Request, pollOnly bool) {
	entry, ok := s.job(w, r)
	if !ok {
		return
	}
	item, err := s.poller.Trigger(r.Context(), entry.Job, pollOnly)
	if err != nil {
		respondError(w, statusFor(err), err.Error())
		return
	}
	respondJSON(w, map[string]any{"queued": item}, http.StatusAccepted)
}

func (s *server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.job(w, r)
	if !ok {
		return
	}
	respondJSON(w, map[string]any{"builds": s.memStore.List(entry.Job.Name)}, http.StatusOK)
}

// handleClaimBuild hands the next queued revision of a job to a runner. A
// job runs one build at a time.
func (s *server) handleClaimBuild(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.job(w, r)
	if !ok {
		return
	}
	name := entry.Job.Name
	if !s.startClaim(name) {
		respondError(w, http.StatusConflict, fmt.Sprintf("job %s already has a running build", name))
		return
	}
	defer s.endClaim(name)

	wait := defaultClaimWait
	if v := r.URL.Query().Get("wait"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid wait duration")
			return
		}
		wait = d
	}

	item, err := s.queue.Dequeue(r.Context(), name, wait)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if item == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	build := builder.Build{
		Job:        name,
		Revision:   item.Revision,
		CommitTime: item.CommitTime,
		Lane:       item.Lane,
		Status:     builder.StatusRunning,
	}
	if s.pgStore != nil {
		number, err := s.pgStore.NextNumber(name)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		build.Number = number
	}
	build = s.memStore.Create(build)
	if s.urlBase != "" {
		url := fmt.Sprintf("%s/job/%s/%d/", strings.TrimSuffix(s.urlBase, "/"), name, build.Number)
		if build, err = s.memStore.SetURL(build.ID, url); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	if s.pgStore != nil {
		if err := s.pgStore.Create(build); err != nil {
			log.Printf("persist build failed: %v", err)
		}
	}
	s.appendLog(build.ID, fmt.Sprintf("building %s for %s", build.Revision, name))
	respondJSON(w, map[string]any{"build": build}, http.StatusCreated)
}

// handleCompleteBuild reports the runner's result to the review server and
// records it in the job's history.
func (s *server) handleCompleteBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	var payload builder.CompleteRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	result, err := builder.ParseResult(string(payload.Result))
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	build, err := s.memStore.BeginFinish(id)
	switch {
	case errors.Is(err, builder.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, builder.ErrNotRunning):
		respondError(w, http.StatusConflict, fmt.Sprintf("build is %s", build.Status))
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	entry, ok := s.jobs.Get(build.Job)
	if !ok {
		s.memStore.AbortFinish(id)
		respondError(w, http.StatusNotFound, fmt.Sprintf("unknown job %q", build.Job))
		return
	}

	env := make(map[string]string, len(payload.Env)+1)
	for k, v := range payload.Env {
		env[k] = v
	}
	if env[notifier.BuildURLEnv] == "" && build.URL != "" {
		env[notifier.BuildURLEnv] = build.URL
	}

	console := builder.NewConsole(func(line string) { s.appendLog(id, line) })
	final, ferr := entry.Job.Finish(r.Context(), notifier.Build{Result: result, Workspace: payload.Workspace, Env: env}, build.Number, build.Candidate(), console)
	console.Flush()

	errMsg := ""
	if ferr != nil {
		errMsg = ferr.Error()
	}
	build, err = s.memStore.Finish(id, final, errMsg)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.pgStore != nil {
		if err := s.pgStore.Finish(id, final, build.FinishedAt, errMsg); err != nil {
			log.Printf("postgres finish error: %v", err)
		}
	}
	s.memStore.CloseSubscribers(id)

	status := http.StatusOK
	if ferr != nil {
		status = statusFor(ferr)
	}
	respondJSON(w, map[string]any{"build": build}, status)
}

func (s *server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	var (
		build builder.Build
		err   error
	)
	if s.pgStore != nil {
		build, err = s.pgStore.Get(id)
	} else {
		build, err = s.memStore.Get(id)
	}
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, map[string]any{"build": build}, http.StatusOK)
}

func (s *server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "buildID")
	ch, err := s.memStore.Subscribe(id)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	done := r.Context().Done()

	for {
		select {
		case <-done:
			return
		case msg, ok := <-ch:
			if !ok {
				fmt.Fprintf(w, "data: %s\n\n", "[stream closed]")
				flusher.Flush()
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			flusher.Flush()
		}
	}
}

func (s *server) startClaim(job string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claiming[job] || s.busy(job) {
		return false
	}
	if s.claiming == nil {
		s.claiming = map[string]bool{}
	}
	s.claiming[job] = true
	return true
}

func (s *server) endClaim(job string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claiming, job)
}

func (s *server) busy(job string) bool {
	for _, b := range s.memStore.List(job) {
		if b.Status == builder.StatusRunning || b.Status == builder.StatusFinishing {
			return true
		}
	}
	return false
}

func (s *server) appendLog(id string, line string) {
	s.memStore.AppendLog(id, line)
	if s.pgStore != nil {
		if err := s.pgStore.AppendLog(id, line); err != nil {
			log.Printf("persist log error: %v", err)
		}
	}
}

func statusFor(err error) int {
	var (
		perr *revision.ParseError
		rerr *gitlog.RepositoryError
		terr *remote.TransportError
	)
	switch {
	case errors.As(err, &perr), errors.As(err, &rerr):
		return http.StatusUnprocessableEntity
	case errors.As(err, &terr):
		return http.StatusBadGateway
	case errors.Is(err, notifier.ErrInterrupted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}
