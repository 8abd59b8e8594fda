package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/vyvo/compute/reviewci/pkg/builder"
	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/queue"
	"github.com/vyvo/compute/reviewci/pkg/registry"
	"github.com/vyvo/compute/reviewci/pkg/remote"
	"github.com/vyvo/compute/reviewci/pkg/revision"
	"github.com/vyvo/compute/reviewci/pkg/trigger"
)

type recordingSession struct {
	mu       sync.Mutex
	delay    time.Duration
	commands []string
	calls    []string
}

func (r *recordingSession) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingSession) Connect(context.Context, string, int) error {
	r.record("connect")
	return nil
}

func (r *recordingSession) Authenticate(context.Context, string, string, string) error {
	r.record("authenticate")
	return nil
}

func (r *recordingSession) Execute(_ context.Context, cmd string) (string, error) {
	time.Sleep(r.delay)
	r.record("execute")
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	return "", nil
}

func (r *recordingSession) Disconnect() error {
	r.record("disconnect")
	return nil
}

func commit(t *testing.T, repo *git.Repository, dir, name string, when time.Time) plumbing.Hash {
	t.Helper()
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatal(err)
	}
	hash, err := wt.Commit("add "+name, &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: when},
	})
	if err != nil {
		t.Fatal(err)
	}
	return hash
}

type fixture struct {
	srv     *server
	handler http.Handler
	session *recordingSession
	ws      string
	head    plumbing.Hash
}

func newFixture(t *testing.T, token string) *fixture {
	t.Helper()
	ws := t.TempDir()
	repoDir := filepath.Join(ws, "core")
	repo, err := git.PlainInit(repoDir, false)
	if err != nil {
		t.Fatal(err)
	}
	commit(t, repo, repoDir, "a.txt", time.Unix(1000, 0))
	head := commit(t, repo, repoDir, "b.txt", time.Unix(2000, 0))

	store, err := history.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	sess := &recordingSession{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defs := []config.Job{{
		Name:       "core",
		Repository: repoDir,
		Notifier: notifier.Config{
			RepositorySubpath: "core",
			RemoteHost:        "review",
			RemoteUsername:    "ci",
			PrivateKeyPath:    "/keys/id_rsa",
		},
	}}

	q := queue.NewMemQueue()
	srv := &server{
		jobs: registry.Load(defs, registry.Wiring{
			History:  store,
			Sessions: func() remote.Session { return sess },
			Logger:   logger,
		}),
		history:  store,
		queue:    q,
		memStore: builder.NewMemStore(),
		urlBase:  "http://ci.example.com/",
		apiToken: token,
	}
	srv.poller = trigger.NewPoller(q, srv.busy, logger)
	return &fixture{srv: srv, handler: srv.routes(), session: sess, ws: ws, head: head}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func TestBuildLifecycle(t *testing.T) {
	f := newFixture(t, "")

	rec := f.do(t, http.MethodPost, "/api/jobs/core/poll", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("poll: %d %s", rec.Code, rec.Body.String())
	}
	queued := decode[struct{ Queued *queue.Item }](t, rec).Queued
	if queued == nil || queued.Revision != f.head.String() {
		t.Fatalf("expected newest revision queued, got %#v", queued)
	}

	rec = f.do(t, http.MethodPost, "/api/jobs/core/builds/claim?wait=10ms", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim: %d %s", rec.Code, rec.Body.String())
	}
	build := decode[struct{ Build builder.Build }](t, rec).Build
	if build.Number != 1 || build.Revision != f.head.String() || build.URL != "http://ci.example.com/job/core/1/" {
		t.Fatalf("unexpected build %#v", build)
	}

	if rec := f.do(t, http.MethodPost, "/api/jobs/core/builds/claim?wait=10ms", nil); rec.Code != http.StatusConflict {
		t.Fatalf("second claim should conflict, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/builds/"+build.ID+"/complete", builder.CompleteRequest{
		Result:    builder.ResultSuccess,
		Workspace: f.ws,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body.String())
	}
	finished := decode[struct{ Build builder.Build }](t, rec).Build
	if finished.Status != builder.StatusFinished || finished.Result != builder.ResultSuccess {
		t.Fatalf("unexpected finished build %#v", finished)
	}

	want := `review approve --verified=+1 --message="http://ci.example.com/job/core/1/" ` + f.head.String()
	if len(f.session.commands) != 1 || f.session.commands[0] != want {
		t.Fatalf("unexpected review commands %q", f.session.commands)
	}
	if strings.Join(f.session.calls, ",") != "connect,authenticate,execute,disconnect" {
		t.Fatalf("unexpected session calls %v", f.session.calls)
	}

	rec = f.do(t, http.MethodGet, "/api/builds/"+build.ID+"/logs", nil)
	if body := rec.Body.String(); !strings.Contains(body, "data: Approving "+f.head.String()) || !strings.Contains(body, "[stream closed]") {
		t.Fatalf("unexpected console stream %q", body)
	}

	rec = f.do(t, http.MethodGet, "/api/jobs/core/history", nil)
	h := decode[struct{ History history.BuildHistory }](t, rec).History
	lane, ok := h.LaneRecord(revision.LaneTimeBased)
	if !ok || lane.Revision.ID != f.head.String() || lane.BuildNumber != 1 {
		t.Fatalf("history not updated: %#v", h)
	}

	rec = f.do(t, http.MethodPost, "/api/jobs/core/poll", nil)
	if q := decode[struct{ Queued *queue.Item }](t, rec).Queued; q != nil {
		t.Fatalf("nothing new should be queued, got %#v", q)
	}

	if rec := f.do(t, http.MethodPost, "/api/builds/"+build.ID+"/complete", builder.CompleteRequest{Result: builder.ResultSuccess}); rec.Code != http.StatusConflict {
		t.Fatalf("completing twice should conflict, got %d", rec.Code)
	}
}

func TestConcurrentCompleteVotesOnce(t *testing.T) {
	f := newFixture(t, "")
	f.session.delay = 100 * time.Millisecond
	f.do(t, http.MethodPost, "/api/jobs/core/poll", nil)
	build := decode[struct{ Build builder.Build }](t, f.do(t, http.MethodPost, "/api/jobs/core/builds/claim?wait=10ms", nil)).Build

	codes := make([]int, 2)
	var wg sync.WaitGroup
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			data, _ := json.Marshal(builder.CompleteRequest{Result: builder.ResultSuccess, Workspace: f.ws})
			req := httptest.NewRequest(http.MethodPost, "/api/builds/"+build.ID+"/complete", bytes.NewReader(data))
			rec := httptest.NewRecorder()
			f.handler.ServeHTTP(rec, req)
			codes[i] = rec.Code
		}(i)
	}
	wg.Wait()

	ok, conflict := 0, 0
	for _, c := range codes {
		switch c {
		case http.StatusOK:
			ok++
		case http.StatusConflict:
			conflict++
		}
	}
	if ok != 1 || conflict != 1 {
		t.Fatalf("expected one 200 and one 409, got %v", codes)
	}
	if len(f.session.commands) != 1 {
		t.Fatalf("expected a single review command, got %q", f.session.commands)
	}
	if got := decode[struct{ Build builder.Build }](t, f.do(t, http.MethodGet, "/api/builds/"+build.ID, nil)).Build; got.Status != builder.StatusFinished {
		t.Fatalf("expected finished build, got %s", got.Status)
	}
}

func TestCompleteReportsRepositoryError(t *testing.T) {
	f := newFixture(t, "")
	f.do(t, http.MethodPost, "/api/jobs/core/builds", nil)
	build := decode[struct{ Build builder.Build }](t, f.do(t, http.MethodPost, "/api/jobs/core/builds/claim?wait=10ms", nil)).Build

	rec := f.do(t, http.MethodPost, "/api/builds/"+build.ID+"/complete", builder.CompleteRequest{
		Result:    builder.ResultFailure,
		Workspace: t.TempDir(),
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", rec.Code, rec.Body.String())
	}
	got := decode[struct{ Build builder.Build }](t, rec).Build
	if got.Result != builder.ResultFailure || got.Error == "" {
		t.Fatalf("unexpected build %#v", got)
	}
	if len(f.session.calls) != 0 {
		t.Fatalf("no session expected, got %v", f.session.calls)
	}
}

func TestCompleteRejectsUnknownResult(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/builds/x/complete", map[string]string{"result": "GREAT"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestCandidatesPreview(t *testing.T) {
	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/api/jobs/core/candidates?poll=true", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("candidates: %d %s", rec.Code, rec.Body.String())
	}
	cands := decode[struct{ Candidates []revision.Candidate }](t, rec).Candidates
	if len(cands) != 1 || cands[0].ID != f.head.String() {
		t.Fatalf("unexpected candidates %#v", cands)
	}
	if rec := f.do(t, http.MethodGet, "/api/jobs/nope/candidates", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestClaimEmptyQueue(t *testing.T) {
	f := newFixture(t, "")
	if rec := f.do(t, http.MethodPost, "/api/jobs/core/builds/claim?wait=10ms", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	f := newFixture(t, "s3cret")
	if rec := f.do(t, http.MethodGet, "/api/jobs", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/healthz", nil); rec.Code != http.StatusOK {
		t.Fatalf("healthz should not need a token, got %d", rec.Code)
	}
}
