package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"testing"

	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/remote"
)

func TestLoadRegistersJobs(t *testing.T) {
	repo, err := history.NewStore("")
	if err != nil {
		t.Fatal(err)
	}
	defs := []config.Job{
		{Name: "web", Repository: "/r/web", Notifier: notifier.Config{RemoteHost: "review"}},
		{Name: "core", Repository: "/r/core"},
	}
	r := Load(defs, Wiring{History: repo, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})

	if got := r.Names(); !reflect.DeepEqual(got, []string{"core", "web"}) {
		t.Fatalf("unexpected names %v", got)
	}
	entry, ok := r.Get("web")
	if !ok || entry.Job.Name != "web" || entry.Job.Repository != "/r/web" {
		t.Fatalf("unexpected entry %#v", entry)
	}
	if cfg := entry.Notifier.Config(); cfg.RemotePort != notifier.DefaultRemotePort || cfg.RemoteHost != "review" {
		t.Fatalf("notifier config not applied: %#v", cfg)
	}
	if _, ok := r.Get("missing"); ok {
		t.Fatalf("unexpected entry for missing job")
	}
}

func TestNodeResolverUnreachable(t *testing.T) {
	res := nodeResolver{endpoint: remote.Endpoint{Host: "127.0.0.1", Port: 1, Username: "x", KeyPath: "/nope"}}
	_, err := res.ResolveHead(context.Background(), "/ws", "core")
	var rerr *gitlog.RepositoryError
	if !errors.As(err, &rerr) {
		t.Fatalf("expected RepositoryError, got %v", err)
	}
}

func TestNodeResolverMissingKnownHosts(t *testing.T) {
	res := nodeResolver{endpoint: remote.Endpoint{Host: "127.0.0.1", Port: 1, Username: "x", KeyPath: "/nope", KnownHosts: "/nonexistent/known_hosts"}}
	_, err := res.ResolveHead(context.Background(), "/ws", "core")
	var rerr *gitlog.RepositoryError
	if !errors.As(err, &rerr) || !strings.Contains(err.Error(), "load known hosts") {
		t.Fatalf("expected known_hosts failure as RepositoryError, got %v", err)
	}
}
