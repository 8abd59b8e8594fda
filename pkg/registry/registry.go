package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/vyvo/compute/reviewci/pkg/chooser"
	"github.com/vyvo/compute/reviewci/pkg/config"
	"github.com/vyvo/compute/reviewci/pkg/gitlog"
	"github.com/vyvo/compute/reviewci/pkg/history"
	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/remote"
	"github.com/vyvo/compute/reviewci/pkg/trigger"
)

// Entry is a configured job together with its wired collaborators.
type Entry struct {
	Definition config.Job
	Job        *trigger.Job
	Notifier   *notifier.Notifier
}

// Registry offers a threadsafe in-memory set of jobs keyed by name.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Registry {
	return &Registry{entries: map[string]Entry{}}
}

// Set stores or updates an entry.
func (r *Registry) Set(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.Definition.Name] = entry
}

// Get retrieves an entry by job name.
func (r *Registry) Get(name string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

// Names lists job names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wiring holds the shared collaborators every job is built from.
type Wiring struct {
	History  history.Repository
	Log      gitlog.LogSource
	Sessions func() remote.Session
	Logger   trigger.Logger
}

// Build wires one job definition.
func (w Wiring) Build(def config.Job) Entry {
	logSource := w.Log
	if logSource == nil {
		logSource = gitlog.LogReader{}
	}
	sessions := w.Sessions
	if sessions == nil {
		sessions = func() remote.Session { return remote.NewSSHSession() }
	}

	var heads gitlog.HeadResolver = gitlog.LocalResolver{}
	if def.WorkspaceNode != nil {
		heads = nodeResolver{endpoint: *def.WorkspaceNode}
	}

	n := notifier.New(def.Notifier, heads, sessions, w.Logger)
	job := trigger.NewJob(def.Name, def.Repository, logSource, chooser.NewTimeBased(w.History), n, w.Logger)
	return Entry{Definition: def, Job: job, Notifier: n}
}

// Load wires every definition into a new registry.
func Load(defs []config.Job, w Wiring) *Registry {
	r := New()
	for _, def := range defs {
		r.Set(w.Build(def))
	}
	return r
}

// nodeResolver reads HEAD from the workspace on a build node, opening one
// SSH connection per call.
type nodeResolver struct {
	endpoint remote.Endpoint
}

func (n nodeResolver) ResolveHead(ctx context.Context, workspace, subdir string) (string, error) {
	client, err := remote.Dial(ctx, n.endpoint)
	if err != nil {
		return "", &gitlog.RepositoryError{Path: workspace, Err: fmt.Errorf("reach build node %s: %w", n.endpoint.Host, err)}
	}
	defer client.Close()

	resolver, err := gitlog.NewSFTPResolver(client)
	if err != nil {
		return "", &gitlog.RepositoryError{Path: workspace, Err: err}
	}
	defer resolver.Close()
	return resolver.ResolveHead(ctx, workspace, subdir)
}
