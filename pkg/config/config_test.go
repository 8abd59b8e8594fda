package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeJob(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(prev) })
}

func TestLoadJobDefaults(t *testing.T) {
	path := writeJob(t, t.TempDir(), "core.yaml", `
repository: /srv/repos/core.git
notifier:
  repository_subpath: core
  remote_host: review.example.com
  remote_username: ci
  private_key_path: /keys/id_rsa
`)
	job, err := LoadJob(path)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.Name != "core" {
		t.Fatalf("expected name from file, got %q", job.Name)
	}
	if job.PollSchedule != DefaultPollSchedule {
		t.Fatalf("unexpected schedule %q", job.PollSchedule)
	}
	n := job.Notifier
	if n.RemotePort != 29418 || n.ApproveValue != "+1" || n.UnstableValue != "-1" || n.RejectValue != "-1" {
		t.Fatalf("unexpected notifier defaults %#v", n)
	}
	if n.RepositorySubpath != "core" || n.RemoteHost != "review.example.com" || n.RemoteUsername != "ci" {
		t.Fatalf("notifier fields lost: %#v", n)
	}
	if job.WorkspaceNode != nil {
		t.Fatalf("workspace node should be unset")
	}
}

func TestLoadJobExplicitValues(t *testing.T) {
	path := writeJob(t, t.TempDir(), "x.yml", `
name: backend
repository: /srv/repos/backend.git
poll_schedule: "@every 1m"
notifier:
  remote_host: review
  remote_port: 2222
  approve_value: "+2"
  reject_value: "-2"
  private_key_path: /keys/id_ed25519
  passphrase: secret
workspace_node:
  host: node-1
  username: runner
  private_key_path: /keys/node
  known_hosts: /etc/reviewci/known_hosts
`)
	job, err := LoadJob(path)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if job.Name != "backend" || job.PollSchedule != "@every 1m" {
		t.Fatalf("unexpected job %#v", job)
	}
	if job.Notifier.RemotePort != 2222 || job.Notifier.ApproveValue != "+2" || job.Notifier.UnstableValue != "-1" || job.Notifier.RejectValue != "-2" {
		t.Fatalf("unexpected notifier %#v", job.Notifier)
	}
	if job.Notifier.Passphrase != "secret" {
		t.Fatalf("passphrase not loaded")
	}
	if job.WorkspaceNode == nil || job.WorkspaceNode.Host != "node-1" || job.WorkspaceNode.Port != 22 || job.WorkspaceNode.KeyPath != "/keys/node" || job.WorkspaceNode.KnownHosts != "/etc/reviewci/known_hosts" {
		t.Fatalf("unexpected workspace node %#v", job.WorkspaceNode)
	}
}

func TestLoadJobRequiresRepository(t *testing.T) {
	path := writeJob(t, t.TempDir(), "bad.yaml", "name: bad\n")
	if _, err := LoadJob(path); err == nil || !strings.Contains(err.Error(), "repository") {
		t.Fatalf("expected repository error, got %v", err)
	}
}

func TestLoadJobs(t *testing.T) {
	dir := t.TempDir()
	writeJob(t, dir, "b.yaml", "repository: /r/b\nnotifier:\n  private_key_path: /k\n")
	writeJob(t, dir, "a.yml", "repository: /r/a\nnotifier:\n  private_key_path: /k\n")
	writeJob(t, dir, "notes.txt", "ignored")

	jobs, err := LoadJobs(dir)
	if err != nil {
		t.Fatalf("LoadJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].Name != "a" || jobs[1].Name != "b" {
		t.Fatalf("unexpected jobs %#v", jobs)
	}

	writeJob(t, dir, "c.yaml", "name: a\nrepository: /r/c\n")
	if _, err := LoadJobs(dir); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLoadServerDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.ListenAddr != ":8090" || cfg.JobsDir != "./jobs" || cfg.HistoryBackend != "file" || cfg.QueueBackend != "memory" {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
}

func TestLoadServerEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REVIEWCI_LISTEN_ADDR", ":9999")
	t.Setenv("REVIEWCI_HISTORY_BACKEND", "redis")
	t.Setenv("REVIEWCI_REDIS_URL", "redis://localhost:6379/0")
	cfg, err := LoadServer()
	if err != nil {
		t.Fatalf("LoadServer: %v", err)
	}
	if cfg.ListenAddr != ":9999" || cfg.HistoryBackend != "redis" || cfg.RedisURL == "" {
		t.Fatalf("env not applied: %#v", cfg)
	}
}

func TestLoadServerRejectsIncompleteBackend(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("REVIEWCI_HISTORY_BACKEND", "postgres")
	if _, err := LoadServer(); err == nil {
		t.Fatalf("expected error without database_url")
	}
}
