package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"

	"github.com/vyvo/compute/reviewci/pkg/notifier"
	"github.com/vyvo/compute/reviewci/pkg/remote"
)

const DefaultPollSchedule = "*/5 * * * *"

// ServerConfig captures runtime settings for reviewci-server.
type ServerConfig struct {
	ListenAddr     string `mapstructure:"listen_addr" yaml:"listen_addr"`
	JobsDir        string `mapstructure:"jobs_dir" yaml:"jobs_dir"`
	HistoryBackend string `mapstructure:"history_backend" yaml:"history_backend"`
	HistoryPath    string `mapstructure:"history_path" yaml:"history_path"`
	QueueBackend   string `mapstructure:"queue_backend" yaml:"queue_backend"`
	DatabaseURL    string `mapstructure:"database_url" yaml:"-"`
	RedisURL       string `mapstructure:"redis_url" yaml:"-"`
	APIToken       string `mapstructure:"api_token" yaml:"-"`
	BuildURLBase   string `mapstructure:"build_url_base" yaml:"build_url_base"`
	Tracing        bool   `mapstructure:"tracing" yaml:"tracing"`
}

// LoadServer loads server configuration from defaults, ./configs/config.* and
// REVIEWCI_* environment variables.
func LoadServer() (ServerConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("REVIEWCI")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("jobs_dir", "./jobs")
	v.SetDefault("history_backend", "file")
	v.SetDefault("history_path", "./data/history.json")
	v.SetDefault("queue_backend", "memory")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("api_token", "")
	v.SetDefault("build_url_base", "")
	v.SetDefault("tracing", false)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return ServerConfig{}, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg ServerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return ServerConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func (c ServerConfig) validate() error {
	switch c.HistoryBackend {
	case "file":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("history_backend postgres requires database_url")
		}
	case "redis":
		if c.RedisURL == "" {
			return errors.New("history_backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown history_backend %q", c.HistoryBackend)
	}
	switch c.QueueBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("queue_backend redis requires redis_url")
		}
	default:
		return fmt.Errorf("unknown queue_backend %q", c.QueueBackend)
	}
	return nil
}

// Job is one job definition. It is read once and not changed afterwards.
type Job struct {
	Name         string          `mapstructure:"name" yaml:"name"`
	Repository   string          `mapstructure:"repository" yaml:"repository"`
	PollSchedule string          `mapstructure:"poll_schedule" yaml:"poll_schedule"`
	Notifier     notifier.Config `mapstructure:"notifier" yaml:"notifier"`
	// WorkspaceNode, when set, is the build node whose workspace holds the
	// checkout; HEAD is then read over SFTP instead of from local disk.
	WorkspaceNode *remote.Endpoint `mapstructure:"workspace_node" yaml:"workspace_node,omitempty"`
}

// LoadJob reads a job definition from a YAML file.
func LoadJob(path string) (Job, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetDefault("poll_schedule", DefaultPollSchedule)
	v.SetDefault("notifier.remote_port", notifier.DefaultRemotePort)
	v.SetDefault("notifier.approve_value", notifier.DefaultApproveValue)
	v.SetDefault("notifier.unstable_value", notifier.DefaultUnstableValue)
	v.SetDefault("notifier.reject_value", notifier.DefaultRejectValue)

	if err := v.ReadInConfig(); err != nil {
		return Job{}, fmt.Errorf("load job %s: %w", path, err)
	}

	var job Job
	if err := v.Unmarshal(&job); err != nil {
		return Job{}, fmt.Errorf("unmarshal job %s: %w", path, err)
	}
	if job.Name == "" {
		job.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if job.Repository == "" {
		return Job{}, fmt.Errorf("job %s: repository is required", job.Name)
	}
	if job.Notifier.PrivateKeyPath == "" {
		job.Notifier.PrivateKeyPath = remote.GuessKeyFile()
	}
	job.Notifier = job.Notifier.WithDefaults()
	if job.WorkspaceNode != nil && job.WorkspaceNode.Port == 0 {
		job.WorkspaceNode.Port = 22
	}
	return job, nil
}

// LoadJobs reads every *.yaml and *.yml file in dir, sorted by name.
func LoadJobs(dir string) ([]Job, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)

	jobs := make([]Job, 0, len(paths))
	seen := map[string]string{}
	for _, p := range paths {
		job, err := LoadJob(p)
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[job.Name]; ok {
			return nil, fmt.Errorf("job %q defined twice (%s, %s)", job.Name, prev, p)
		}
		seen[job.Name] = p
		jobs = append(jobs, job)
	}
	return jobs, nil
}
