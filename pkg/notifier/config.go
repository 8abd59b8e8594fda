package notifier

const (
	DefaultRemotePort    = 29418
	DefaultApproveValue  = "+1"
	DefaultUnstableValue = "-1"
	DefaultRejectValue   = "-1"
)

// Config is captured once when a job is defined and never mutated afterwards.
type Config struct {
	RepositorySubpath string `mapstructure:"repository_subpath" yaml:"repository_subpath"`
	RemoteHost        string `mapstructure:"remote_host" yaml:"remote_host"`
	RemotePort        int    `mapstructure:"remote_port" yaml:"remote_port"`
	RemoteUsername    string `mapstructure:"remote_username" yaml:"remote_username"`
	PrivateKeyPath    string `mapstructure:"private_key_path" yaml:"private_key_path"`
	Passphrase        string `mapstructure:"passphrase" yaml:"passphrase,omitempty"`
	ApproveValue      string `mapstructure:"approve_value" yaml:"approve_value"`
	UnstableValue     string `mapstructure:"unstable_value" yaml:"unstable_value"`
	RejectValue       string `mapstructure:"reject_value" yaml:"reject_value"`
}

// WithDefaults fills unset port and vote values.
func (c Config) WithDefaults() Config {
	if c.RemotePort == 0 {
		c.RemotePort = DefaultRemotePort
	}
	if c.ApproveValue == "" {
		c.ApproveValue = DefaultApproveValue
	}
	if c.UnstableValue == "" {
		c.UnstableValue = DefaultUnstableValue
	}
	if c.RejectValue == "" {
		c.RejectValue = DefaultRejectValue
	}
	return c
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	if c.Passphrase != "" {
		c.Passphrase = "********"
	}
	return c
}
