package core

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	DefaultArtifactName = "lc-rally"
	DefaultBuildPath    = "build"
)

// CommandSpec is an argv for an external collaborator. An empty command is a no-op.
type CommandSpec struct {
	Command []string `yaml:"command"`
}

// Config is the on-disk configuration of a publish step.
type Config struct {
	Workspace struct {
		Repo  string `yaml:"repo"`
		Cache string `yaml:"cache"`
	} `yaml:"workspace"`
	Steps struct {
		Publish      CommandSpec `yaml:"publish"`
		Dependencies CommandSpec `yaml:"dependencies"`
	} `yaml:"steps"`
	Build struct {
		Command []string          `yaml:"command"`
		Env     map[string]string `yaml:"env"`
	} `yaml:"build"`
	Artifact struct {
		Name      string     `yaml:"name"`
		BuildPath string     `yaml:"build_path"`
		Sink      SinkConfig `yaml:"sink"`
	} `yaml:"artifact"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Notify struct {
		NATSURL string `yaml:"nats_url"`
		Subject string `yaml:"subject"`
	} `yaml:"notify"`
	Telemetry struct {
		Enabled        bool   `yaml:"enabled"`
		PushgatewayURL string `yaml:"pushgateway_url"`
		Job            string `yaml:"job"`
	} `yaml:"telemetry"`
}

// SinkConfig selects and configures the artifact destination.
type SinkConfig struct {
	Type  string `yaml:"type"`
	Local struct {
		Dir string `yaml:"dir"`
	} `yaml:"local"`
	SFTP struct {
		Host      string `yaml:"host"`
		Port      int    `yaml:"port"`
		User      string `yaml:"user"`
		RemoteDir string `yaml:"remote_dir"`
		Retries   int    `yaml:"retries"`
	} `yaml:"sftp"`
	S3 struct {
		Bucket   string `yaml:"bucket"`
		Prefix   string `yaml:"prefix"`
		Region   string `yaml:"region"`
		Endpoint string `yaml:"endpoint"`
		// Static credentials, merged from secrets.env. Empty means the SDK default chain.
		AccessKeyID     string `yaml:"-"`
		SecretAccessKey string `yaml:"-"`
	} `yaml:"s3"`
	HTTP struct {
		URL            string `yaml:"url"`
		Token          string `yaml:"token"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"http"`
}

// ConfigDir returns $XDG_CONFIG_HOME/sitepub or ~/.config/sitepub.
func ConfigDir() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "sitepub")
}

// LoadConfig reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/sitepub/config.yaml or ~/.config/sitepub/config.yaml.
// Defaults are applied but the result is not validated.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(ConfigDir(), "config.yaml")
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	// Tokens stay out of YAML: secrets.env first, then the process environment.
	secrets, err := LoadSecretsEnv("")
	if err != nil {
		return cfg, err
	}
	for _, key := range []string{"SITEPUB_RECEIVER_TOKEN", "NATS_URL", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY"} {
		if v := os.Getenv(key); v != "" {
			secrets[key] = v
		}
	}
	if t := secrets["SITEPUB_RECEIVER_TOKEN"]; t != "" {
		cfg.Artifact.Sink.HTTP.Token = t
	}
	if u := secrets["NATS_URL"]; u != "" && cfg.Notify.NATSURL == "" {
		cfg.Notify.NATSURL = u
	}
	cfg.Artifact.Sink.S3.AccessKeyID = secrets["AWS_ACCESS_KEY_ID"]
	cfg.Artifact.Sink.S3.SecretAccessKey = secrets["AWS_SECRET_ACCESS_KEY"]
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Steps.Dependencies.Command == nil {
		c.Steps.Dependencies.Command = []string{"bundle", "install"}
	}
	if len(c.Build.Command) == 0 {
		c.Build.Command = []string{"middleman", "build", "--clean", "--verbose"}
	}
	if c.Artifact.Name == "" {
		c.Artifact.Name = DefaultArtifactName
	}
	if c.Artifact.BuildPath == "" {
		c.Artifact.BuildPath = DefaultBuildPath
	}
	if c.Artifact.Sink.Type == "" {
		c.Artifact.Sink.Type = "local"
	}
	if c.Artifact.Sink.SFTP.Port == 0 {
		c.Artifact.Sink.SFTP.Port = 22
	}
	if c.Artifact.Sink.HTTP.TimeoutSeconds == 0 {
		c.Artifact.Sink.HTTP.TimeoutSeconds = 60
	}
	if c.SSH.KeyDir == "" {
		c.SSH.KeyDir = filepath.Join(ConfigDir(), "ssh")
	}
	if c.SSH.KnownHosts == "" {
		c.SSH.KnownHosts = filepath.Join(ConfigDir(), "known_hosts")
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(ConfigDir(), "ledger.db")
	}
	if c.Notify.Subject == "" {
		c.Notify.Subject = "sitepub.artifacts"
	}
	if c.Telemetry.Job == "" {
		c.Telemetry.Job = "sitepub"
	}
	c.Store.Path = expandHome(c.Store.Path)
	c.SSH.KeyDir = expandHome(c.SSH.KeyDir)
	c.SSH.KnownHosts = expandHome(c.SSH.KnownHosts)
}

// WorkspacePaths returns the checkout and cache locations.
func (c Config) WorkspacePaths() Workspace {
	return Workspace{Repo: c.Workspace.Repo, Cache: c.Workspace.Cache}
}

// SSHKeyPath is the private key used for SFTP delivery.
func (c Config) SSHKeyPath() string {
	return filepath.Join(c.SSH.KeyDir, "id_ed25519")
}

// ValidationError reports a rejected configuration value.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// Validate checks the configuration before anything runs.
func (c Config) Validate() error {
	if c.Workspace.Repo == "" {
		return ValidationError{Field: "workspace.repo", Message: "repository checkout path is required"}
	}
	if c.Workspace.Cache == "" {
		return ValidationError{Field: "workspace.cache", Message: "workspace cache path is required"}
	}
	for name := range c.Build.Env {
		if !isPinnedName(name) {
			return ValidationError{Field: "build.env", Value: name, Message: fmt.Sprintf("only %s may be overridden", strings.Join(PinnedEnvNames(), ", "))}
		}
	}
	if c.Artifact.Name == "" || strings.ContainsAny(c.Artifact.Name, `/\ `) {
		return ValidationError{Field: "artifact.name", Value: c.Artifact.Name, Message: "must be a non-empty name without separators or spaces"}
	}
	return c.Artifact.Sink.validate()
}

func (s SinkConfig) validate() error {
	switch s.Type {
	case "local":
		if s.Local.Dir == "" {
			return ValidationError{Field: "artifact.sink.local.dir", Message: "destination directory is required"}
		}
	case "sftp":
		if s.SFTP.Host == "" || s.SFTP.RemoteDir == "" {
			return ValidationError{Field: "artifact.sink.sftp", Value: s.SFTP.Host, Message: "host and remote_dir are required"}
		}
	case "s3":
		if s.S3.Bucket == "" {
			return ValidationError{Field: "artifact.sink.s3.bucket", Message: "bucket is required"}
		}
	case "http":
		if s.HTTP.URL == "" {
			return ValidationError{Field: "artifact.sink.http.url", Message: "receiver url is required"}
		}
	default:
		return ValidationError{Field: "artifact.sink.type", Value: s.Type, Message: "must be one of local, sftp, s3, http"}
	}
	return nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	return p
}
