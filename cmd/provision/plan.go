package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/provision"
	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/spf13/viper"
	gossh "golang.org/x/crypto/ssh"
	"gopkg.in/yaml.v3"
)

// Plan is a set of steps run against one host.
//
// Steps are decoded straight from the file: viper folds map keys to lower
// case, which would rename the variables in remote_exec.env.
type Plan struct {
	Connection ConnectionConfig `mapstructure:"connection"`
	Steps      []StepConfig     `mapstructure:"-" yaml:"steps"`
}

type ConnectionConfig struct {
	Host            string       `mapstructure:"host"`
	InstanceID      string       `mapstructure:"instance_id"`
	Region          string       `mapstructure:"region"`
	SecurityGroupID string       `mapstructure:"security_group_id"`
	User            string       `mapstructure:"user"`
	Port            uint16       `mapstructure:"port"`
	PrivateKeyFile  string       `mapstructure:"private_key_file"`
	HostKey         string       `mapstructure:"host_key"`
	Retry           *RetryConfig `mapstructure:"retry"`
}

type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Delay    time.Duration `mapstructure:"delay"`
	Factor   float64       `mapstructure:"factor"`
}

type StepConfig struct {
	Name       string            `yaml:"name"`
	DependsOn  []string          `yaml:"depends_on"`
	CopyFile   *CopyFileConfig   `yaml:"copy_file"`
	RemoteExec *RemoteExecConfig `yaml:"remote_exec"`
}

type CopyFileConfig struct {
	Source      string `yaml:"source"`
	Destination string `yaml:"destination"`
	Mode        string `yaml:"mode"`
}

type RemoteExecConfig struct {
	Commands []string          `yaml:"commands"`
	Shell    string            `yaml:"shell"`
	Env      map[string]string `yaml:"env"`
}

// Secrets are only ever read from the environment.
type Secrets struct {
	PrivateKey           string
	PrivateKeyPassphrase string
	Password             string
}

const envPrefix = "PROVISIONER"

var (
	ErrPlanLoad    = fmt.Errorf("failed to load plan")
	ErrPlanInvalid = fmt.Errorf("invalid plan")
)

// newViper returns a viper instance reading PROVISIONER_* variables, with
// nested keys joined by underscores (PROVISIONER_CONNECTION_HOST).
func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// connectionKeys are the plan keys PROVISIONER_CONNECTION_* variables can
// set. Keys absent from the file are only visible to Unmarshal once bound.
var connectionKeys = []string{
	"connection.host",
	"connection.instance_id",
	"connection.region",
	"connection.security_group_id",
	"connection.user",
	"connection.port",
	"connection.private_key_file",
	"connection.host_key",
	"connection.retry.attempts",
	"connection.retry.delay",
	"connection.retry.factor",
}

// loadPlan reads the plan file at 'path' into 'v' and decodes it. Connection
// keys set in the environment win over the file.
func loadPlan(v *viper.Viper, path string) (*Plan, Secrets, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, Secrets{}, fmt.Errorf("%w: %w", ErrPlanLoad, err)
	}
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(raw)); err != nil {
		return nil, Secrets{}, fmt.Errorf("%w: %s: %w", ErrPlanLoad, path, err)
	}
	for _, key := range connectionKeys {
		_ = v.BindEnv(key)
	}
	for _, key := range []string{"private_key", "private_key_passphrase", "password"} {
		_ = v.BindEnv(key)
	}

	var p Plan
	if err := v.Unmarshal(&p); err != nil {
		return nil, Secrets{}, fmt.Errorf("%w: %w", ErrPlanLoad, err)
	}
	var steps struct {
		Steps []StepConfig `yaml:"steps"`
	}
	if err := yaml.Unmarshal(raw, &steps); err != nil {
		return nil, Secrets{}, fmt.Errorf("%w: %s: %w", ErrPlanLoad, path, err)
	}
	p.Steps = steps.Steps
	return &p, Secrets{
		PrivateKey:           v.GetString("private_key"),
		PrivateKeyPassphrase: v.GetString("private_key_passphrase"),
		Password:             v.GetString("password"),
	}, nil
}

// Validate checks the shape of the plan. Dependencies between steps are
// checked when the graph is built.
func (p *Plan) Validate() error {
	var errs []error
	c := p.Connection
	switch {
	case c.Host == "" && c.InstanceID == "":
		errs = append(errs, errors.New("connection: one of host or instance_id is required"))
	case c.Host != "" && c.InstanceID != "":
		errs = append(errs, errors.New("connection: host and instance_id are mutually exclusive"))
	}
	if len(p.Steps) == 0 {
		errs = append(errs, errors.New("steps: at least one step is required"))
	}
	seen := make(map[string]bool, len(p.Steps))
	for i, s := range p.Steps {
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("steps[%d]: name is required", i))
		case s.Name == instanceNode:
			errs = append(errs, fmt.Errorf("steps[%d]: name %q is reserved", i, instanceNode))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("steps[%d]: duplicate name %q", i, s.Name))
		}
		seen[s.Name] = true
		if (s.CopyFile == nil) == (s.RemoteExec == nil) {
			errs = append(errs, fmt.Errorf("steps[%d]: exactly one of copy_file or remote_exec is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrPlanInvalid, errors.Join(errs...))
	}
	return nil
}

// connection builds the read-only Connection shared by every step. 'host'
// may still be pending.
func (p *Plan) connection(host *provision.Deferred[string], secrets Secrets) (provision.Connection, error) {
	c := p.Connection
	conn := provision.Connection{
		Host:  host,
		Port:  c.Port,
		User:  c.User,
		Retry: ssh.DefaultRetryPolicy,
	}
	if conn.User == "" {
		conn.User = provision.DefaultUser
	}
	if c.Retry != nil {
		if c.Retry.Attempts > 0 {
			conn.Retry.Attempts = c.Retry.Attempts
		}
		if c.Retry.Delay > 0 {
			conn.Retry.Delay = c.Retry.Delay
		}
		if c.Retry.Factor >= 1 {
			conn.Retry.Factor = c.Retry.Factor
		}
	}

	key := secrets.PrivateKey
	if key == "" && c.PrivateKeyFile != "" {
		b, err := os.ReadFile(expandHome(c.PrivateKeyFile))
		if err != nil {
			return provision.Connection{}, &provision.ConfigError{Field: "private_key_file", Err: err}
		}
		key = string(b)
	}
	if key != "" {
		conn.Auth = provision.NewKeyAuth(key, secrets.PrivateKeyPassphrase)
	} else {
		conn.Auth = provision.Auth{Password: secrets.Password}
	}

	if c.HostKey != "" {
		pub, _, _, _, err := gossh.ParseAuthorizedKey([]byte(c.HostKey))
		if err != nil {
			return provision.Connection{}, &provision.ConfigError{Field: "host_key", Err: err}
		}
		conn.HostKeys = []gossh.PublicKey{pub}
	}
	return conn, conn.Validate()
}

func expandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
