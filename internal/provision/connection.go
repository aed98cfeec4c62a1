package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	gossh "golang.org/x/crypto/ssh"
)

const (
	DefaultPort = 22
	DefaultUser = "ec2-user"
)

// AuthMode is the active authentication mode of an Auth.
type AuthMode int

const (
	AuthNone AuthMode = iota
	AuthKey
	AuthKeyPassphrase
	AuthPassword
)

func (m AuthMode) String() string {
	switch m {
	case AuthKey:
		return "private_key"
	case AuthKeyPassphrase:
		return "private_key+passphrase"
	case AuthPassword:
		return "password"
	default:
		return "none"
	}
}

// Auth carries the credentials for a Connection. Exactly one of PrivateKey
// and Password may be set; Passphrase only accompanies PrivateKey.
type Auth struct {
	// PrivateKey is PEM text, see NewKeyAuth.
	PrivateKey []byte
	Passphrase []byte
	Password   string
}

// NewKeyAuth builds key based Auth from an operator supplied secret, which
// may be PEM text or base64 encoded PEM text.
func NewKeyAuth(secret, passphrase string) Auth {
	key, _ := ssh.NormalizePrivateKey(secret)
	a := Auth{PrivateKey: key}
	if passphrase != "" {
		a.Passphrase = []byte(passphrase)
	}
	return a
}

func (a Auth) Mode() AuthMode {
	switch {
	case len(a.PrivateKey) > 0 && len(a.Passphrase) > 0:
		return AuthKeyPassphrase
	case len(a.PrivateKey) > 0:
		return AuthKey
	case a.Password != "":
		return AuthPassword
	default:
		return AuthNone
	}
}

func (a Auth) validate() error {
	switch {
	case len(a.PrivateKey) > 0 && a.Password != "":
		return &ConfigError{Field: "auth", Err: errors.New("private_key and password are mutually exclusive")}
	case len(a.Passphrase) > 0 && len(a.PrivateKey) == 0:
		return &ConfigError{Field: "private_key_passphrase", Err: errors.New("a passphrase requires a private_key")}
	case a.Mode() == AuthNone:
		return &ConfigError{Field: "auth", Err: errors.New("one of private_key or password is required")}
	}
	return nil
}

// Connection describes how to reach a host. It is built once and shared,
// read-only, by every step targeting that host.
type Connection struct {
	// Host resolves to the address once the upstream resource is available.
	Host *Deferred[string]
	// Port defaults to DefaultPort.
	Port uint16
	User string
	Auth Auth
	// Retry governs how long a step keeps trying a host that isn't up yet.
	// Zero fields take ssh.DefaultRetryPolicy values.
	Retry ssh.RetryPolicy
	// HostKeys, when set, pins the host keys the target may present.
	HostKeys []gossh.PublicKey
	// AttemptTimeout bounds a single connection attempt.
	AttemptTimeout time.Duration
}

// Validate checks the Connection is usable, parsing key material along the
// way. Failures are *ConfigError.
func (c Connection) Validate() error {
	if c.Host == nil {
		return &ConfigError{Field: "host", Err: errors.New("host is required")}
	}
	if c.User == "" {
		return &ConfigError{Field: "user", Err: errors.New("user is required")}
	}
	if err := c.Auth.validate(); err != nil {
		return err
	}
	if _, err := c.signer(); err != nil {
		return err
	}
	return nil
}

func (c Connection) signer() (gossh.Signer, error) {
	if len(c.Auth.PrivateKey) == 0 {
		return nil, nil
	}
	signer, err := ssh.ParseKey(c.Auth.PrivateKey, c.Auth.Passphrase)
	if err != nil {
		return nil, &ConfigError{Field: "private_key", Err: err}
	}
	return signer, nil
}

func (c Connection) port() uint16 {
	if c.Port == 0 {
		return DefaultPort
	}
	return c.Port
}

// dialOptions resolves the host and credentials into ssh.DialOptions.
func (c Connection) dialOptions(ctx context.Context) (ssh.DialOptions, error) {
	signer, err := c.signer()
	if err != nil {
		return ssh.DialOptions{}, err
	}
	host, err := c.Host.Await(ctx)
	if err != nil {
		return ssh.DialOptions{}, fmt.Errorf("%w: host: %w", ErrConnection, err)
	}
	if host == "" {
		return ssh.DialOptions{}, &ConfigError{Field: "host", Err: errors.New("host resolved to an empty address")}
	}
	return ssh.DialOptions{
		ConnectOptions: ssh.ConnectOptions{
			Host:     host,
			Port:     c.port(),
			User:     c.User,
			Signer:   signer,
			Password: c.Auth.Password,
			HostKeys: c.HostKeys,
			Timeout:  c.AttemptTimeout,
		},
		Retry: c.Retry,
	}, nil
}
