package ssh

// ssh.go implements a facade over 'x/crypto/ssh', simplifying single-attempt
// SSH connection construction. Retries live in 'retry.go'.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	sshDefaultTimeout = 10 * time.Second
	sshDefaultPort    = 22
)

var (
	ErrSSHFailedDial   = fmt.Errorf("failed to establish SSH connection")
	ErrFailedHostParse = fmt.Errorf("failed to parse hostname")
	ErrHostKeyInvalid  = fmt.Errorf("target's host key is invalid")
	ErrAuthRejected    = fmt.Errorf("SSH authentication rejected")
	ErrNoAuth          = fmt.Errorf("no SSH authentication method configured")
)

// ConnectOptions describes a single SSH connection attempt.
type ConnectOptions struct {
	// Host can be any of: hostname, ipv4 address or ipv6 address. If empty,
	// ipv4 loopback is used.
	Host string
	// Port defaults to 22.
	Port uint16
	User string
	// Signer is used for public key authentication.
	Signer ssh.Signer
	// Password is used for password authentication.
	Password string
	// HostKeys, if set, are compared against the host key offered by the
	// target. If empty, all host keys are accepted.
	HostKeys []ssh.PublicKey
	// Timeout bounds the TCP connect plus the SSH handshake. Defaults to 10s.
	Timeout time.Duration
}

func (o ConnectOptions) authMethods() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if o.Signer != nil {
		methods = append(methods, ssh.PublicKeys(o.Signer))
	}
	if o.Password != "" {
		methods = append(methods, ssh.Password(o.Password))
	}
	return methods
}

func (o ConnectOptions) hostKeyCallback() ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		// Same as 'ssh.InsecureIgnoreHostKey' when nothing is pinned.
		if len(o.HostKeys) == 0 {
			return nil
		}
		for _, hostKey := range o.HostKeys {
			if bytes.Equal(hostKey.Marshal(), key.Marshal()) {
				return nil
			}
		}
		return ErrHostKeyInvalid
	}
}

// Connect makes exactly one attempt at establishing an SSH connection as
// described by 'opts'.
//
// Errors are wrapped with ErrSSHFailedDial. Rejected credentials additionally
// match ErrAuthRejected, a mismatched host key matches ErrHostKeyInvalid.
func Connect(ctx context.Context, opts ConnectOptions) (*ssh.Client, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = sshDefaultPort
	}
	if opts.Timeout == 0 {
		opts.Timeout = sshDefaultTimeout
	}
	auth := opts.authMethods()
	if len(auth) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, ErrNoAuth)
	}
	config := &ssh.ClientConfig{
		User:            opts.User,
		Auth:            auth,
		HostKeyCallback: opts.hostKeyCallback(),
		Timeout:         opts.Timeout,
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	target, err := joinHostPort(ctx, opts.Host, opts.Port)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, err)
	}
	// The handshake itself isn't context aware: bound it with a deadline and
	// tear the conn down if the context goes first.
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	c, chans, reqs, err := ssh.NewClientConn(conn, target, config)
	if err != nil {
		_ = conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w: %w", ErrSSHFailedDial, ctxErr, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, classifyHandshakeErr(err))
	}
	if !stop() {
		// Lost the race against the context, the conn is already closed.
		_ = c.Close()
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedDial, ctx.Err())
	}
	_ = conn.SetDeadline(time.Time{})
	return ssh.NewClient(c, chans, reqs), nil
}

// classifyHandshakeErr maps x/crypto's untyped handshake failures onto this
// package's sentinels.
func classifyHandshakeErr(err error) error {
	switch {
	case errors.Is(err, ErrHostKeyInvalid):
		return err
	case strings.Contains(err.Error(), ErrHostKeyInvalid.Error()):
		return fmt.Errorf("%w: %w", ErrHostKeyInvalid, err)
	case strings.Contains(err.Error(), "unable to authenticate"):
		return fmt.Errorf("%w: %w", ErrAuthRejected, err)
	default:
		return err
	}
}

// joinHostPort parses and validates 'host' is a valid IPv4 or IPv6 address,
// then joins it with the port in the address-family-specific format.
//
// If 'host' is a hostname, the hostname will be resolved, then joinHostPort
// will recurse using the first of the resolved addresses.
func joinHostPort(ctx context.Context, host string, port uint16) (string, error) {
	addr := net.ParseIP(host)
	if addr == nil {
		addrs, err := net.DefaultResolver.LookupHost(ctx, host)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrFailedHostParse, host, err)
		}
		if len(addrs) == 0 {
			return "", fmt.Errorf("%w: %s resolved to no addresses", ErrFailedHostParse, host)
		}
		return joinHostPort(ctx, addrs[0], port)
	}
	return net.JoinHostPort(addr.String(), fmt.Sprint(port)), nil
}
