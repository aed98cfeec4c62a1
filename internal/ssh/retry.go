package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/chainguard-dev/clog"
	"golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"
)

var ErrRetriesExhausted = fmt.Errorf("SSH connection retries exhausted")

// RetryPolicy bounds how long Dial keeps knocking on a host that isn't ready
// yet.
type RetryPolicy struct {
	// Attempts is the total number of connection attempts, including the
	// first.
	Attempts int
	// Delay is the wait after the first failed attempt.
	Delay time.Duration
	// Factor multiplies the delay after each failed attempt.
	Factor float64
	// Jitter adds up to Jitter*delay of random wait to each delay.
	Jitter float64
	// Cap, if non-zero, is the largest delay between two attempts.
	Cap time.Duration
}

// DefaultRetryPolicy gives a freshly booted instance roughly ten minutes to
// start accepting SSH connections.
var DefaultRetryPolicy = RetryPolicy{
	Attempts: 24,
	Delay:    5 * time.Second,
	Factor:   1.5,
	Jitter:   0.1,
	Cap:      30 * time.Second,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultRetryPolicy.Attempts
	}
	if p.Delay <= 0 {
		p.Delay = DefaultRetryPolicy.Delay
	}
	if p.Factor < 1 {
		p.Factor = 1
	}
	return p
}

func (p RetryPolicy) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.Delay,
		Factor:   p.Factor,
		Jitter:   p.Jitter,
		Steps:    p.Attempts,
		Cap:      p.Cap,
	}
}

// DialOptions are the ConnectOptions of every attempt plus the policy
// governing retries between them.
type DialOptions struct {
	ConnectOptions
	Retry RetryPolicy
	// OnAttempt, if set, is called before each connection attempt. Attempts
	// are numbered from 1.
	OnAttempt func(attempt int)
	// OnRetry, if set, is called after each transient failure that will be
	// followed by another attempt.
	OnRetry func(attempt int, err error, next time.Duration)
}

// Dial establishes an SSH connection, retrying transient failures (see
// IsTransient) with exponential backoff until the policy's attempt ceiling is
// reached.
//
// Fatal failures (rejected credentials, host key mismatch, a done 'ctx') are
// returned immediately. Exhausting the attempts returns an error matching
// ErrRetriesExhausted and wrapping the last failure.
func Dial(ctx context.Context, opts DialOptions) (*ssh.Client, error) {
	log := clog.FromContext(ctx)
	policy := opts.Retry.withDefaults()
	backoff := policy.backoff()

	var lastErr error
	for attempt := 1; ; attempt++ {
		if opts.OnAttempt != nil {
			opts.OnAttempt(attempt)
		}
		client, err := Connect(ctx, opts.ConnectOptions)
		if err == nil {
			if attempt > 1 {
				log.InfoContext(ctx, "ssh connection established", "host", opts.Host, "attempts", attempt)
			}
			return client, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ctxErr, err)
		}
		if !IsTransient(err) {
			return nil, err
		}
		lastErr = err
		if attempt >= policy.Attempts {
			return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, attempt, lastErr)
		}

		delay := backoff.Step()
		log.DebugContext(ctx, "ssh connection attempt failed, retrying",
			"host", opts.Host,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, fmt.Errorf("%w: %w", ctx.Err(), lastErr)
		case <-t.C:
		}
	}
}

// IsTransient reports whether 'err' looks like a host that isn't up yet
// rather than a host that is up and refusing us.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrAuthRejected),
		errors.Is(err, ErrHostKeyInvalid),
		errors.Is(err, ErrNoAuth),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH),
		errors.Is(err, syscall.ETIMEDOUT),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, ErrFailedHostParse),
		// A single attempt timing out. The caller's own deadline is checked
		// before IsTransient is consulted.
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// x/crypto flattens some handshake errors to text.
	msg := err.Error()
	for _, s := range []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"network is unreachable",
		"i/o timeout",
		"EOF",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
