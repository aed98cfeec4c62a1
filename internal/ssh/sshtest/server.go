package sshtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

type (
	// Server is an in-process SSH server backed by the local machine.
	//
	// 'exec' requests are run with the local '/bin/sh', the 'sftp' subsystem
	// is served against the local filesystem. Server is constructed by
	// 'NewServer', started by 'ListenAndServe' and stopped by 'Shutdown'.
	Server struct {
		// The SSH server configuration.
		//
		// These options may be modified _prior_ to calling 'ListenAndServe',
		// modifying after will have no effect.
		Config *ssh.ServerConfig

		t        *testing.T
		cancel   context.CancelFunc
		listener net.Listener
		reqs     chan Request
		wg       sync.WaitGroup
	}

	// Request is a copy of a channel request received by the server.
	Request struct {
		Type string
		// Payload is the decoded string payload: the command for 'exec', the
		// subsystem name for 'subsystem', 'NAME=VALUE' for 'env'.
		Payload string
	}

	// ReqChannel produces a copy of every channel request the server
	// receives. Requests are dropped if nobody reads them.
	ReqChannel <-chan Request

	Option func(*ssh.ServerConfig)
)

func NewServer(t *testing.T, signer ssh.Signer, opts ...Option) *Server {
	t.Helper()
	require.NotNil(t, signer, "a non-nil ssh.Signer is required")
	config := &ssh.ServerConfig{}
	config.AddHostKey(signer)
	for _, opt := range opts {
		opt(config)
	}
	return &Server{
		Config: config,
		t:      t,
		reqs:   make(chan Request, 256),
	}
}

// ListenAndServe begins accepting connections on an ephemeral loopback
// port. See 'Addr'.
func (s *Server) ListenAndServe(ctx context.Context) (ReqChannel, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.listener = listener
	context.AfterFunc(ctx, func() { _ = listener.Close() })

	s.wg.Add(1)
	go s.serve(ctx)
	return s.reqs, nil
}

// Addr returns the host and port the server is listening on.
func (s *Server) Addr() (string, uint16) {
	addr := s.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func (s *Server) serve(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				s.t.Logf("sshtest: accept: %v", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// handleConn performs the SSH handshake, then serves 'session' channels until
// the client disconnects or the server shuts down.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.Config)
	if err != nil {
		// Rejected credentials end up here, which some tests want.
		s.t.Logf("sshtest: handshake: %v", err)
		_ = conn.Close()
		return
	}
	defer sshConn.Close()
	stop := context.AfterFunc(ctx, func() { _ = sshConn.Close() })
	defer stop()

	go ssh.DiscardRequests(reqs)
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			s.t.Logf("sshtest: accept channel: %v", err)
			continue
		}
		s.wg.Add(1)
		go s.handleChannel(ctx, channel, requests)
	}
}

// handleChannel fields the requests of one session channel. The first 'exec'
// or 'subsystem' request takes over the channel's data streams.
// Channel request payloads, RFC 4254 section 6.
type (
	envRequest       struct{ Name, Value string }
	execRequest      struct{ Command string }
	subsystemRequest struct{ Name string }
	exitStatus       struct{ Status uint32 }
)

func (s *Server) handleChannel(ctx context.Context, channel ssh.Channel, requests <-chan *ssh.Request) {
	defer s.wg.Done()
	var env []string
	for req := range requests {
		switch req.Type {
		case "env":
			var payload envRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			env = append(env, payload.Name+"="+payload.Value)
			s.record(req.Type, payload.Name+"="+payload.Value)
			_ = req.Reply(true, nil)
		case "exec":
			var payload execRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				_ = req.Reply(false, nil)
				continue
			}
			s.record(req.Type, payload.Command)
			_ = req.Reply(true, nil)
			s.wg.Add(1)
			go s.exec(ctx, channel, payload.Command, env)
		case "subsystem":
			var payload subsystemRequest
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				_ = req.Reply(false, nil)
				continue
			}
			s.record(req.Type, payload.Name)
			_ = req.Reply(true, nil)
			s.wg.Add(1)
			go s.serveSFTP(channel)
		default:
			// 'shell', 'pty-req' and friends aren't supported.
			s.record(req.Type, "")
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// exec runs 'command' with the local shell, wiring its standard streams to
// 'channel', then reports the exit status and closes the channel.
func (s *Server) exec(ctx context.Context, channel ssh.Channel, command string, env []string) {
	defer s.wg.Done()
	defer channel.Close()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = channel
	cmd.Stderr = channel.Stderr()
	// Orphaned children may hold the output pipes open after a kill.
	cmd.WaitDelay = time.Second
	// 'cmd.Stdin = channel' would make 'Wait' block until the client closes
	// its side, which a client waiting on our exit status never does.
	stdin, err := cmd.StdinPipe()
	if err != nil {
		s.exit(channel, 127)
		return
	}
	if err := cmd.Start(); err != nil {
		_, _ = fmt.Fprintf(channel.Stderr(), "%v\n", err)
		s.exit(channel, 127)
		return
	}
	go func() {
		_, _ = io.Copy(stdin, channel)
		_ = stdin.Close()
	}()

	var code uint32
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() >= 0 {
			code = uint32(exitErr.ExitCode())
		} else {
			code = 255
		}
	}
	s.exit(channel, code)
}

func (s *Server) exit(channel ssh.Channel, code uint32) {
	_ = channel.CloseWrite()
	_, _ = channel.SendRequest("exit-status", false, ssh.Marshal(exitStatus{Status: code}))
}

func (s *Server) serveSFTP(channel ssh.Channel) {
	defer s.wg.Done()
	defer channel.Close()
	server, err := sftp.NewServer(channel)
	if err != nil {
		s.t.Logf("sshtest: sftp: %v", err)
		return
	}
	if err := server.Serve(); err != nil && !errors.Is(err, io.EOF) {
		s.t.Logf("sshtest: sftp serve: %v", err)
	}
	_ = server.Close()
}

func (s *Server) record(typ, payload string) {
	select {
	case s.reqs <- Request{Type: typ, Payload: payload}:
	default:
	}
}

var ErrServerNotStarted = fmt.Errorf(
	"shutdown called without a call to 'ListenAndServe' first",
)

// Shutdown stops the server and waits for all Goroutines to exit, or for
// 'ctx' to be done, whichever comes first.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel == nil {
		return ErrServerNotStarted
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
