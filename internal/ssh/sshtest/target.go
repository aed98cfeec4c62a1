package sshtest

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	User     = "hellope"
	Password = "hunter2"
)

// Target is a running Server plus the credentials it accepts.
type Target struct {
	Server *Server
	Host   string
	Port   uint16
	// PrivateKey is the OpenSSH PEM encoding of Signer.
	PrivateKey []byte
	Signer     ssh.Signer
	HostKey    ssh.PublicKey
	Requests   ReqChannel
}

// Start runs a Server accepting a freshly generated ED25519 user key, and
// Password for User. The server is shut down on test cleanup.
func Start(t *testing.T) *Target {
	t.Helper()
	_, userKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	userSigner, err := ssh.NewSignerFromKey(userKey)
	require.NoError(t, err)
	block, err := ssh.MarshalPrivateKey(userKey, "sshtest")
	require.NoError(t, err)

	_, hostKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := ssh.NewSignerFromKey(hostKey)
	require.NoError(t, err)

	server := NewServer(t, hostSigner,
		WithPublicKeys(userSigner.PublicKey()),
		WithPassword(User, Password),
	)
	reqs, err := server.ListenAndServe(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, server.Shutdown(ctx))
	})
	host, port := server.Addr()
	return &Target{
		Server:     server,
		Host:       host,
		Port:       port,
		PrivateKey: pem.EncodeToMemory(block),
		Signer:     userSigner,
		HostKey:    hostSigner.PublicKey(),
		Requests:   reqs,
	}
}
