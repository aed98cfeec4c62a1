package provision

import (
	"encoding/base64"
	"net"
	"testing"

	"github.com/chainguard-dev/terraform-provider-provisioner/internal/ssh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closedPort returns a loopback port nothing is listening on.
func closedPort(t *testing.T) uint16 {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return uint16(port)
}

func testKey(t *testing.T, passphrase string) []byte {
	t.Helper()
	pair, err := ssh.NewED25519KeyPair()
	require.NoError(t, err)
	pem, err := pair.Private.MarshalOpenSSH("test", []byte(passphrase))
	require.NoError(t, err)
	return pem
}

func TestAuth(t *testing.T) {
	key := testKey(t, "")

	t.Run("modes", func(t *testing.T) {
		assert.Equal(t, AuthNone, Auth{}.Mode())
		assert.Equal(t, AuthKey, Auth{PrivateKey: key}.Mode())
		assert.Equal(t, AuthKeyPassphrase, Auth{PrivateKey: key, Passphrase: []byte("p")}.Mode())
		assert.Equal(t, AuthPassword, Auth{Password: "p"}.Mode())
	})
	t.Run("new-key-auth-decodes-base64", func(t *testing.T) {
		a := NewKeyAuth(base64.StdEncoding.EncodeToString(key), "")
		assert.Equal(t, key, a.PrivateKey)
		assert.Empty(t, a.Passphrase)
	})
	t.Run("new-key-auth-raw-pem", func(t *testing.T) {
		a := NewKeyAuth(string(key), "phrase")
		assert.Equal(t, key, a.PrivateKey)
		assert.Equal(t, []byte("phrase"), a.Passphrase)
	})
}

func TestConnectionValidate(t *testing.T) {
	key := testKey(t, "")
	encrypted := testKey(t, "s3cret")
	valid := Connection{Host: Known("10.0.0.1"), User: DefaultUser, Auth: Auth{PrivateKey: key}}

	require.NoError(t, valid.Validate())

	for name, tc := range map[string]struct {
		mutate func(*Connection)
		field  string
	}{
		"no-host":            {func(c *Connection) { c.Host = nil }, "host"},
		"no-user":            {func(c *Connection) { c.User = "" }, "user"},
		"no-auth":            {func(c *Connection) { c.Auth = Auth{} }, "auth"},
		"key-and-password":   {func(c *Connection) { c.Auth.Password = "pw" }, "auth"},
		"orphan-passphrase":  {func(c *Connection) { c.Auth = Auth{Password: "pw", Passphrase: []byte("x")} }, "private_key_passphrase"},
		"garbage-key":        {func(c *Connection) { c.Auth = Auth{PrivateKey: []byte("garbage")} }, "private_key"},
		"missing-passphrase": {func(c *Connection) { c.Auth = Auth{PrivateKey: encrypted} }, "private_key"},
		"wrong-passphrase": {func(c *Connection) {
			c.Auth = Auth{PrivateKey: encrypted, Passphrase: []byte("nope")}
		}, "private_key"},
	} {
		t.Run(name, func(t *testing.T) {
			c := valid
			tc.mutate(&c)
			err := c.Validate()
			var cfgErr *ConfigError
			require.ErrorAs(t, err, &cfgErr)
			require.ErrorIs(t, err, ErrConfig)
			assert.Equal(t, tc.field, cfgErr.Field)
		})
	}

	t.Run("passphrase-protected", func(t *testing.T) {
		c := valid
		c.Auth = Auth{PrivateKey: encrypted, Passphrase: []byte("s3cret")}
		require.NoError(t, c.Validate())
	})
	t.Run("password", func(t *testing.T) {
		c := valid
		c.Auth = Auth{Password: "pw"}
		require.NoError(t, c.Validate())
	})
	t.Run("unresolved-host-is-valid", func(t *testing.T) {
		c := valid
		c.Host = NewDeferred[string]()
		require.NoError(t, c.Validate())
	})
}

func TestConnectionDialOptions(t *testing.T) {
	c := Connection{Host: Known("10.0.0.1"), User: "admin", Auth: Auth{Password: "pw"}}
	opts, err := c.dialOptions(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", opts.Host)
	assert.EqualValues(t, DefaultPort, opts.Port)
	assert.Equal(t, "admin", opts.User)
	assert.Equal(t, "pw", opts.Password)
	assert.Nil(t, opts.Signer)

	c.Host = Known("")
	_, err = c.dialOptions(t.Context())
	require.ErrorIs(t, err, ErrConfig)
}
