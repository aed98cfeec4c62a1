package ssh

// keys.go covers the three shapes private key material takes on its way to an
// SSH connection:
//
// - As an operator-supplied secret, which may be raw PEM text or PEM text
//   that has been base64-encoded to survive config-system escaping rules
//   ('NormalizePrivateKey').
// - As PEM bytes, optionally passphrase-protected ('ParseKey').
// - As an 'ssh.Signer', which is what 'x/crypto/ssh' actually authenticates
//   with.
//
// ED25519 key generation is provided for callers (and tests) that need to
// mint a fresh key pair and hand the public half to an instance.
//
// NOTE: 'x/crypto/ssh' doesn't have an implementation of a 'PrivateKey'
// (though it does have a 'PublicKey'). The 'Signer' interface fulfills all the
// roles of a private key within the 'x/crypto/ssh' package.

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	pemHeaderPrefix = "-----BEGIN "
	pemHeaderSuffix = "PRIVATE KEY-----"
)

// NormalizePrivateKey accepts a private key secret as either PEM text or
// base64-encoded PEM text and returns the PEM bytes.
//
// Decoding is attempted first. If the input is not valid base64, or decodes
// to something other than a PEM private key, the input is used as-is. The
// returned bool reports whether the result begins with a PEM private key
// header; when it doesn't, the original input is passed through unmodified
// as raw bytes. This function never fails.
func NormalizePrivateKey(secret string) ([]byte, bool) {
	text := secret
	if decoded, err := base64.StdEncoding.DecodeString(secret); err == nil {
		if hasPrivateKeyHeader(string(decoded)) {
			text = string(decoded)
		}
	}
	if hasPrivateKeyHeader(text) {
		return []byte(text), true
	}
	return []byte(secret), false
}

// hasPrivateKeyHeader reports whether 's' opens with a PEM private key block
// header (RSA, EC, OPENSSH, PKCS#8 and encrypted PKCS#8 all qualify).
func hasPrivateKeyHeader(s string) bool {
	if !strings.HasPrefix(s, pemHeaderPrefix) {
		return false
	}
	line, _, _ := strings.Cut(s, "\n")
	return strings.HasSuffix(strings.TrimRight(line, "\r"), pemHeaderSuffix)
}

var (
	ErrSSHFailedKeyParse = fmt.Errorf("failed to parse SSH private key")
	ErrKeyEncrypted      = fmt.Errorf("private key is passphrase protected but no passphrase was provided")
)

// ParseKey attempts to parse the provided 'key' value as a PEM-encoded
// private key.
//
// If 'phrase' is nil or an empty slice, the key parse will be attempted
// assuming no encryption.
// If 'phrase' is provided, the key will be parsed assuming encryption. If the
// parse fails because the key isn't actually encrypted, it will be reattempted
// without the passphrase.
func ParseKey(key, phrase []byte) (ssh.Signer, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: empty key", ErrSSHFailedKeyParse)
	}
	if len(phrase) > 0 {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(key, phrase)
		if err == nil {
			return signer, nil
		}
		// Only an unencrypted key is worth a second attempt. A wrong passphrase
		// is final.
		if !isUnencryptedKeyErr(err) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
		}
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, ErrKeyEncrypted)
		}
		return nil, fmt.Errorf("%w: %w", ErrSSHFailedKeyParse, err)
	}
	return signer, nil
}

// isUnencryptedKeyErr reports whether 'err' is x/crypto's complaint about a
// passphrase supplied for a plaintext key. Neither the PEM nor the OpenSSH
// parser exports a typed error for this.
func isUnencryptedKeyErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "not an encrypted key") ||
		strings.Contains(msg, "not password protected")
}

var (
	ErrKeyGen         = fmt.Errorf("failed to generate a 'crypto/ed25519' keypair")
	ErrPubKeyConv     = fmt.Errorf("failed to convert the 'ed25519.PublicKey' to 'ssh.PublicKey'")
	ErrPrivKeyMarshal = fmt.Errorf("failed to marshal the 'ed25519.PrivateKey' to OpenSSH format")
)

type ED25519KeyPair struct {
	Public  ED25519PublicKey
	Private ED25519PrivateKey
}

type ED25519PublicKey struct {
	key ed25519.PublicKey
}

type ED25519PrivateKey struct {
	key ed25519.PrivateKey
}

// NewED25519KeyPair generates a 'crypto/ed25519' public+private key pair.
func NewED25519KeyPair() (ED25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return ED25519KeyPair{}, fmt.Errorf("%w: %w", ErrKeyGen, err)
	}
	return ED25519KeyPair{
		Public:  ED25519PublicKey{key: pub},
		Private: ED25519PrivateKey{key: priv},
	}, nil
}

// ToSSH converts the 'ed25519.PublicKey' to an 'ssh.PublicKey'.
func (pubKey ED25519PublicKey) ToSSH() (ssh.PublicKey, error) {
	pub, err := ssh.NewPublicKey(pubKey.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPubKeyConv, err)
	}
	return pub, nil
}

// MarshalAuthorizedKey marshals the public key to the OpenSSH
// ('authorized_keys') format, trailing newline included.
func (pubKey ED25519PublicKey) MarshalAuthorizedKey() ([]byte, error) {
	pub, err := pubKey.ToSSH()
	if err != nil {
		return nil, err
	}
	return ssh.MarshalAuthorizedKey(pub), nil
}

// ToSSH converts the 'ed25519.PrivateKey' to an 'ssh.Signer'.
func (privKey ED25519PrivateKey) ToSSH() (ssh.Signer, error) {
	return ssh.NewSignerFromKey(privKey.key)
}

// MarshalOpenSSH marshals the private key to a PEM block with an 'OPENSSH'
// header. If 'passphrase' is non-empty, the key is encrypted with it.
func (privKey ED25519PrivateKey) MarshalOpenSSH(comment string, passphrase []byte) ([]byte, error) {
	var (
		block *pem.Block
		err   error
	)
	if len(passphrase) > 0 {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(privKey.key, comment, passphrase)
	} else {
		block, err = ssh.MarshalPrivateKey(privKey.key, comment)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPrivKeyMarshal, err)
	}
	return pem.EncodeToMemory(block), nil
}
