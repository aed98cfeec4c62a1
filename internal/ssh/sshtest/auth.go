package sshtest

import (
	"bytes"
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/ssh"
)

var (
	ErrUnauthorized     = fmt.Errorf("public key is not authorized")
	ErrPasswordRejected = fmt.Errorf("password rejected")
)

// WithPublicKeys accepts public key authentication for any of
// 'allowedPubKeys'.
func WithPublicKeys(allowedPubKeys ...ssh.PublicKey) Option {
	marshaled := make([][]byte, len(allowedPubKeys))
	for i, key := range allowedPubKeys {
		marshaled[i] = key.Marshal()
	}
	return func(config *ssh.ServerConfig) {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			offered := key.Marshal()
			for _, allowed := range marshaled {
				if bytes.Equal(allowed, offered) {
					return nil, nil
				}
			}
			return nil, ErrUnauthorized
		}
	}
}

// WithPassword accepts password authentication for 'user' with 'password'.
func WithPassword(user, password string) Option {
	return func(config *ssh.ServerConfig) {
		config.PasswordCallback = func(conn ssh.ConnMetadata, given []byte) (*ssh.Permissions, error) {
			if conn.User() == user && subtle.ConstantTimeCompare(given, []byte(password)) == 1 {
				return nil, nil
			}
			return nil, ErrPasswordRejected
		}
	}
}
