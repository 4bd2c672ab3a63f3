// Package sshkeys resolves a server's private key material for SSH
// authentication: prefer in-memory bytes from the secret store, else read
// keyPath from disk, optionally decrypting with a passphrase.
package sshkeys

import (
	"fmt"
	"os"

	"golang.org/x/crypto/ssh"
)

// ParsePrivateKey parses unencrypted PEM-encoded key material into an
// ssh.Signer.
func ParsePrivateKey(privateKeyPEM []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// ParsePrivateKeyWithPassphrase parses passphrase-encrypted PEM key
// material into an ssh.Signer.
func ParsePrivateKeyWithPassphrase(privateKeyPEM, passphrase []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, passphrase)
	if err != nil {
		return nil, fmt.Errorf("parse passphrase-protected private key: %w", err)
	}
	return signer, nil
}

// LoadFromPath reads key material from a filesystem path, used as the
// fallback when no in-memory key bytes are available.
func LoadFromPath(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", path, err)
	}
	return data, nil
}

// Resolve implements the §4.6.1 auth resolution order: prefer inMemory
// material (from the secret store); fall back to keyPath on disk;
// decrypt with passphrase if present; return an error tagged "no_key" if
// neither yields a usable signer.
func Resolve(inMemory []byte, keyPath string, passphrase []byte) (ssh.Signer, error) {
	material := inMemory
	if material == nil && keyPath != "" {
		fromDisk, err := LoadFromPath(keyPath)
		if err != nil {
			return nil, fmt.Errorf("no_key: %w", err)
		}
		material = fromDisk
	}
	if material == nil {
		return nil, fmt.Errorf("no_key: no private key material available")
	}

	if len(passphrase) > 0 {
		signer, err := ParsePrivateKeyWithPassphrase(material, passphrase)
		if err != nil {
			return nil, fmt.Errorf("no_key: %w", err)
		}
		return signer, nil
	}

	signer, err := ParsePrivateKey(material)
	if err != nil {
		return nil, fmt.Errorf("no_key: %w", err)
	}
	return signer, nil
}
