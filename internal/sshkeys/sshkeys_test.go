package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/crypto/ssh"
)

func generateTestKey(t *testing.T) (keyPEM []byte, signer ssh.Signer) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	s, err := ssh.ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("parse generated key: %v", err)
	}
	return keyPEM, s
}

func TestParsePrivateKey(t *testing.T) {
	keyPEM, _ := generateTestKey(t)
	signer, err := ParsePrivateKey(keyPEM)
	if err != nil {
		t.Fatalf("ParsePrivateKey() error: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("expected ssh-ed25519, got %s", signer.PublicKey().Type())
	}
}

func TestParsePrivateKeyInvalid(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"))
	if err == nil {
		t.Fatal("expected error for invalid key material")
	}
}

func TestLoadFromPath(t *testing.T) {
	keyPEM, _ := generateTestKey(t)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	loaded, err := LoadFromPath(path)
	if err != nil {
		t.Fatalf("LoadFromPath() error: %v", err)
	}
	if string(loaded) != string(keyPEM) {
		t.Error("loaded key does not match written key")
	}
}

func TestLoadFromPathNotFound(t *testing.T) {
	_, err := LoadFromPath("/nonexistent/path/key.pem")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestResolvePrefersInMemory(t *testing.T) {
	keyPEM, _ := generateTestKey(t)
	signer, err := Resolve(keyPEM, "/should/not/be/read", nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("expected ssh-ed25519, got %s", signer.PublicKey().Type())
	}
}

func TestResolveFallsBackToDisk(t *testing.T) {
	keyPEM, _ := generateTestKey(t)
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, keyPEM, 0600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	signer, err := Resolve(nil, path, nil)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if signer.PublicKey().Type() != "ssh-ed25519" {
		t.Errorf("expected ssh-ed25519, got %s", signer.PublicKey().Type())
	}
}

func TestResolveNoKeyAvailable(t *testing.T) {
	_, err := Resolve(nil, "", nil)
	if err == nil {
		t.Fatal("expected no_key error")
	}
	if !strings.Contains(err.Error(), "no_key") {
		t.Errorf("expected error tagged no_key, got: %v", err)
	}
}

func TestResolveBadKeyPath(t *testing.T) {
	_, err := Resolve(nil, "/nonexistent/path/key.pem", nil)
	if err == nil {
		t.Fatal("expected no_key error for unreadable path")
	}
	if !strings.Contains(err.Error(), "no_key") {
		t.Errorf("expected error tagged no_key, got: %v", err)
	}
}
