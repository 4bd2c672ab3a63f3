package manager

import (
	"context"
	"testing"

	"github.com/gluk-w/tunneld/internal/config"
	"github.com/gluk-w/tunneld/internal/database"
	"github.com/gluk-w/tunneld/internal/eventbus"
	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
	"github.com/gluk-w/tunneld/internal/statsstore"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	config.Cfg.DataPath = t.TempDir()
	if err := database.Init(); err != nil {
		t.Fatalf("database.Init: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	store, err := serverstore.New()
	if err != nil {
		t.Fatalf("serverstore.New: %v", err)
	}
	secrets := secretstore.New()
	stats, err := statsstore.New()
	if err != nil {
		t.Fatalf("statsstore.New: %v", err)
	}
	t.Cleanup(stats.Stop)
	bus := eventbus.NewBus()
	t.Cleanup(bus.Close)

	m := New(store, secrets, stats, bus)
	if err := m.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return m
}

func TestAddServerAssignsIDAndPersists(t *testing.T) {
	m := newTestManager(t)

	id, err := m.AddServer(serverstore.ServerRecord{
		Name:     "box1",
		Host:     "example.com",
		SSHPort:  22,
		Username: "alice",
		AuthType: "password",
		SocksPort: 1080,
	}, "hunter2", nil, nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if id == "" {
		t.Fatal("expected a non-empty id")
	}

	rec, ok := m.Server(id)
	if !ok {
		t.Fatal("expected server to be retrievable after add")
	}
	if rec.Name != "box1" || rec.SocksPort != 1080 {
		t.Errorf("unexpected record: %+v", rec)
	}

	pw, ok := m.secrets.Get(secretstore.PasswordKey(id))
	if !ok || string(pw) != "hunter2" {
		t.Errorf("expected password secret to be stored, got %q ok=%v", pw, ok)
	}
}

func TestAddServerRejectsDuplicateHostUserPort(t *testing.T) {
	m := newTestManager(t)

	rec := serverstore.ServerRecord{Host: "dup.example.com", SSHPort: 22, Username: "bob", AuthType: "password", SocksPort: 1081}
	if _, err := m.AddServer(rec, "pw", nil, nil); err != nil {
		t.Fatalf("first AddServer: %v", err)
	}
	if _, err := m.AddServer(rec, "pw", nil, nil); err == nil {
		t.Fatal("expected duplicate host/username/sshPort to be rejected")
	}
}

func TestDeleteServerCascadesSecretsAndRecord(t *testing.T) {
	m := newTestManager(t)

	id, err := m.AddServer(serverstore.ServerRecord{
		Host: "del.example.com", SSHPort: 22, Username: "carol", AuthType: "password", SocksPort: 1082,
	}, "pw", nil, nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	if err := m.DeleteServer(id); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}

	if _, ok := m.Server(id); ok {
		t.Error("expected server to be gone after delete")
	}
	if _, ok := m.secrets.Get(secretstore.PasswordKey(id)); ok {
		t.Error("expected password secret to be purged after delete")
	}
}

func TestProfileCRUD(t *testing.T) {
	m := newTestManager(t)

	serverID, err := m.AddServer(serverstore.ServerRecord{
		Host: "prof.example.com", SSHPort: 22, Username: "dave", AuthType: "password", SocksPort: 1083,
	}, "pw", nil, nil)
	if err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	profileID, err := m.AddProfile(serverstore.QuickProfile{ServerID: serverID, DisplayName: "work", SocksPortOverride: 1090})
	if err != nil {
		t.Fatalf("AddProfile: %v", err)
	}

	profiles := m.Profiles()
	if len(profiles) != 1 || profiles[0].ID != profileID {
		t.Fatalf("expected exactly the new profile, got %+v", profiles)
	}

	if err := m.DeleteProfile(profileID); err != nil {
		t.Fatalf("DeleteProfile: %v", err)
	}
	if len(m.Profiles()) != 0 {
		t.Error("expected profile list to be empty after delete")
	}
}

func TestPortOwnershipClaimAndRelease(t *testing.T) {
	m := newTestManager(t)

	if m.IsOwnedByUs(1080) {
		t.Fatal("port should not be owned before Claim")
	}
	m.Claim(1080, "server-a")
	if !m.IsOwnedByUs(1080) {
		t.Fatal("expected port to be owned after Claim")
	}
	m.Release(1080)
	if m.IsOwnedByUs(1080) {
		t.Fatal("expected port to be released")
	}
}

func TestTunnelsEmptyWhenNoWorkers(t *testing.T) {
	m := newTestManager(t)
	if tunnels := m.Tunnels(); len(tunnels) != 0 {
		t.Errorf("expected no active tunnels on a fresh manager, got %+v", tunnels)
	}
}

func TestStatusReflectsServerCount(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.AddServer(serverstore.ServerRecord{
		Host: "status.example.com", SSHPort: 22, Username: "erin", AuthType: "password", SocksPort: 1095,
	}, "pw", nil, nil); err != nil {
		t.Fatalf("AddServer: %v", err)
	}

	status := m.Status()
	if status.ServerCount != 1 {
		t.Errorf("expected ServerCount 1, got %d", status.ServerCount)
	}
	if status.TunnelCount != 0 {
		t.Errorf("expected TunnelCount 0 with no live workers, got %d", status.TunnelCount)
	}
}
