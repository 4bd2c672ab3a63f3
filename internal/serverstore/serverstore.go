// Package serverstore persists ServerRecords and QuickProfiles, plus the
// owned-tunnels set consulted by the tunnel worker's port-busy protocol.
package serverstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gluk-w/tunneld/internal/database"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const ownedTunnelsSetting = "active_tunnels"

// ServerRecord is a persisted connection definition. Secrets (password,
// private key, key passphrase) live in the secret store, never here.
type ServerRecord struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	SSHPort  int    `json:"sshPort"`
	Username string `json:"username"`
	AuthType string `json:"authType"` // "password" | "key"

	SocksPort int    `json:"socksPort"`
	KeyPath   string `json:"keyPath,omitempty"`

	ProxyUsername string `json:"proxyUsername,omitempty"`
	ProxyPassword string `json:"proxyPassword,omitempty"`

	AutoReconnect        bool `json:"autoReconnect"`
	ConnectOnStartup     bool `json:"connectOnStartup"`
	NotificationsEnabled bool `json:"notificationsEnabled"`
	IsEnabled            bool `json:"isEnabled"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// QuickProfile launches a server with an overridden socks port.
type QuickProfile struct {
	ID               string `gorm:"primaryKey" json:"id"`
	ServerID         string `json:"serverId"`
	DisplayName      string `json:"displayName"`
	SocksPortOverride int   `json:"socksPortOverride"`
}

// Store is the gorm-backed persistence layer for servers and profiles.
type Store struct {
	mu sync.Mutex
	db *gorm.DB
}

// New migrates the ServerRecord/QuickProfile tables and returns a Store
// bound to the shared database handle.
func New() (*Store, error) {
	if err := database.DB.AutoMigrate(&ServerRecord{}, &QuickProfile{}); err != nil {
		return nil, fmt.Errorf("auto-migrate serverstore: %w", err)
	}
	return &Store{db: database.DB}, nil
}

// LoadAll returns every persisted ServerRecord, ordered by creation time.
func (s *Store) LoadAll() ([]ServerRecord, error) {
	var records []ServerRecord
	if err := s.db.Order("created_at asc").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("load servers: %w", err)
	}
	return records, nil
}

// Save upserts a ServerRecord. A fresh id is assigned when rec.ID is empty.
// The dedup invariant on (host, username, sshPort) is enforced here: a
// record that collides with an existing one on that triple is rejected
// unless it is the same id (an update).
func (s *Store) Save(rec *ServerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.ID == "" {
		rec.ID = uuid.NewString()
		rec.CreatedAt = time.Now().UTC()
	}

	var existing ServerRecord
	err := s.db.Where("host = ? AND username = ? AND ssh_port = ? AND id <> ?", rec.Host, rec.Username, rec.SSHPort, rec.ID).
		First(&existing).Error
	if err == nil {
		return fmt.Errorf("server record for %s@%s:%d already exists (id %s)", rec.Username, rec.Host, rec.SSHPort, existing.ID)
	} else if err != gorm.ErrRecordNotFound {
		return fmt.Errorf("check duplicate server record: %w", err)
	}

	rec.UpdatedAt = time.Now().UTC()
	if err := s.db.Save(rec).Error; err != nil {
		return fmt.Errorf("save server record %s: %w", rec.ID, err)
	}
	return nil
}

// Delete removes a ServerRecord by id.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("id = ?", id).Delete(&ServerRecord{}).Error; err != nil {
		return fmt.Errorf("delete server record %s: %w", id, err)
	}
	return nil
}

// Get returns a single ServerRecord by id.
func (s *Store) Get(id string) (ServerRecord, bool) {
	var rec ServerRecord
	if err := s.db.Where("id = ?", id).First(&rec).Error; err != nil {
		return ServerRecord{}, false
	}
	return rec, true
}

// LoadProfiles returns every persisted QuickProfile.
func (s *Store) LoadProfiles() ([]QuickProfile, error) {
	var profiles []QuickProfile
	if err := s.db.Find(&profiles).Error; err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	return profiles, nil
}

// SaveProfile upserts a QuickProfile, assigning an id if absent.
func (s *Store) SaveProfile(p *QuickProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if err := s.db.Save(p).Error; err != nil {
		return fmt.Errorf("save profile %s: %w", p.ID, err)
	}
	return nil
}

// DeleteProfile removes a QuickProfile by id.
func (s *Store) DeleteProfile(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.Where("id = ?", id).Delete(&QuickProfile{}).Error; err != nil {
		return fmt.Errorf("delete profile %s: %w", id, err)
	}
	return nil
}

// LoadOwnedTunnels returns the persisted set of serverIds this process
// instance (or a prior one) owns a socks listener for, consulted by the
// port-busy protocol at startup.
func (s *Store) LoadOwnedTunnels() (map[string]bool, error) {
	raw, err := database.GetSetting(ownedTunnelsSetting)
	if err != nil {
		return map[string]bool{}, nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("decode owned-tunnels set: %w", err)
	}
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set, nil
}

// SaveOwnedTunnels persists the owned-tunnels set.
func (s *Store) SaveOwnedTunnels(set map[string]bool) error {
	ids := make([]string, 0, len(set))
	for id, owned := range set {
		if owned {
			ids = append(ids, id)
		}
	}
	buf, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode owned-tunnels set: %w", err)
	}
	return database.SetSetting(ownedTunnelsSetting, string(buf))
}
