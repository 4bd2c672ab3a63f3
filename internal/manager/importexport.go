// importexport.go implements the export/import surface: a JSON document
// of ServerRecords with an optional embedded secret bundle, deduplicated
// on import by (host, username, sshPort) — the same triple
// serverstore.Save enforces.
package manager

import (
	"encoding/base64"
	"fmt"
	"time"

	"github.com/gluk-w/tunneld/internal/secretstore"
	"github.com/gluk-w/tunneld/internal/serverstore"
)

// ExportedServer is one server entry in the export/import document.
type ExportedServer struct {
	serverstore.ServerRecord
	Password         string `json:"password,omitempty"`
	PrivateKeyPEMB64 string `json:"privateKeyPem,omitempty"`
	KeyPassphrase    string `json:"keyPassphrase,omitempty"`
}

// ExportDocument is the §6 "Import/export file" shape.
type ExportDocument struct {
	Servers      []ExportedServer `json:"servers"`
	ExportedAt   string           `json:"exportedAt"`
	Count        int              `json:"count"`
	IncludesKeys bool             `json:"includesKeys"`
}

// ImportDocument accepts either a bare array or {servers:[...]}, per §6.
type ImportDocument struct {
	Servers []ExportedServer `json:"servers"`
}

// Export snapshots every ServerRecord, embedding decrypted secrets only
// when includeKeys is set.
func (m *Manager) Export(includeKeys bool) ExportDocument {
	records := m.Servers()
	out := make([]ExportedServer, 0, len(records))

	for _, rec := range records {
		entry := ExportedServer{ServerRecord: rec}
		if includeKeys {
			if pw, ok := m.secrets.Get(secretstore.PasswordKey(rec.ID)); ok {
				entry.Password = string(pw)
			}
			if key, ok := m.secrets.Get(secretstore.PrivateKeyKey(rec.ID)); ok {
				entry.PrivateKeyPEMB64 = base64.StdEncoding.EncodeToString(key)
			}
			if pass, ok := m.secrets.Get(secretstore.KeyPassphraseKey(rec.ID)); ok {
				entry.KeyPassphrase = string(pass)
			}
		}
		out = append(out, entry)
	}

	return ExportDocument{
		Servers:      out,
		ExportedAt:   time.Now().UTC().Format(time.RFC3339),
		Count:        len(out),
		IncludesKeys: includeKeys,
	}
}

// Import adds every entry in doc not already present (dedup on host,
// username, sshPort — enforced by serverstore.Save), returning the count
// actually added.
func (m *Manager) Import(doc ImportDocument) (int, error) {
	added := 0
	for _, entry := range doc.Servers {
		rec := entry.ServerRecord
		rec.ID = ""

		var privateKeyPEM []byte
		if entry.PrivateKeyPEMB64 != "" {
			decoded, err := base64.StdEncoding.DecodeString(entry.PrivateKeyPEMB64)
			if err != nil {
				return added, fmt.Errorf("decode private key for %s: %w", rec.Name, err)
			}
			privateKeyPEM = decoded
		}

		if _, err := m.AddServer(rec, entry.Password, privateKeyPEM, []byte(entry.KeyPassphrase)); err != nil {
			continue // duplicate per (host, username, sshPort): skip, not fatal
		}
		added++
	}
	return added, nil
}
