package database

import "time"

// Setting is a generic key/value row used for small persisted scalars: the
// fernet encryption key, the API bearer token, the API-auth toggle, and the
// owned-tunnels set (JSON-encoded list of server ids).
type Setting struct {
	Key       string    `gorm:"primaryKey" json:"key"`
	Value     string    `gorm:"not null" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
