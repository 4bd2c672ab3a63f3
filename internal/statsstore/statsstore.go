// Package statsstore holds the append-only per-server time-series (spec
// §4.4, §6): insertSample, period queries, and a 7-day retention sweep.
package statsstore

import (
	"fmt"
	"time"

	"github.com/gluk-w/tunneld/internal/database"
	"github.com/robfig/cron/v3"
	"gorm.io/gorm"
)

const retentionWindow = 7 * 24 * time.Hour

// Sample is one row of the stats relation.
type Sample struct {
	ID               uint   `gorm:"primaryKey;autoIncrement" json:"-"`
	ServerID         string `gorm:"index:idx_server_ts" json:"serverId"`
	Timestamp        int64  `gorm:"index:idx_server_ts" json:"timestamp"`
	Uptime           int    `json:"uptime"`
	BytesIn          int64  `json:"bytesIn"`
	BytesOut         int64  `json:"bytesOut"`
	LatencyMs        *int   `json:"latencyMs,omitempty"`
	ReconnectCount   int    `json:"reconnectCount"`
	DisconnectReason string `json:"disconnectReason,omitempty"`
}

// Period is a named query window.
type Period string

const (
	Period1h  Period = "1h"
	Period24h Period = "24h"
	Period7d  Period = "7d"
)

func (p Period) duration() time.Duration {
	switch p {
	case Period1h:
		return time.Hour
	case Period24h:
		return 24 * time.Hour
	case Period7d:
		return 7 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// QueryResult is the aggregate returned by Query.
type QueryResult struct {
	TotalUptime       int            `json:"totalUptime"`
	UptimePercent     float64        `json:"uptimePercent"`
	AvgLatencyMs      *float64       `json:"avgLatencyMs,omitempty"`
	ReconnectCount    int            `json:"reconnectCount"`
	DisconnectReasons map[string]int `json:"disconnectReasons"`
	DataPoints        []Sample       `json:"dataPoints"`
}

// Store is the gorm-backed Stats Store, with a cron-driven retention sweep.
type Store struct {
	db   *gorm.DB
	cron *cron.Cron
}

// New migrates the stats table and starts the daily retention sweep.
func New() (*Store, error) {
	if err := database.DB.AutoMigrate(&Sample{}); err != nil {
		return nil, fmt.Errorf("auto-migrate statsstore: %w", err)
	}

	s := &Store{db: database.DB, cron: cron.New()}
	if _, err := s.cron.AddFunc("@daily", s.cleanupQuiet); err != nil {
		return nil, fmt.Errorf("schedule stats retention sweep: %w", err)
	}
	s.cron.Start()
	return s, nil
}

// Stop halts the retention sweep scheduler.
func (s *Store) Stop() {
	s.cron.Stop()
}

// InsertSample appends a sample. Safe under concurrent insert+query (gorm
// serializes through the shared sqlite handle in WAL mode).
func (s *Store) InsertSample(sample Sample) error {
	if err := s.db.Create(&sample).Error; err != nil {
		return fmt.Errorf("insert stats sample for %s: %w", sample.ServerID, err)
	}
	return nil
}

// Query aggregates samples for serverId within the given period.
func (s *Store) Query(serverID string, period Period) (QueryResult, error) {
	since := time.Now().Add(-period.duration()).UnixMilli()

	var samples []Sample
	if err := s.db.Where("server_id = ? AND timestamp >= ?", serverID, since).
		Order("timestamp asc").Find(&samples).Error; err != nil {
		return QueryResult{}, fmt.Errorf("query stats for %s: %w", serverID, err)
	}

	result := QueryResult{DisconnectReasons: map[string]int{}, DataPoints: samples}

	var latencySum float64
	var latencyCount int
	var lastReconnect int

	for _, sample := range samples {
		result.TotalUptime += sample.Uptime
		if sample.LatencyMs != nil {
			latencySum += float64(*sample.LatencyMs)
			latencyCount++
		}
		if sample.ReconnectCount > lastReconnect {
			lastReconnect = sample.ReconnectCount
		}
		if sample.DisconnectReason != "" {
			result.DisconnectReasons[sample.DisconnectReason]++
		}
	}
	result.ReconnectCount = lastReconnect

	if latencyCount > 0 {
		avg := latencySum / float64(latencyCount)
		result.AvgLatencyMs = &avg
	}

	periodMs := period.duration().Milliseconds()
	pct := float64(result.TotalUptime) * 1000 / float64(periodMs) * 100
	result.UptimePercent = clamp(pct, 0, 100)

	return result, nil
}

// Cleanup deletes rows older than the 7-day retention window.
func (s *Store) Cleanup() error {
	cutoff := time.Now().Add(-retentionWindow).UnixMilli()
	if err := s.db.Where("timestamp < ?", cutoff).Delete(&Sample{}).Error; err != nil {
		return fmt.Errorf("cleanup stats: %w", err)
	}
	return nil
}

func (s *Store) cleanupQuiet() {
	_ = s.Cleanup()
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
