package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// Settings holds the daemon's runtime configuration, populated from the
// TUNNELD_* environment variables.
type Settings struct {
	DataPath string `envconfig:"DATA_PATH" default:"/app/data"`
	LogPath  string `envconfig:"LOG_PATH" default:""`

	APIPort         int  `envconfig:"API_PORT" default:"7070"`
	APIFallbackPort int  `envconfig:"API_FALLBACK_PORT" default:"7071"`
	APIAuthEnabled  bool `envconfig:"API_AUTH_ENABLED" default:"true"`

	HealthIntervalSec int `envconfig:"HEALTH_INTERVAL_SEC" default:"30"`
	ScanTimeoutMS     int `envconfig:"SCAN_TIMEOUT_MS" default:"150"`
}

var Cfg Settings

// Load populates Cfg from the environment. Must be called once at startup
// before any other package reads config.Cfg.
func Load() {
	if err := envconfig.Process("TUNNELD", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
}
