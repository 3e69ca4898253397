package main

import (
	"strings"
	"time"

	"github.com/genesistracer/tracer/events"
	"github.com/genesistracer/tracer/nexhome"
	"github.com/joho/godotenv"
	"github.com/packethost/pkg/env"
)

type config struct {
	vendor     nexhome.Config
	sessionTTL time.Duration
	workers    int

	store        string
	sqlitePath   string
	postgresDSN  string
	managerUser  string
	managerPass  string
	httpPort     string
	grpcPort     string
	staticDir    string
	geoIPDB      string
	countries    []string
	networks     string
	trustProxy   bool
	mqtt         events.Config
	shutdownWait time.Duration
}

func splitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// loadConfig reads the environment, after merging in a .env file if one is
// present. Variables already set win over the file.
func loadConfig() config {
	if err := godotenv.Load(); err == nil {
		logger.Info("loaded .env")
	}

	return config{
		vendor: nexhome.Config{
			BaseURLs:  splitList(env.Get("NEXHOME_BASE_URLS", nexhome.DefaultBaseURL)),
			LoginName: env.Get("NEXHOME_LOGIN_NAME"),
			Password:  env.Get("NEXHOME_PASSWORD"),
			AppID:     env.Get("NEXHOME_APP_ID", nexhome.DefaultAppID),
			Language:  env.Get("NEXHOME_LANGUAGE", "en"),
			Timeout:   time.Duration(env.Int("NEXHOME_TIMEOUT_SECONDS", 15)) * time.Second,
		},
		sessionTTL: time.Duration(env.Int("TRACER_SESSION_TTL_MINUTES", 15)) * time.Minute,
		workers:    env.Int("TRACER_RESOLVE_WORKERS", 4),

		store:        env.Get("TRACER_STORE", "memory"),
		sqlitePath:   env.Get("TRACER_SQLITE_PATH", "tracer.db"),
		postgresDSN:  env.Get("TRACER_POSTGRES_DSN"),
		managerUser:  env.Get("ADMIN_USER", "admin"),
		managerPass:  env.Get("ADMIN_PASS", "admin123"),
		httpPort:     env.Get("HTTP_PORT", env.Get("PORT", "10000")),
		grpcPort:     env.Get("GRPC_PORT", "42113"),
		staticDir:    env.Get("TRACER_STATIC_DIR"),
		geoIPDB:      env.Get("TRACER_GEOIP_DB"),
		countries:    splitList(env.Get("TRACER_ALLOWED_COUNTRIES")),
		networks:     env.Get("TRACER_ALLOWED_CIDRS"),
		trustProxy:   env.Bool("TRACER_TRUST_PROXY"),
		shutdownWait: time.Duration(env.Int("TRACER_SHUTDOWN_SECONDS", 10)) * time.Second,
		mqtt: events.Config{
			Broker:   env.Get("MQTT_BROKER"),
			ClientID: env.Get("MQTT_CLIENT_ID", "tracer"),
			Username: env.Get("MQTT_USERNAME"),
			Password: env.Get("MQTT_PASSWORD"),
			Prefix:   env.Get("MQTT_TOPIC_PREFIX", events.DefaultPrefix),
		},
	}
}
