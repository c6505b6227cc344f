// Package main provides featured, the feature datastore daemon.
//
// featured serves a SQLite-backed spatial feature store over a REST API and
// publishes change events to NATS so map renderers can react to committed
// mutations.
//
// Usage:
//
//	featured [options]
//
// Options:
//
//	-db PATH           Store file (default: features.db, env: FEATUREDB_PATH)
//	-port N            HTTP port (default: 8080, env: FEATUREDB_PORT)
//	-read-only         Open the store read-only
//	-spatial-index     Build a spatial index when creating a new store (default: true)
//	-nats URL          NATS server URL; empty disables events (env: FEATUREDB_NATS_URL)
//	-nats-subject S    Event subject prefix (default: featuredb.changes)
//	-log-level LEVEL   Log level: debug, info, warn, error (default: info)
//
// API Endpoints (under /api/v1):
//
//	GET    /health
//	GET    /stats
//	GET    /featuresets
//	POST   /featuresets
//	GET    /featuresets/{fsid}
//	DELETE /featuresets/{fsid}
//	PUT    /featuresets/{fsid}/visibility
//	PUT    /featuresets/{fsid}/name
//	POST   /featuresets/{fsid}/features
//	GET    /features
//	GET    /features/{fid}
//	DELETE /features/{fid}
//	PUT    /features/{fid}/visibility
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	log "github.com/sirupsen/logrus"

	"featuredb/internal/api"
	"featuredb/internal/notify"
	"featuredb/internal/store"
)

func main() {
	dbPath := flag.String("db", envOrDefault("FEATUREDB_PATH", "features.db"), "store file")
	port := flag.Int("port", envOrDefaultInt("FEATUREDB_PORT", 8080), "HTTP port for API server")
	readOnly := flag.Bool("read-only", false, "open the store read-only")
	spatialIndex := flag.Bool("spatial-index", true, "build a spatial index when creating a new store")
	natsURL := flag.String("nats", envOrDefault("FEATUREDB_NATS_URL", ""), "NATS server URL (empty disables events)")
	natsSubject := flag.String("nats-subject", "featuredb.changes", "event subject prefix")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")

	flag.Parse()

	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid log level %q\n", *logLevel)
		os.Exit(1)
	}
	log.SetLevel(level)

	st, err := store.Open(*dbPath, store.Options{
		ReadOnly:     *readOnly,
		SpatialIndex: *spatialIndex,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	var events *notify.Publisher
	if *natsURL != "" {
		events, err = notify.Connect(*natsURL, *natsSubject)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error connecting to NATS: %v\n", err)
			os.Exit(1)
		}
		defer events.Close()

		// Coarse store-level heartbeat alongside the API's typed events,
		// covering mutations made by embedded callers.
		st.OnChange(func() {
			if err := events.Publish(notify.Event{
				Kind:   notify.KindStore,
				Action: notify.ActionChanged,
			}); err != nil {
				log.WithError(err).Warning("failed to publish store change event")
			}
		})
	}

	server := api.NewServer(st, events, api.Config{Port: *port})
	if err := server.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}
