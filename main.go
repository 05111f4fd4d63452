// Command collabtext-server runs the collaborative text editing backend:
// a WebSocket transport and a pull-mode HTTP API in front of one
// DocumentHub per actively edited document, backed by Postgres, Redis,
// and S3 — grounded on the teacher's main.go wiring (connect Postgres,
// connect Redis, construct engine/index/compression/recovery, register
// routes, serve) with the whiteboard-specific pieces replaced by the
// collaboration engine's.
package main

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"github.com/redis/go-redis/v9"

	"collabtext/api"
	"collabtext/broadcast"
	"collabtext/collab"
	"collabtext/config"
	"collabtext/presence"
	"collabtext/storage"
	"collabtext/store"
	"collabtext/transport"
)

func main() {
	cfg := config.Load()

	db, err := sql.Open("postgres", cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("failed to open postgres: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("failed to ping postgres: %v", err)
	}
	log.Println("connected to PostgreSQL")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       0,
	})
	if _, err := redisClient.Ping(redisClient.Context()).Result(); err != nil {
		log.Fatalf("failed to ping redis: %v", err)
	}
	log.Println("connected to Redis")

	opStore := store.NewPostgresStore(db)

	// collab.SnapshotArchiver must stay a nil *interface*, not a non-nil
	// interface wrapping a nil *storage.SnapshotArchiver — the classic Go
	// gotcha where `var archiver collab.SnapshotArchiver = (*storage.SnapshotArchiver)(nil)`
	// would make Hub's `if h.archiver != nil` checks pass even with no S3
	// configured.
	var archiver collab.SnapshotArchiver
	if cfg.S3Bucket != "" {
		s3Archiver, err := storage.NewSnapshotArchiver(cfg.S3Region, cfg.S3Bucket)
		if err != nil {
			log.Fatalf("failed to construct s3 archiver: %v", err)
		}
		archiver = s3Archiver
		log.Println("snapshot archival enabled")
	} else {
		log.Println("S3_SNAPSHOT_BUCKET not set, running without snapshot archival")
	}

	// RedisBroadcaster needs a LocalSink to deliver remote messages into,
	// and that sink is the HubRegistry this same broadcaster will be
	// handed to — SinkFunc breaks the construction cycle with a closure
	// over a pointer that's filled in one line later.
	var registry *collab.HubRegistry
	redisBroadcaster := broadcast.NewRedisBroadcaster(redisClient, broadcast.SinkFunc(
		func(documentID string, payload []byte) {
			registry.DeliverRemote(documentID, payload)
		},
	))
	registry = collab.NewHubRegistry(opStore, archiver, redisBroadcaster, cfg.InboundQueueSize, cfg.DrainGracePeriod)

	sessions := presence.NewManager(redisClient, cfg.IdleSessionExpiry, func(s presence.Session) {
		if hub, ok := registry.Peek(s.DocumentID); ok {
			hub.Leave(s.SessionID)
		}
	})

	transportServer := transport.NewServer(registry, sessions)
	apiHandlers := api.NewHandlers(registry, sessions)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/document/", transportServer.ServeWs)

	mux.HandleFunc("/api/documents/join", apiHandlers.Join)
	mux.HandleFunc("/api/documents/leave", apiHandlers.Leave)
	mux.HandleFunc("/api/documents/submit_op", apiHandlers.SubmitOp)
	mux.HandleFunc("/api/documents/submit_batch", apiHandlers.SubmitBatch)
	mux.HandleFunc("/api/documents/sync", apiHandlers.Sync)
	mux.HandleFunc("/api/documents/update_cursor", apiHandlers.UpdateCursor)
	mux.HandleFunc("/api/documents/active_users", apiHandlers.GetActiveUsers)
	mux.HandleFunc("/api/documents/stats", apiHandlers.GetStats)
	mux.HandleFunc("/api/stats", apiHandlers.GetGlobalStats)

	mux.HandleFunc("/health", handleHealthCheck)

	log.Printf("✨ collabtext server starting on %s", cfg.HTTPAddr)
	log.Fatal(http.ListenAndServe(cfg.HTTPAddr, mux))
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
