// Command broker starts the task broker's HTTP API, background Scheduler
// and (when REDIS_ADDR is configured) distributed leader election.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fluxbroker/taskbroker/api"
	"github.com/fluxbroker/taskbroker/auth"
	"github.com/fluxbroker/taskbroker/coordination"
	"github.com/fluxbroker/taskbroker/dispatcher"
	"github.com/fluxbroker/taskbroker/eventbus"
	"github.com/fluxbroker/taskbroker/eviction"
	"github.com/fluxbroker/taskbroker/idempotency"
	"github.com/fluxbroker/taskbroker/scheduler"
	"github.com/fluxbroker/taskbroker/store"
	"github.com/fluxbroker/taskbroker/streaming"
	"github.com/fluxbroker/taskbroker/wshub"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("broker: invalid %s=%q, using default %s", key, v, fallback)
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func nodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "node"
	}
	return hostname + "-" + strconv.FormatInt(time.Now().UnixNano(), 36)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dbPath := envOr("DB_PATH", "taskbroker.db")
	s, err := store.Open(ctx, dbPath)
	if err != nil {
		log.Fatalf("broker: opening store at %s: %v", dbPath, err)
	}
	defer s.Close()

	bus := eventbus.New()
	evictionCh := eviction.New(s, bus)

	dispCfg := dispatcher.DefaultConfig
	dispCfg.AckTimeout = envDurationMS("ACK_TIMEOUT_MS", dispCfg.AckTimeout)
	disp := dispatcher.New(s, bus, evictionCh, dispatcher.AllowAllPolicy{}, dispCfg)

	schedCfg := scheduler.DefaultConfig
	schedCfg.AckTimeout = dispCfg.AckTimeout
	schedCfg.StaleTaskTimeout = envDurationMS("STALE_TASK_TIMEOUT_MS", schedCfg.StaleTaskTimeout)
	schedCfg.TickInterval = envDurationMS("SCHEDULER_INTERVAL_MS", schedCfg.TickInterval)

	var redisClient *redis.Client
	var idemBackend idempotency.Backend
	var leader scheduler.Leader
	if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatalf("broker: connecting to redis at %s: %v", redisAddr, err)
		}
		log.Printf("broker: connected to redis at %s for coordination and idempotency", redisAddr)

		idemBackend = idempotency.NewRedisBackend(redisClient)

		lease := coordination.NewRedisLease(redisClient)
		elector := coordination.NewElector(lease, s, "node-"+nodeID(), 30*time.Second)
		go elector.Run(ctx)
		leader = elector
	} else {
		log.Println("broker: REDIS_ADDR not set, running standalone (no leader election); idempotency keys persist to the local store")
		idemBackend = idempotency.NewStoreBackend(s)
	}

	idemStore := idempotency.NewStore(idemBackend)

	sched := scheduler.New(disp, bus, s, leader, schedCfg)
	go sched.Run(ctx)

	hub := wshub.NewHub()
	hub.Attach(bus)
	hub.AttachStore(s, 5*time.Second)
	go hub.Run(ctx)

	publisher := streaming.NewLogPublisher()
	defer publisher.Close()

	authSecret := envOr("AUTH_SECRET", "dev-secret-change-me")
	if authSecret == "dev-secret-change-me" {
		log.Println("broker: WARNING: AUTH_SECRET not set, using an insecure development default")
	}
	issuer := auth.NewIssuer(authSecret)

	server := api.NewServer(s, disp, evictionCh, bus, hub, publisher, idemStore, issuer)

	addr := envOr("HTTP_ADDR", ":8080")
	httpServer := &http.Server{Addr: addr, Handler: server.Router()}

	go func() {
		log.Printf("broker: listening on %s", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("broker: http server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("broker: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("broker: http shutdown: %v", err)
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
}
