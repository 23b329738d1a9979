//go:build integration

// Package integration_test contains end-to-end tests for the stockwatch
// service. Tests exercise the full pipeline from upstream polling through
// digest delivery using a temporary SQLite database and httptest servers for
// the upstream source and the mail relay.
package integration_test

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"stockwatch/internal/breaker"
	"stockwatch/internal/config"
	"stockwatch/internal/mailer"
	"stockwatch/internal/metrics"
	"stockwatch/internal/notify"
	"stockwatch/internal/poller"
	"stockwatch/internal/registry"
	"stockwatch/internal/server"
	"stockwatch/internal/store"
	"stockwatch/internal/upstream"
)

// receivedDigest is the relay-side view of one delivered digest.
type receivedDigest struct {
	To            string `json:"to"`
	Subject       string `json:"subject"`
	Notifications []struct {
		Model        int    `json:"model"`
		Datacenter   string `json:"datacenter"`
		StatusChange string `json:"status_change"`
	} `json:"notifications"`
}

// testEnv bundles the full pipeline for one integration test run.
type testEnv struct {
	Store       *store.SQLiteStore
	Breaker     *breaker.Breaker
	Poller      *poller.Poller
	Registry    *registry.Registry
	Broadcaster *registry.Broadcaster
	Queue       *notify.Queue
	Limiter     *notify.TieredLimiter
	Batcher     *notify.Batcher
	API         *server.Server
	Config      *config.Config

	Upstream *httptest.Server
	Relay    *httptest.Server

	mu            sync.Mutex
	available     map[string]bool // datacenter -> available
	upstreamCalls int
	upstreamDown  bool
	digests       []receivedDigest
}

// setAvailability changes what the stub upstream reports for a datacenter.
func (e *testEnv) setAvailability(datacenter string, avail bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available[datacenter] = avail
}

// setUpstreamDown makes the stub upstream answer 500 to everything.
func (e *testEnv) setUpstreamDown(down bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.upstreamDown = down
}

func (e *testEnv) upstreamCallCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.upstreamCalls
}

func (e *testEnv) receivedDigests() []receivedDigest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]receivedDigest, len(e.digests))
	copy(out, e.digests)
	return out
}

// setupTestEnv wires the whole pipeline against stub upstream and relay
// servers. The debounce window is set to one millisecond so tests can flip
// statuses by sleeping just past SQLite's one-second timestamp resolution.
func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	env := &testEnv{
		available: map[string]bool{"GRA": false, "SBG": true},
	}

	env.Upstream = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env.mu.Lock()
		env.upstreamCalls++
		down := env.upstreamDown
		type dcEntry struct {
			Datacenter string `json:"datacenter"`
			Status     string `json:"status"`
		}
		var entries []dcEntry
		for dc, avail := range env.available {
			status := "out_of_stock"
			if avail {
				status = "available"
			}
			entries = append(entries, dcEntry{Datacenter: dc, Status: status})
		}
		env.mu.Unlock()

		if down {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"datacenters": entries})
	}))
	t.Cleanup(env.Upstream.Close)

	env.Relay = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var digest receivedDigest
		if err := json.NewDecoder(r.Body).Decode(&digest); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		env.mu.Lock()
		env.digests = append(env.digests, digest)
		env.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(env.Relay.Close)

	cfg := &config.Config{
		Models:       []config.ModelConfig{{ID: 1, Name: "test-model"}},
		SharedSecret: "integration-secret",
	}
	cfg.ApplyDefaults()
	cfg.Upstream.URL = env.Upstream.URL + "/availability"
	cfg.Mailer.URL = env.Relay.URL + "/send"
	cfg.Store.DBPath = filepath.Join(t.TempDir(), "integration.db")
	cfg.Store.DebounceWindow.Duration = time.Millisecond
	cfg.Digest.InterUserDelay.Duration = 0
	cfg.Digest.RateLimitPause.Duration = 0
	env.Config = cfg

	db, err := store.NewSQLiteStore(cfg.Store.DBPath, cfg.Store.DebounceWindow.Duration, logger)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	env.Store = db

	env.Breaker = breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.RecoveryTimeout.Duration,
		cfg.Breaker.LogInterval.Duration, logger)
	fetcher := upstream.NewClient(cfg.Upstream.URL, &http.Client{Timeout: cfg.Upstream.Timeout.Duration}, logger)
	env.Poller = poller.New(fetcher, env.Breaker, db, cfg.ModelIDs(), cfg.Upstream.Timeout.Duration, logger)

	env.Registry = registry.NewRegistry(cfg.Stream.MaxConnections, cfg.Stream.PingTimeout.Duration,
		cfg.Stream.SendBuffer, logger)
	env.Broadcaster = registry.NewBroadcaster(env.Registry, logger)

	env.Queue = notify.NewQueue(db, cfg.Notifications.Cooldown.Duration, cfg.Notifications.RearmWindow.Duration,
		cfg.Notifications.MaxAttempts, cfg.Notifications.NotifyOutOfStock, logger)
	env.Limiter = notify.NewTieredLimiter(cfg.RateLimit.PerSecond, cfg.RateLimit.PerMinute, cfg.RateLimit.PerHour)
	relaySender := mailer.NewRelay(cfg.Mailer.URL, cfg.Mailer.From, "", nil,
		&http.Client{Timeout: cfg.Mailer.Timeout.Duration}, logger)
	env.Batcher = notify.NewBatcher(db, relaySender, env.Limiter, notify.BatcherConfig{
		SendTimeout:    cfg.Digest.SendTimeout.Duration,
		RunBudget:      cfg.Digest.RunBudget.Duration,
		InterUserDelay: cfg.Digest.InterUserDelay.Duration,
		RateLimitPause: cfg.Digest.RateLimitPause.Duration,
		MaxAttempts:    cfg.Notifications.MaxAttempts,
	}, logger)

	env.API = server.New(cfg, env.Poller, env.Queue, env.Batcher, env.Limiter, env.Breaker,
		env.Registry, env.Broadcaster, store.NewSnapshotDiff(), db,
		metrics.NewMetrics(prometheus.NewRegistry()), logger)

	return env
}

// settleClock sleeps past SQLite's one-second timestamp resolution so the
// next status flip clears the (millisecond) debounce window.
func settleClock() {
	time.Sleep(1100 * time.Millisecond)
}
