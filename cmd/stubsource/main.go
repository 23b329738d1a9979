// Package main implements a stub upstream and mail relay for exercising
// stockwatch end to end without external services. It serves the availability
// endpoint in both supported response shapes and accepts digest posts the way
// the real relay would, with configurable failure behavior.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

type options struct {
	port        int
	mode        string  // success | failure | delay | random | invalid
	delayMs     int
	failureRate float64
	flipEvery   int // flip one datacenter's status every N availability requests
}

// stub holds the mutable state of the simulator.
type stub struct {
	opts options

	mu          sync.Mutex
	requests    int
	digests     int
	failures    int
	duplicates  int
	seen        map[string]bool // accepted X-Request-ID values
	datacenters map[string]bool // datacenter -> available
}

func main() {
	opts := options{}
	flag.IntVar(&opts.port, "port", 9090, "listen port")
	flag.StringVar(&opts.mode, "mode", "success", "behavior mode: success, failure, delay, random, invalid")
	flag.IntVar(&opts.delayMs, "delay-ms", 2000, "response delay for mode=delay")
	flag.Float64Var(&opts.failureRate, "failure-rate", 0.3, "failure probability for mode=random")
	flag.IntVar(&opts.flipEvery, "flip-every", 5, "flip one datacenter status every N availability requests")
	flag.Parse()

	s := &stub{
		opts: opts,
		seen: make(map[string]bool),
		datacenters: map[string]bool{
			"GRA": false,
			"SBG": true,
			"BHS": false,
			"WAW": true,
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/availability", s.handleAvailability)
	mux.HandleFunc("/send", s.handleSend)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)

	addr := fmt.Sprintf(":%d", opts.port)
	log.Printf("stubsource listening on %s (mode=%s)", addr, opts.mode)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

// handleAvailability serves GET /availability?model=N&shape=preferred|legacy.
// The shape alternates per request when not pinned, so both normalizer paths
// get exercised. Every flip-every requests one datacenter changes status.
func (s *stub) handleAvailability(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}

	if !s.applyBehavior(w) {
		return
	}

	s.mu.Lock()
	s.requests++
	if s.opts.flipEvery > 0 && s.requests%s.opts.flipEvery == 0 {
		s.flipOneLocked()
	}
	snapshot := make(map[string]bool, len(s.datacenters))
	for dc, avail := range s.datacenters {
		snapshot[dc] = avail
	}
	legacy := s.requests%2 == 0
	s.mu.Unlock()

	shape := r.URL.Query().Get("shape")
	if shape == "" {
		if legacy {
			shape = "legacy"
		} else {
			shape = "preferred"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if shape == "legacy" {
		var available, unavailable []string
		for dc, avail := range snapshot {
			if avail {
				available = append(available, dc)
			} else {
				unavailable = append(unavailable, dc)
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"available_datacenters":   available,
			"unavailable_datacenters": unavailable,
		})
		return
	}

	type dcEntry struct {
		Datacenter string `json:"datacenter"`
		Status     string `json:"status"`
	}
	entries := make([]dcEntry, 0, len(snapshot))
	for dc, avail := range snapshot {
		status := "out_of_stock"
		if avail {
			status = "available"
		}
		entries = append(entries, dcEntry{Datacenter: dc, Status: status})
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"datacenters": entries,
	})
}

// handleSend is the mail relay sink: POST /send with a JSON digest body.
func (s *stub) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		http.Error(w, `{"error":"Content-Type must be application/json"}`, http.StatusUnsupportedMediaType)
		return
	}
	requestID := r.Header.Get("X-Request-ID")
	if requestID == "" {
		http.Error(w, `{"error":"missing required header: X-Request-ID"}`, http.StatusBadRequest)
		return
	}

	// A retried request with an already-accepted id is acknowledged without
	// being counted as a second delivery.
	s.mu.Lock()
	if s.seen[requestID] {
		s.duplicates++
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"status":"duplicate"}`)
		return
	}
	s.mu.Unlock()

	var digest struct {
		To            string `json:"to"`
		Subject       string `json:"subject"`
		Notifications []struct {
			Model        int    `json:"model"`
			Datacenter   string `json:"datacenter"`
			StatusChange string `json:"status_change"`
		} `json:"notifications"`
	}
	if err := json.NewDecoder(r.Body).Decode(&digest); err != nil {
		http.Error(w, fmt.Sprintf(`{"error":"invalid JSON: %s"}`, err.Error()), http.StatusBadRequest)
		return
	}

	if !s.applyBehavior(w) {
		s.mu.Lock()
		s.failures++
		s.mu.Unlock()
		return
	}

	s.mu.Lock()
	s.digests++
	s.seen[requestID] = true
	s.mu.Unlock()

	log.Printf("digest: to=%s subject=%q notifications=%d", digest.To, digest.Subject, len(digest.Notifications))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"sent"}`)
}

func (s *stub) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"availability_requests": s.requests,
		"digests_accepted":      s.digests,
		"digests_failed":        s.failures,
		"digests_duplicate":     s.duplicates,
		"datacenters":           s.datacenters,
	})
}

func (s *stub) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, `{"status":"ok"}`)
}

// applyBehavior enacts the configured failure mode. It returns false when it
// already wrote an error response.
func (s *stub) applyBehavior(w http.ResponseWriter) bool {
	switch s.opts.mode {
	case "failure":
		http.Error(w, `{"error":"simulated failure"}`, http.StatusServiceUnavailable)
		return false
	case "delay":
		time.Sleep(time.Duration(s.opts.delayMs) * time.Millisecond)
		return true
	case "random":
		if rand.Float64() < s.opts.failureRate {
			http.Error(w, `{"error":"simulated random failure"}`, http.StatusInternalServerError)
			return false
		}
		return true
	case "invalid":
		// A 200 response the normalizer cannot make sense of.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"surprise":"this is not an availability payload"}`)
		return false
	default: // "success"
		return true
	}
}

// flipOneLocked toggles the availability of one datacenter, round-robin by
// request count. Callers must hold the mutex.
func (s *stub) flipOneLocked() {
	names := []string{"GRA", "SBG", "BHS", "WAW"}
	dc := names[(s.requests/s.opts.flipEvery)%len(names)]
	s.datacenters[dc] = !s.datacenters[dc]
	log.Printf("flipped %s -> available=%v", dc, s.datacenters[dc])
}
