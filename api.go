package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/montanaflynn/stats"
)

// API serves captured requests on a separate listener: list them, fetch one,
// replay one against a target, and summarize traffic.
type API struct {
	store   Store
	log     *Logger
	limiter *RateLimiter
	client  *http.Client
	router  *mux.Router
}

// NewAPI builds the capture API. The limiter guards /repeat so replays
// cannot flood the target.
func NewAPI(store Store, logger *Logger, limiter *RateLimiter) *API {
	router := mux.NewRouter()

	api := &API{
		store:   store,
		log:     logger,
		limiter: limiter,
		client:  &http.Client{Timeout: 30 * time.Second},
		router:  router,
	}

	router.HandleFunc("/requests", api.ListRequests).Methods(http.MethodGet)
	router.HandleFunc("/requests/{request_id:[0-9]+}", api.GetRequest).Methods(http.MethodGet)
	router.HandleFunc("/repeat/{request_id:[0-9]+}", api.RepeatRequest).Methods(http.MethodPost)
	router.HandleFunc("/stats", api.Stats).Methods(http.MethodGet)

	return api
}

func (api *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	api.router.ServeHTTP(w, r)
}

func (api *API) ListRequests(w http.ResponseWriter, r *http.Request) {
	captures, err := api.store.List()
	if err != nil {
		api.log.Warnf("Listing captures failed: %v", err)
		http.Error(w, "listing captures failed", http.StatusInternalServerError)
		return
	}
	if captures == nil {
		captures = []Capture{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(captures); err != nil {
		api.log.Warnf("Encoding captures failed: %v", err)
	}
}

func (api *API) GetRequest(w http.ResponseWriter, r *http.Request) {
	capture, ok := api.lookupCapture(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(capture); err != nil {
		api.log.Warnf("Encoding capture failed: %v", err)
	}
}

// RepeatRequest re-sends a capture to the base URL given in ?target= and
// relays the target's status and body. The sink itself has no upstream, so
// the caller names where the replay should go.
func (api *API) RepeatRequest(w http.ResponseWriter, r *http.Request) {
	if !api.limiter.Allow() {
		http.Error(w, "repeat rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	capture, ok := api.lookupCapture(w, r)
	if !ok {
		return
	}

	target := r.URL.Query().Get("target")
	targetURL, err := url.Parse(target)
	if err != nil || targetURL.Scheme == "" || targetURL.Host == "" {
		http.Error(w, "missing or invalid target parameter", http.StatusBadRequest)
		return
	}

	replayURL := strings.TrimSuffix(targetURL.String(), "/") + capture.Path
	req, err := http.NewRequestWithContext(r.Context(), capture.Method, replayURL, strings.NewReader(capture.Body))
	if err != nil {
		http.Error(w, fmt.Sprintf("building replay request: %v", err), http.StatusBadRequest)
		return
	}
	for name, values := range capture.Headers {
		// The client computes these for the replayed body itself.
		if name == "Content-Length" || name == "Host" {
			continue
		}
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}

	api.log.Infof("Repeating capture %d to %s", capture.ID, replayURL)

	resp, err := api.client.Do(req)
	if err != nil {
		api.log.Warnf("Repeat of capture %d failed: %v", capture.ID, err)
		http.Error(w, fmt.Sprintf("replay failed: %v", err), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		api.log.Warnf("Relaying replay response failed: %v", err)
	}
}

// TrafficStats summarizes body sizes of retained captures.
type TrafficStats struct {
	Count           int     `json:"count"`
	MinBodyBytes    float64 `json:"min_body_bytes"`
	MeanBodyBytes   float64 `json:"mean_body_bytes"`
	MedianBodyBytes float64 `json:"median_body_bytes"`
	P95BodyBytes    float64 `json:"p95_body_bytes"`
	MaxBodyBytes    float64 `json:"max_body_bytes"`
}

func (api *API) Stats(w http.ResponseWriter, r *http.Request) {
	captures, err := api.store.List()
	if err != nil {
		api.log.Warnf("Listing captures failed: %v", err)
		http.Error(w, "listing captures failed", http.StatusInternalServerError)
		return
	}

	summary := TrafficStats{Count: len(captures)}
	if len(captures) > 0 {
		sizes := make([]float64, len(captures))
		for i, c := range captures {
			sizes[i] = float64(len(c.Body))
		}

		summary.MinBodyBytes, _ = stats.Min(sizes)
		summary.MeanBodyBytes, _ = stats.Mean(sizes)
		summary.MedianBodyBytes, _ = stats.Median(sizes)
		summary.P95BodyBytes, _ = stats.Percentile(sizes, 95)
		summary.MaxBodyBytes, _ = stats.Max(sizes)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(summary); err != nil {
		api.log.Warnf("Encoding stats failed: %v", err)
	}
}

// lookupCapture resolves the request_id route variable, writing a 404 when
// the capture does not exist.
func (api *API) lookupCapture(w http.ResponseWriter, r *http.Request) (Capture, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["request_id"], 10, 64)
	if err != nil {
		http.Error(w, "invalid capture id", http.StatusNotFound)
		return Capture{}, false
	}

	capture, err := api.store.Get(id)
	if err == ErrNotFound {
		http.Error(w, "capture not found", http.StatusNotFound)
		return Capture{}, false
	}
	if err != nil {
		api.log.Warnf("Fetching capture %d failed: %v", id, err)
		http.Error(w, "fetching capture failed", http.StatusInternalServerError)
		return Capture{}, false
	}
	return capture, true
}
