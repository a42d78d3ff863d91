package main

import (
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SinkAddr is where the sink listens. Systems under test are pointed at this
// address, so it is a constant rather than a config field.
const SinkAddr = "localhost:8081"

// Config represents the server configuration
type Config struct {
	Capture struct {
		MaxRequests int `yaml:"max_requests"`
	} `yaml:"capture"`

	Storage struct {
		Backend string `yaml:"backend"`
		DSN     string `yaml:"dsn"`
	} `yaml:"storage"`

	API struct {
		Listen string `yaml:"listen"`
	} `yaml:"api"`

	Repeat struct {
		RequestsPerSecond int `yaml:"requests_per_second"`
		Burst             int `yaml:"burst"`
	} `yaml:"repeat"`

	Inspection struct {
		Enabled         bool   `yaml:"enabled"`
		CustomRulesPath string `yaml:"custom_rules_path"`
	} `yaml:"inspection"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// defaultConfig returns the configuration used when no config file is given,
// so the binary works with zero setup.
func defaultConfig() Config {
	var config Config
	config.Capture.MaxRequests = 1000
	config.Storage.Backend = "memory"
	config.API.Listen = "127.0.0.1:8090"
	config.Repeat.RequestsPerSecond = 5
	config.Repeat.Burst = 10
	config.Log.Level = "info"
	return config
}

// RateLimiter implements a simple token bucket rate limiter
type RateLimiter struct {
	tokens         int
	capacity       int
	refillRate     int
	lastRefillTime time.Time
	mu             chan struct{} // Simple mutex using a channel
}

// NewRateLimiter creates a new rate limiter with the given capacity and refill rate
func NewRateLimiter(requestsPerSecond, burst int) *RateLimiter {
	return &RateLimiter{
		tokens:         burst,
		capacity:       burst,
		refillRate:     requestsPerSecond,
		lastRefillTime: time.Now(),
		mu:             make(chan struct{}, 1),
	}
}

// Allow checks if a request should be allowed based on the rate limit
func (l *RateLimiter) Allow() bool {
	l.mu <- struct{}{}        // Acquire lock
	defer func() { <-l.mu }() // Release lock

	now := time.Now()
	elapsed := now.Sub(l.lastRefillTime)
	l.lastRefillTime = now

	// Refill tokens based on elapsed time
	newTokens := int(float64(l.refillRate) * elapsed.Seconds())
	if newTokens > 0 {
		l.tokens = min(l.capacity, l.tokens+newTokens)
	}

	if l.tokens > 0 {
		l.tokens--
		return true
	}

	return false
}

func main() {
	// Parse command line arguments
	configPath := flag.String("config", "", "Path to configuration file (optional)")
	flag.Parse()

	// Load configuration, falling back to defaults when no file is given
	config := defaultConfig()
	if *configPath != "" {
		var err error
		config, err = loadConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}

	logger := NewLogger(os.Stdout, ParseLevel(config.Log.Level))

	// Set up the capture store
	var store Store
	switch config.Storage.Backend {
	case "", "memory":
		store = NewMemoryStore(config.Capture.MaxRequests)
	case "postgres":
		pgStore, err := NewPostgresStore(config.Storage.DSN, 10)
		if err != nil {
			logger.Fatalf("Failed to connect capture store: %v", err)
		}
		defer pgStore.Close()
		store = pgStore
	default:
		logger.Fatalf("Unknown storage backend: %q", config.Storage.Backend)
	}

	// Initialize payload inspection if enabled
	var inspector *Inspector
	if config.Inspection.Enabled {
		var err error
		inspector, err = NewInspector(config.Inspection.CustomRulesPath, logger)
		if err != nil {
			logger.Fatalf("Failed to initialize inspector: %v", err)
		}

		// Watch custom rules directory for changes if specified
		if config.Inspection.CustomRulesPath != "" {
			go watchRulesDirectory(config.Inspection.CustomRulesPath, inspector, logger)
		}
	}

	go func() {
		logger.Debugf("Starting pprof on :6060")
		if err := http.ListenAndServe("localhost:6060", nil); err != nil {
			logger.Warnf("pprof server error: %v", err)
		}
	}()

	// Start the capture API on its own listener
	api := NewAPI(store, logger, NewRateLimiter(config.Repeat.RequestsPerSecond, config.Repeat.Burst))
	go func() {
		logger.Infof("Capture API listening on http://%s", config.API.Listen)
		apiServer := &http.Server{
			Addr:    config.API.Listen,
			Handler: api,
		}
		if err := apiServer.ListenAndServe(); err != nil {
			logger.Warnf("Capture API server error: %v", err)
		}
	}()

	// Create the sink server
	server := &http.Server{
		Addr:    SinkAddr,
		Handler: NewSink(logger, store, inspector),
	}

	// Start the server
	logger.Infof("Mock downstream server listening on http://%s", SinkAddr)
	logger.Fatalf("%v", server.ListenAndServe())
}

// loadConfig loads the configuration from the specified file
func loadConfig(path string) (Config, error) {
	config := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("error reading config file: %w", err)
	}

	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return config, fmt.Errorf("error parsing config file: %w", err)
	}

	return config, nil
}

// watchRulesDirectory monitors the custom rules directory for changes and reloads rules
func watchRulesDirectory(rulesPath string, inspector *Inspector, logger *Logger) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warnf("Error setting up file watcher: %v", err)
		return
	}
	defer watcher.Close()

	err = watcher.Add(rulesPath)
	if err != nil {
		logger.Warnf("Error watching rules directory: %v", err)
		return
	}

	logger.Infof("Watching for changes in custom rules directory: %s", rulesPath)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 && filepath.Ext(event.Name) == ".conf" {
				logger.Infof("Detected changes in %s, reloading rules", event.Name)

				if err := inspector.Reload(rulesPath); err != nil {
					logger.Warnf("Failed to reload inspection rules: %v", err)
					continue
				}
				logger.Infof("Inspection rules reloaded successfully")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			logger.Warnf("Watcher error: %v", err)
		}
	}
}
