package main

import (
	"encoding/hex"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// ResponseBody is the exact reply every successfully logged POST receives.
const ResponseBody = "Request received successfully"

const hexExcerptLen = 16

// Sink accepts POST requests on any path, dumps them to the log between
// banner lines, records them in the capture store, and replies 200.
type Sink struct {
	// Serializes request handling so banner dumps never interleave and the
	// behavior matches a one-connection-at-a-time loop.
	mu sync.Mutex

	log       *Logger
	store     Store
	inspector *Inspector // may be nil
}

// NewSink creates the sink handler. inspector may be nil to disable
// payload inspection.
func NewSink(logger *Logger, store Store, inspector *Inspector) *Sink {
	return &Sink{
		log:       logger,
		store:     store,
		inspector: inspector,
	}
}

func (s *Sink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch r.Method {
	case http.MethodPost:
		s.handlePost(w, r)
	default:
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Sink) handlePost(w http.ResponseWriter, r *http.Request) {
	// A malformed Content-Length is a 400 for that request only; the
	// listener keeps serving.
	length, err := strconv.Atoi(r.Header.Get("Content-Length"))
	if err != nil || length < 0 {
		s.log.Warnf("Rejected POST %s: missing or invalid Content-Length %q", r.URL.Path, r.Header.Get("Content-Length"))
		http.Error(w, "missing or invalid Content-Length", http.StatusBadRequest)
		return
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r.Body, body); err != nil {
		s.log.Warnf("Rejected POST %s: body shorter than Content-Length: %v", r.URL.Path, err)
		http.Error(w, "request body shorter than Content-Length", http.StatusBadRequest)
		return
	}

	bodyText := decodeBody(body)
	s.log.Infof("\n--- RECEIVED REQUEST ---\nPath: %s\nHeaders:\n%sBody:\n%s\n----------------------", r.URL.Path, formatHeaders(r.Header), bodyText)

	var findings []string
	if s.inspector != nil {
		findings = s.inspector.Inspect(r.Method, r.URL.RequestURI(), r.Proto, r.Header, body)
		for _, finding := range findings {
			s.log.Infof("Inspection finding for %s: %s", r.URL.Path, finding)
		}
	}

	if _, err := s.store.Save(Capture{
		Method:     r.Method,
		Path:       r.URL.Path,
		Headers:    r.Header,
		Body:       bodyText,
		ReceivedAt: time.Now(),
		Findings:   findings,
	}); err != nil {
		// Capture failures must not affect the system under test.
		s.log.Warnf("Failed to save capture for %s: %v", r.URL.Path, err)
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ResponseBody))
}

// decodeBody renders a request body for logging. Valid UTF-8 is logged
// verbatim; anything else becomes a byte count plus a short hex excerpt so
// a binary payload cannot corrupt the log stream.
func decodeBody(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}

	excerpt := body
	truncated := ""
	if len(excerpt) > hexExcerptLen {
		excerpt = excerpt[:hexExcerptLen]
		truncated = "..."
	}
	return "<" + strconv.Itoa(len(body)) + " bytes, not valid UTF-8: " + hex.EncodeToString(excerpt) + truncated + ">"
}

// formatHeaders renders the header block one "Name: value" line per value,
// sorted by name for a stable dump.
func formatHeaders(h http.Header) string {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		for _, value := range h[name] {
			b.WriteString(name)
			b.WriteString(": ")
			b.WriteString(value)
			b.WriteString("\n")
		}
	}
	return b.String()
}
