package main

import (
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	coreset "github.com/corazawaf/coraza-coreruleset/v4"
	"github.com/corazawaf/coraza/v3"
)

// Inspector runs captured requests through a Coraza engine loaded with the
// OWASP core rule set plus any custom rules. It runs in detection-only mode:
// matches become findings on the capture, the sink response is untouched.
type Inspector struct {
	mu  sync.RWMutex
	waf coraza.WAF
	log *Logger
}

// NewInspector builds the inspection engine. customRulesPath may be empty.
func NewInspector(customRulesPath string, logger *Logger) (*Inspector, error) {
	waf, err := buildWAF(customRulesPath)
	if err != nil {
		return nil, err
	}
	return &Inspector{waf: waf, log: logger}, nil
}

// buildWAF sets up the Coraza engine with core rule set and custom rules
func buildWAF(customRulesPath string) (coraza.WAF, error) {
	wafConfig := coraza.NewWAFConfig()

	// Only request bodies matter here; the sink never inspects its own replies
	wafConfig = wafConfig.WithRequestBodyAccess()
	wafConfig = wafConfig.WithRequestBodyLimit(10 * 1024 * 1024) // 10MB

	// Core rule set, then force detection-only: the tool observes, never blocks
	directives := `
	# Include Coraza recommended configuration
	Include @coraza.conf-recommended

	# Include CRS setup configuration
	Include @crs-setup.conf.example

	# Include OWASP CRS rules
	Include @owasp_crs/*.conf

	SecRuleEngine DetectionOnly
	`

	wafConfig = wafConfig.WithDirectives(directives).WithRootFS(coreset.FS)

	// Load custom rules if path is provided
	if customRulesPath != "" {
		var customDirectives strings.Builder
		files, err := filepath.Glob(filepath.Join(customRulesPath, "*.conf"))
		if err == nil && len(files) > 0 {
			for _, file := range files {
				customDirectives.WriteString(fmt.Sprintf("Include %s\n", file))
			}

			wafConfig = wafConfig.WithDirectives(customDirectives.String())
		}
	}

	waf, err := coraza.NewWAF(wafConfig)
	if err != nil {
		return nil, fmt.Errorf("error initializing inspection engine: %w", err)
	}

	return waf, nil
}

// Reload rebuilds the engine from the rules directory and swaps it in.
func (ins *Inspector) Reload(customRulesPath string) error {
	waf, err := buildWAF(customRulesPath)
	if err != nil {
		return err
	}

	ins.mu.Lock()
	ins.waf = waf
	ins.mu.Unlock()
	return nil
}

// Inspect evaluates one captured request and returns a finding string per
// matched rule that carries a message.
func (ins *Inspector) Inspect(method, uri, proto string, header http.Header, body []byte) []string {
	ins.mu.RLock()
	waf := ins.waf
	ins.mu.RUnlock()

	tx := waf.NewTransaction()
	defer func() {
		tx.ProcessLogging()
		tx.Close()
	}()

	tx.ProcessURI(uri, method, proto)

	for name, values := range header {
		for _, value := range values {
			tx.AddRequestHeader(name, value)
		}
	}
	tx.ProcessRequestHeaders()

	if len(body) > 0 {
		if _, _, err := tx.WriteRequestBody(body); err != nil {
			ins.log.Warnf("Error writing body to inspection engine: %v", err)
		}
		if _, err := tx.ProcessRequestBody(); err != nil {
			ins.log.Warnf("Error inspecting request body: %v", err)
		}
	}

	var findings []string
	for _, match := range tx.MatchedRules() {
		if match.Message() == "" {
			continue
		}
		findings = append(findings, fmt.Sprintf("rule %d: %s", match.Rule().ID(), match.Message()))
	}
	return findings
}
