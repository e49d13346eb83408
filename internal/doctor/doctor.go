// Package doctor checks a loaded configuration against the manifest and
// handlers it will be served with.
package doctor

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/mattjoyce/taproom/internal/auth"
	"github.com/mattjoyce/taproom/internal/config"
	"github.com/mattjoyce/taproom/internal/dispatch"
	"github.com/mattjoyce/taproom/internal/plugin"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration against a manifest and its handlers.
type Doctor struct {
	cfg      *config.Config
	manifest *plugin.Manifest
	handlers map[string]dispatch.HandlerFunc
}

// New creates a Doctor. handlers may be nil to skip binding checks.
func New(cfg *config.Config, manifest *plugin.Manifest, handlers map[string]dispatch.HandlerFunc) *Doctor {
	return &Doctor{cfg: cfg, manifest: manifest, handlers: handlers}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateIdentity(r)
	d.validateBindings(r)
	d.validateBroker(r)
	d.validateUpdater(r)
	d.validatePayload(r)
	d.validateAPIConfig(r)
	d.validateTokenScopes(r)
	d.warnTracing(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateIdentity compares the configured system with the manifest.
func (d *Doctor) validateIdentity(r *Result) {
	if d.manifest == nil {
		d.addError(r, "manifest", "plugin.manifest", "no manifest loaded")
		return
	}
	if !strings.EqualFold(d.manifest.Name, d.cfg.Plugin.Name) {
		d.addWarning(r, "manifest", "plugin.name",
			fmt.Sprintf("configured system %q differs from manifest name %q", d.cfg.Plugin.Name, d.manifest.Name))
	}
	if d.manifest.Version != d.cfg.Plugin.Version {
		d.addWarning(r, "manifest", "plugin.version",
			fmt.Sprintf("configured version %q differs from manifest version %q", d.cfg.Plugin.Version, d.manifest.Version))
	}
}

// validateBindings checks every declared command has a handler.
func (d *Doctor) validateBindings(r *Result) {
	if d.manifest == nil || d.handlers == nil {
		return
	}
	declared := make(map[string]struct{}, len(d.manifest.Commands))
	for _, cmd := range d.manifest.Commands {
		declared[cmd.Name] = struct{}{}
		if _, ok := d.handlers[cmd.Name]; !ok {
			d.addError(r, "bindings", "commands."+cmd.Name,
				fmt.Sprintf("command %q has no implementation", cmd.Name))
		}
	}

	var unused []string
	for name := range d.handlers {
		if _, ok := declared[name]; !ok {
			unused = append(unused, name)
		}
	}
	sort.Strings(unused)
	for _, name := range unused {
		d.addWarning(r, "bindings", "", fmt.Sprintf("handler %q is not declared in the manifest and will not be served", name))
	}
}

func (d *Doctor) validateBroker(r *Result) {
	u, err := url.Parse(d.cfg.Broker.URL)
	if err != nil {
		d.addError(r, "broker", "broker.url", fmt.Sprintf("invalid url: %v", err))
		return
	}
	switch u.Scheme {
	case "amqp":
		if u.User != nil && u.User.Username() == "guest" && !isLoopback(u.Hostname()) {
			d.addWarning(r, "broker", "broker.url", "guest credentials only work against a local broker")
		}
	case "amqps":
	default:
		d.addError(r, "broker", "broker.url", fmt.Sprintf("scheme must be amqp or amqps (got %q)", u.Scheme))
	}
	if d.cfg.Broker.MaxConnectRetries < 0 {
		d.addWarning(r, "broker", "broker.max_connect_retries", "negative retries; the consumer will retry forever")
	}
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

func (d *Doctor) validateUpdater(r *Result) {
	u := &d.cfg.Updater
	if u.StartingTimeout > u.MaxTimeout {
		d.addWarning(r, "updater", "updater.starting_timeout",
			fmt.Sprintf("starting_timeout %s exceeds max_timeout %s; every retry waits max_timeout", u.StartingTimeout, u.MaxTimeout))
	}
}

func (d *Doctor) validatePayload(r *Result) {
	p := d.cfg.Payload
	if p.Backend == config.PayloadBackendSQLite {
		if info, err := os.Stat(p.SQLitePath); err == nil && info.IsDir() {
			d.addError(r, "payload", "payload.sqlite_path", fmt.Sprintf("%q is a directory", p.SQLitePath))
		} else if _, err := os.Stat(filepath.Dir(p.SQLitePath)); os.IsNotExist(err) {
			d.addWarning(r, "payload", "payload.sqlite_path", fmt.Sprintf("directory %q will be created", filepath.Dir(p.SQLitePath)))
		}
	}
	if info, err := os.Stat(p.WorkingDir); err == nil && !info.IsDir() {
		d.addError(r, "payload", "payload.working_dir", fmt.Sprintf("%q is not a directory", p.WorkingDir))
	}
}

// validateAPIConfig checks API server settings.
func (d *Doctor) validateAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Token == "" && len(d.cfg.API.Tokens) == 0 {
		d.addWarning(r, "api", "api.token", "API enabled but no authentication configured")
	}
}

// validateTokenScopes checks that scoped tokens only name known scopes.
func (d *Doctor) validateTokenScopes(r *Result) {
	known := map[string]bool{auth.ScopeAll: true, auth.ScopeStatusRO: true, auth.ScopeEventsRO: true}
	for i, token := range d.cfg.API.Tokens {
		for j, scope := range token.Scopes {
			if !known[strings.TrimSpace(scope)] {
				d.addError(r, "token_scopes", fmt.Sprintf("api.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected %s, %s or %s)", scope, auth.ScopeStatusRO, auth.ScopeEventsRO, auth.ScopeAll))
			}
		}
	}
}

func (d *Doctor) warnTracing(r *Result) {
	if d.cfg.Tracing.Enabled && d.cfg.Tracing.Endpoint == "" {
		d.addWarning(r, "tracing", "tracing.endpoint", "no endpoint set; the OTLP exporter falls back to its environment defaults")
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
