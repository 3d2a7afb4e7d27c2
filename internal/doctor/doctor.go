// Package doctor validates herald configuration beyond what loading
// enforces, and reports errors and warnings per role.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/mattjoyce/herald/internal/bus"
	"github.com/mattjoyce/herald/internal/config"
	"github.com/mattjoyce/herald/internal/webhook"
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

// Role limits validation to the settings one process depends on.
type Role string

const (
	RoleAll    Role = ""
	RoleOrigin Role = "origin"
	RoleRunner Role = "runner"
)

var (
	envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	shells         = []string{"sh", "bash", "zsh", "dash", "fish", "env", "xargs"}
)

const minSecretLength = 16

// Doctor validates one loaded configuration.
type Doctor struct {
	cfg  *config.Config
	role Role
	// lookPath resolves executables on the runner host.
	lookPath func(string) (string, error)
}

// New creates a Doctor for cfg.
func New(cfg *config.Config, role Role) *Doctor {
	return &Doctor{cfg: cfg, role: role, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateBus(r)
	d.warnRiskyAllowlist(r)
	if d.role != RoleRunner {
		d.validateOrigin(r)
		d.warnWebhookExposure(r)
	}
	if d.role != RoleOrigin {
		d.validateRunner(r)
		d.warnMissingExecutables(r)
	}
	if d.role == RoleAll {
		d.warnRunnerNotTargeted(r)
	}
	d.checkIntegrity(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) validateBus(r *Result) {
	if d.cfg.Bus.URL == bus.MemoryURL {
		d.addWarning(r, "bus", "bus.url",
			"in-process bus only works with `herald system start --with-runner`")
		return
	}
	if !strings.HasPrefix(d.cfg.Bus.URL, "nats://") && !strings.HasPrefix(d.cfg.Bus.URL, "tls://") {
		d.addError(r, "bus", "bus.url", fmt.Sprintf("unsupported bus url %q (expected nats://, tls:// or memory)", d.cfg.Bus.URL))
	}
}

// warnRiskyAllowlist flags entries that can run arbitrary programs.
func (d *Doctor) warnRiskyAllowlist(r *Result) {
	for i, name := range d.cfg.Allowlist {
		if slices.Contains(shells, name) {
			d.addWarning(r, "allowlist", fmt.Sprintf("allowlist[%d]", i),
				fmt.Sprintf("%q can run any command; allowlisting it bypasses the allowlist", name))
		}
	}
	if len(d.cfg.Allowlist) == 0 {
		d.addWarning(r, "allowlist", "allowlist",
			"no allowlist configured; the built-in default applies: "+strings.Join(config.DefaultAllowlist, ", "))
	}
}

func (d *Doctor) validateOrigin(r *Result) {
	if err := d.cfg.ValidateOrigin(); err != nil {
		d.addError(r, "origin", "", err.Error())
		return
	}
	if _, err := webhook.FromOriginConfig(d.cfg.Origin); err != nil {
		d.addError(r, "origin", "origin.webhook_max_body_size", err.Error())
	}
	if len(d.cfg.Origin.WebhookSecret) < minSecretLength {
		d.addWarning(r, "origin", "origin.webhook_secret",
			fmt.Sprintf("webhook secret is shorter than %d characters", minSecretLength))
	}
	seen := make(map[string]bool, len(d.cfg.Origin.Targets))
	for i, t := range d.cfg.Origin.Targets {
		if seen[t] {
			d.addWarning(r, "origin", fmt.Sprintf("origin.targets[%d]", i), fmt.Sprintf("duplicate target %q", t))
		}
		seen[t] = true
	}
	if d.cfg.Origin.DefaultTimeout > 24*time.Hour {
		d.addWarning(r, "origin", "origin.default_timeout",
			fmt.Sprintf("default timeout %s is longer than a day", d.cfg.Origin.DefaultTimeout))
	}
}

// warnWebhookExposure flags a public listener without signature checks.
func (d *Doctor) warnWebhookExposure(r *Result) {
	host, _, err := net.SplitHostPort(d.cfg.Origin.Listen)
	if err != nil {
		d.addError(r, "origin", "origin.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.Origin.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	if d.cfg.Origin.WebhookHMACKey == "" {
		d.addWarning(r, "origin", "origin.webhook_hmac_key",
			"webhook listens beyond loopback without HMAC verification")
	}
}

func (d *Doctor) validateRunner(r *Result) {
	if d.cfg.Runner.ID == "" {
		d.addError(r, "runner", "runner.id", "runner.id is required")
	}
	for k := range d.cfg.Runner.Secrets {
		if !envNamePattern.MatchString(k) {
			d.addError(r, "runner", "runner.secrets."+k, "secret name is not a valid environment variable name")
		}
	}
	if w := d.cfg.Runner.Stream.Window; w > 30*time.Second {
		d.addWarning(r, "runner", "runner.stream.window",
			fmt.Sprintf("batch window %s delays chat output noticeably", w))
	}
	if d.cfg.Runner.MaxJobs > 0 && d.cfg.Origin.MaxRunningPerOrigin > d.cfg.Runner.MaxJobs {
		d.addWarning(r, "runner", "runner.max_jobs",
			"max_jobs is lower than origin.max_running_per_origin; a single chat can fill the runner")
	}
}

// warnMissingExecutables reports allowlisted names absent from PATH.
func (d *Doctor) warnMissingExecutables(r *Result) {
	for _, name := range d.cfg.BuildAllowlist().Names() {
		if _, err := d.lookPath(name); err != nil {
			d.addWarning(r, "runner", "allowlist",
				fmt.Sprintf("%q is allowlisted but not found on PATH", name))
		}
	}
}

func (d *Doctor) warnRunnerNotTargeted(r *Result) {
	if d.cfg.Runner.ID != "" && !slices.Contains(d.cfg.Origin.Targets, d.cfg.Runner.ID) {
		d.addWarning(r, "runner", "runner.id",
			fmt.Sprintf("runner %q is not listed in origin.targets", d.cfg.Runner.ID))
	}
}

// checkIntegrity verifies the BLAKE3 manifest when the config has a source file.
func (d *Doctor) checkIntegrity(r *Result) {
	if d.cfg.SourcePath == "" {
		return
	}
	if _, err := config.LoadChecksums(filepath.Dir(d.cfg.SourcePath)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.addWarning(r, "integrity", config.ChecksumFile, "no checksum manifest; run `herald config lock`")
			return
		}
		d.addError(r, "integrity", config.ChecksumFile, err.Error())
		return
	}
	if err := config.VerifyChecksumIfPresent(d.cfg.SourcePath); err != nil {
		d.addError(r, "integrity", filepath.Base(d.cfg.SourcePath), err.Error())
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
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
