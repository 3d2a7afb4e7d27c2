package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mattjoyce/herald/internal/config"
)

func validConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Allowlist = []string{"git", "pytest"}
	cfg.Origin.WebhookSecret = "0123456789abcdef0123"
	cfg.Origin.Targets = []string{"dev"}
	cfg.Runner.ID = "dev"
	return cfg
}

// newDoctor resolves every executable so results do not depend on the host.
func newDoctor(cfg *config.Config, role Role) *Doctor {
	d := New(cfg, role)
	d.lookPath = func(name string) (string, error) { return "/usr/bin/" + name, nil }
	return d
}

func hasIssue(issues []Issue, category, substr string) bool {
	for _, i := range issues {
		if i.Category == category && (strings.Contains(i.Message, substr) || strings.Contains(i.Field, substr)) {
			return true
		}
	}
	return false
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := newDoctor(validConfig(), RoleAll).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingWebhookSecret(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Origin.WebhookSecret = ""

	if r := newDoctor(cfg, RoleOrigin).Validate(); r.Valid || !hasIssue(r.Errors, "origin", "webhook_secret") {
		t.Fatalf("expected origin error, got: %+v", r)
	}
	// A runner host does not need the origin's secret.
	if r := newDoctor(cfg, RoleRunner).Validate(); !r.Valid {
		t.Fatalf("runner role should ignore origin settings, got: %v", r.Errors)
	}
}

func TestValidate_BadMaxBodySize(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Origin.WebhookMaxBodySize = "lots"
	r := newDoctor(cfg, RoleOrigin).Validate()
	if r.Valid || !hasIssue(r.Errors, "origin", "webhook_max_body_size") {
		t.Fatalf("expected body size error, got: %+v", r)
	}
}

func TestValidate_UnsupportedBusURL(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Bus.URL = "amqp://broker"
	r := newDoctor(cfg, RoleAll).Validate()
	if r.Valid || !hasIssue(r.Errors, "bus", "unsupported") {
		t.Fatalf("expected bus error, got: %+v", r)
	}
}

func TestValidate_MemoryBusWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Bus.URL = "memory"
	r := newDoctor(cfg, RoleAll).Validate()
	if !r.Valid || !hasIssue(r.Warnings, "bus", "--with-runner") {
		t.Fatalf("expected bus warning, got: %+v", r)
	}
}

func TestValidate_ShellInAllowlistWarns(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Allowlist = append(cfg.Allowlist, "bash")
	r := newDoctor(cfg, RoleAll).Validate()
	if !hasIssue(r.Warnings, "allowlist", "bash") {
		t.Fatalf("expected allowlist warning, got: %v", r.Warnings)
	}
}

func TestValidate_MissingExecutableWarns(t *testing.T) {
	t.Parallel()
	d := New(validConfig(), RoleRunner)
	d.lookPath = func(name string) (string, error) {
		if name == "pytest" {
			return "", errors.New("not found")
		}
		return "/usr/bin/" + name, nil
	}
	r := d.Validate()
	if !r.Valid || !hasIssue(r.Warnings, "runner", `"pytest"`) {
		t.Fatalf("expected missing executable warning, got: %+v", r)
	}
}

func TestValidate_RunnerNotTargeted(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Runner.ID = "ci"
	r := newDoctor(cfg, RoleAll).Validate()
	if !hasIssue(r.Warnings, "runner", "not listed") {
		t.Fatalf("expected targeting warning, got: %v", r.Warnings)
	}
}

func TestValidate_PublicListenerWithoutHMAC(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Origin.Listen = "0.0.0.0:8080"
	r := newDoctor(cfg, RoleOrigin).Validate()
	if !hasIssue(r.Warnings, "origin", "HMAC") {
		t.Fatalf("expected exposure warning, got: %v", r.Warnings)
	}

	cfg.Origin.WebhookHMACKey = "k"
	r = newDoctor(cfg, RoleOrigin).Validate()
	if hasIssue(r.Warnings, "origin", "HMAC") {
		t.Fatalf("HMAC key should silence the warning, got: %v", r.Warnings)
	}
}

func TestValidate_BadSecretName(t *testing.T) {
	t.Parallel()
	cfg := validConfig()
	cfg.Runner.Secrets = map[string]string{"GH-TOKEN": "x"}
	r := newDoctor(cfg, RoleRunner).Validate()
	if r.Valid || !hasIssue(r.Errors, "runner", "GH-TOKEN") {
		t.Fatalf("expected secret name error, got: %+v", r)
	}
}

func TestValidate_Integrity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("bus:\n  url: memory\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg := validConfig()
	cfg.SourcePath = path

	r := newDoctor(cfg, RoleAll).Validate()
	if !hasIssue(r.Warnings, "integrity", "herald config lock") {
		t.Fatalf("expected missing manifest warning, got: %v", r.Warnings)
	}

	if _, err := config.Lock(path); err != nil {
		t.Fatalf("Lock() error = %v", err)
	}
	r = newDoctor(cfg, RoleAll).Validate()
	if hasIssue(r.Warnings, "integrity", "") || hasIssue(r.Errors, "integrity", "") {
		t.Fatalf("expected clean integrity, got: %+v", r)
	}

	if err := os.WriteFile(path, []byte("bus:\n  url: nats://x:4222\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	r = newDoctor(cfg, RoleAll).Validate()
	if r.Valid || !hasIssue(r.Errors, "integrity", "hash mismatch") {
		t.Fatalf("expected hash mismatch, got: %+v", r)
	}
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	if got := FormatHuman(&Result{Valid: true}); got != "Configuration valid.\n" {
		t.Errorf("FormatHuman() = %q", got)
	}

	r := &Result{
		Valid:    false,
		Errors:   []Issue{{Category: "origin", Field: "origin.listen", Message: "bad"}},
		Warnings: []Issue{{Category: "bus", Message: "memory"}},
	}
	got := FormatHuman(r)
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [origin] origin.listen: bad",
		"WARN  [bus] memory",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("FormatHuman() missing %q in:\n%s", want, got)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatalf("FormatJSON() error = %v", err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Errorf("FormatJSON() = %s", out)
	}
}
