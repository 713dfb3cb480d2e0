package dynsecrets

import (
	"regexp"
	"strings"
	"testing"
	"time"
)

// TestExpandUsername_RoleAndRandom verifies the documented template
// "v_{{role}}_{{random:8}}" output shape.
func TestExpandUsername_RoleAndRandom(t *testing.T) {
	got, err := ExpandUsername("v_{{role}}_{{random:8}}", "r", time.Now())
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}

	if !regexp.MustCompile(`^v_r_[a-z0-9]{8}$`).MatchString(got) {
		t.Errorf("username %q does not match ^v_r_[a-z0-9]{8}$", got)
	}
}

func TestExpandUsername_Placeholders(t *testing.T) {
	now := time.Unix(1700000000, 0)

	got, err := ExpandUsername("u_{{role}}_{{timestamp}}", "app-reader", now)
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}
	// The dash in the role is sanitized to an underscore
	if got != "u_app_reader_1700000000" {
		t.Errorf("username = %q", got)
	}

	got, err = ExpandUsername("x_{{uuid}}", "r", now)
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}
	if !regexp.MustCompile(`^x_[0-9a-f]{8}$`).MatchString(got) {
		t.Errorf("uuid username = %q", got)
	}
}

func TestExpandUsername_TruncatesAt63(t *testing.T) {
	long := strings.Repeat("a", 80)
	got, err := ExpandUsername("{{role}}", long, time.Now())
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}
	if len(got) != 63 {
		t.Errorf("len = %d, want 63", len(got))
	}
}

func TestExpandUsername_ConstrainsCharset(t *testing.T) {
	got, err := ExpandUsername("v-{{role}}!", "r$x", time.Now())
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}
	if regexp.MustCompile(`[^A-Za-z0-9_]`).MatchString(got) {
		t.Errorf("username %q contains invalid characters", got)
	}
}

func TestExpandUsername_EmptyTemplateUsesDefault(t *testing.T) {
	got, err := ExpandUsername("", "svc", time.Now())
	if err != nil {
		t.Fatalf("ExpandUsername failed: %v", err)
	}
	if !strings.HasPrefix(got, "v_svc_") {
		t.Errorf("username = %q, want default v_svc_ prefix", got)
	}
}

func TestExpandUsername_InvalidRandomLength(t *testing.T) {
	if _, err := ExpandUsername("{{random:0}}", "r", time.Now()); err == nil {
		t.Error("expected error for zero-length random")
	}
	if _, err := ExpandUsername("{{random:999}}", "r", time.Now()); err == nil {
		t.Error("expected error for oversized random")
	}
}

func TestRenderStatement(t *testing.T) {
	expiry := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stmt := `CREATE USER "{{username}}" WITH PASSWORD '{{password}}' VALID UNTIL '{{expiration}}' -- {{expiration_timestamp}}`

	got := RenderStatement(stmt, "v_r_abc", "pw123", expiry)
	want := `CREATE USER "v_r_abc" WITH PASSWORD 'pw123' VALID UNTIL '2026-03-01T12:00:00Z' -- 1772366400`
	if got != want {
		t.Errorf("rendered = %q, want %q", got, want)
	}
}

func TestRedactStatement(t *testing.T) {
	rendered := `CREATE USER "u" WITH PASSWORD 'pw123'`
	got := RedactStatement(rendered, "pw123")
	if strings.Contains(got, "pw123") {
		t.Errorf("password leaked into %q", got)
	}
	if !strings.Contains(got, "[REDACTED]") {
		t.Errorf("redaction marker missing from %q", got)
	}
}
