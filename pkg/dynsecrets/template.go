package dynsecrets

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxUsernameLen is the PostgreSQL identifier limit. MySQL allows less
// for some object types but 63 is safe for user names on both.
const maxUsernameLen = 63

var (
	randomPlaceholder = regexp.MustCompile(`\{\{random:(\d+)\}\}`)
	invalidIdentChars = regexp.MustCompile(`[^A-Za-z0-9_]`)
)

const randomAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// ExpandUsername substitutes the username-template placeholders and
// constrains the result to a safe SQL identifier.
//
// Placeholders: {{role}}, {{random:N}}, {{timestamp}}, {{uuid}}.
func ExpandUsername(template, roleName string, now time.Time) (string, error) {
	if template == "" {
		template = "v_{{role}}_{{random:8}}"
	}

	out := strings.ReplaceAll(template, "{{role}}", sanitizeIdentifier(roleName))
	out = strings.ReplaceAll(out, "{{timestamp}}", strconv.FormatInt(now.Unix(), 10))
	out = strings.ReplaceAll(out, "{{uuid}}", strings.ReplaceAll(uuid.NewString(), "-", "")[:8])

	var expandErr error
	out = randomPlaceholder.ReplaceAllStringFunc(out, func(m string) string {
		n, err := strconv.Atoi(randomPlaceholder.FindStringSubmatch(m)[1])
		if err != nil || n <= 0 || n > maxUsernameLen {
			expandErr = fmt.Errorf("invalid random length in username template: %s", m)
			return ""
		}
		s, err := randomString(n)
		if err != nil {
			expandErr = err
			return ""
		}
		return s
	})
	if expandErr != nil {
		return "", expandErr
	}

	out = invalidIdentChars.ReplaceAllString(out, "_")
	if len(out) > maxUsernameLen {
		out = out[:maxUsernameLen]
	}
	if out == "" {
		return "", fmt.Errorf("username template produced an empty name")
	}
	return out, nil
}

func sanitizeIdentifier(s string) string {
	return invalidIdentChars.ReplaceAllString(s, "_")
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(randomAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate random username fragment: %w", err)
		}
		b[i] = randomAlphabet[idx.Int64()]
	}
	return string(b), nil
}

// RenderStatement substitutes the credential placeholders into one SQL
// statement.
func RenderStatement(stmt, username, password string, expiresAt time.Time) string {
	out := strings.ReplaceAll(stmt, "{{username}}", username)
	out = strings.ReplaceAll(out, "{{password}}", password)
	out = strings.ReplaceAll(out, "{{expiration}}", expiresAt.UTC().Format(time.RFC3339))
	out = strings.ReplaceAll(out, "{{expiration_timestamp}}", strconv.FormatInt(expiresAt.Unix(), 10))
	return out
}

// RedactStatement replaces the password in a rendered statement so it
// can be logged.
func RedactStatement(rendered, password string) string {
	if password == "" {
		return rendered
	}
	return strings.ReplaceAll(rendered, password, "[REDACTED]")
}
