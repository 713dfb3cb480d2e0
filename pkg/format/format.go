package format

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// Options carries format-specific settings
type Options struct {
	// EnvPrefix is prepended to every key for the env format
	EnvPrefix string

	// Key selects the value emitted by the raw format
	Key string

	// TemplatePath is the template file for the template format
	TemplatePath string
}

var (
	envUnsafeChars = regexp.MustCompile(`[^A-Z0-9_]`)
	templateVar    = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)
)

// Render serializes a key/value map in the requested format. The none
// format is the caller's responsibility; asking Render for it is an error.
func Render(data map[string]any, format types.OutputFormat, opts Options) ([]byte, error) {
	switch format {
	case types.FormatEnv:
		return renderEnv(data, opts.EnvPrefix), nil
	case types.FormatJSON:
		return renderJSON(data)
	case types.FormatYAML:
		return renderYAML(data), nil
	case types.FormatRaw:
		return renderRaw(data, opts.Key)
	case types.FormatTemplate:
		return renderTemplate(data, opts.TemplatePath)
	case types.FormatNone:
		return nil, fmt.Errorf("format %q does not produce output", format)
	default:
		return nil, fmt.Errorf("unknown output format: %q", format)
	}
}

// stringify renders a value for line-oriented formats. Strings pass
// through; anything structured is JSON-serialized.
func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// sortedKeys gives deterministic output order
func sortedKeys(data map[string]any) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EnvSafeKey converts a key to [A-Z0-9_] form
func EnvSafeKey(key string) string {
	return envUnsafeChars.ReplaceAllString(strings.ToUpper(key), "_")
}

// escapeEnvValue escapes a value for a double-quoted env assignment.
// Order matters: backslash first, then quote, then newline.
func escapeEnvValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	v = strings.ReplaceAll(v, "\n", `\n`)
	return v
}

func renderEnv(data map[string]any, prefix string) []byte {
	if prefix != "" && !strings.HasSuffix(prefix, "_") {
		prefix += "_"
	}

	var buf bytes.Buffer
	for _, k := range sortedKeys(data) {
		fmt.Fprintf(&buf, "%s%s=\"%s\"\n", prefix, EnvSafeKey(k), escapeEnvValue(stringify(data[k])))
	}
	return buf.Bytes()
}

func renderJSON(data map[string]any) ([]byte, error) {
	b, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return append(b, '\n'), nil
}

// yamlNeedsQuoting reports whether a string value must be quoted in our
// minimal YAML output.
func yamlNeedsQuoting(s string) bool {
	if strings.HasPrefix(s, " ") {
		return true
	}
	return strings.ContainsAny(s, "\n:#")
}

// renderYAML emits one key per line. This is a documented minimum, not a
// general YAML emitter: no multi-line blocks, no anchors.
func renderYAML(data map[string]any) []byte {
	var buf bytes.Buffer
	for _, k := range sortedKeys(data) {
		v := data[k]
		if s, ok := v.(string); ok {
			if yamlNeedsQuoting(s) {
				quoted, _ := json.Marshal(s)
				fmt.Fprintf(&buf, "%s: %s\n", k, quoted)
			} else {
				fmt.Fprintf(&buf, "%s: %s\n", k, s)
			}
			continue
		}
		encoded, _ := json.Marshal(v)
		fmt.Fprintf(&buf, "%s: %s\n", k, encoded)
	}
	return buf.Bytes()
}

func renderRaw(data map[string]any, key string) ([]byte, error) {
	if key == "" {
		return nil, fmt.Errorf("raw format requires a key option")
	}
	v, ok := data[key]
	if !ok {
		return nil, fmt.Errorf("key %q not found in secret data", key)
	}
	return []byte(stringify(v)), nil
}

func renderTemplate(data map[string]any, templatePath string) ([]byte, error) {
	if templatePath == "" {
		return nil, fmt.Errorf("template format requires a template path")
	}
	tmpl, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read template %s: %w", templatePath, err)
	}

	out := templateVar.ReplaceAllFunc(tmpl, func(match []byte) []byte {
		key := templateVar.FindSubmatch(match)[1]
		v, ok := data[string(key)]
		if !ok {
			// Missing keys are left as-is
			return match
		}
		return []byte(stringify(v))
	})
	return out, nil
}
