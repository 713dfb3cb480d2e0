package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/znlabs/zn-vault-agent/pkg/atomicfile"
	"github.com/znlabs/zn-vault-agent/pkg/types"
)

// Resolver is the slice of the vault client env building needs.
type Resolver interface {
	GetSecret(ctx context.Context, idOrAlias string) (*types.Secret, error)
	BindManagedAPIKey(ctx context.Context, name string) (*types.BindResponse, error)
}

// sensitiveMarkers flag env names whose values should not appear in the
// process table, sudo logs, or the journal.
var sensitiveMarkers = []string{"password", "passwd", "secret", "apikey", "api_key", "token", "credential"}

func isSensitiveName(name string) bool {
	lower := strings.ToLower(name)
	for _, marker := range sensitiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// resolveMapping turns one env mapping into its value.
//
// Forms: "literal:VALUE", "api-key:NAME", "alias:path[.key]",
// "uuid[.key]". The api-key bind is cached by name within one build so
// several variables can share a single bind call.
func (s *Supervisor) resolveMapping(ctx context.Context, spec string, bindCache map[string]string) (string, error) {
	switch {
	case strings.HasPrefix(spec, "literal:"):
		return strings.TrimPrefix(spec, "literal:"), nil

	case strings.HasPrefix(spec, "api-key:"):
		name := strings.TrimPrefix(spec, "api-key:")
		if key, ok := bindCache[name]; ok {
			return key, nil
		}
		resp, err := s.vault.BindManagedAPIKey(ctx, name)
		if err != nil {
			return "", fmt.Errorf("failed to bind api key %s: %w", name, err)
		}
		bindCache[name] = resp.Key
		return resp.Key, nil

	default:
		return s.resolveSecretRef(ctx, spec)
	}
}

// resolveSecretRef fetches a secret reference and projects an optional
// trailing .key. References may contain dots themselves, so the full
// reference is tried first and the projection split only as a fallback.
func (s *Supervisor) resolveSecretRef(ctx context.Context, ref string) (string, error) {
	secret, err := s.vault.GetSecret(ctx, ref)
	if err == nil {
		return stringifySecret(secret.Data, "")
	}

	if idx := strings.LastIndex(ref, "."); idx > 0 {
		base, key := ref[:idx], ref[idx+1:]
		if secret, baseErr := s.vault.GetSecret(ctx, base); baseErr == nil {
			return stringifySecret(secret.Data, key)
		}
	}
	return "", fmt.Errorf("failed to resolve secret %s: %w", ref, err)
}

func stringifySecret(data map[string]any, key string) (string, error) {
	if key != "" {
		v, ok := data[key]
		if !ok {
			return "", fmt.Errorf("secret has no key %q", key)
		}
		return stringifyValue(v), nil
	}

	out, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode secret data: %w", err)
	}
	return string(out), nil
}

func stringifyValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	default:
		out, _ := json.Marshal(t)
		return string(out)
	}
}

// buildEnv resolves every mapping and returns the child environment plus
// the list of secret files it wrote. Sensitive values go to files under
// the secrets dir and the child sees NAME_FILE=<path> instead.
func (s *Supervisor) buildEnv(ctx context.Context) ([]string, []string, error) {
	env := os.Environ()
	var files []string
	bindCache := make(map[string]string)

	for name, spec := range s.opts.Env {
		value, err := s.resolveMapping(ctx, spec, bindCache)
		if err != nil {
			s.cleanupFiles(files)
			return nil, nil, fmt.Errorf("env %s: %w", name, err)
		}

		if isSensitiveName(name) && s.opts.SecretsDir != "" {
			path, err := s.writeSecretFile(name, value)
			if err != nil {
				s.cleanupFiles(files)
				return nil, nil, fmt.Errorf("env %s: %w", name, err)
			}
			files = append(files, path)
			env = append(env, name+"_FILE="+path)
			continue
		}
		env = append(env, name+"="+value)
	}
	return env, files, nil
}

// writeSecretFile places one sensitive value in the secrets directory,
// 0600 under a 0700 dir. The directory should be tmpfs. The env name is
// sanitized before it becomes a file name so it cannot carry the file
// outside the secrets dir.
func (s *Supervisor) writeSecretFile(name, value string) (string, error) {
	fileName := secretFileName(name)
	if fileName == "" {
		return "", fmt.Errorf("env name %q cannot name a secret file", name)
	}

	if err := os.MkdirAll(s.opts.SecretsDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create secrets dir: %w", err)
	}
	if err := os.Chmod(s.opts.SecretsDir, 0700); err != nil {
		return "", fmt.Errorf("failed to restrict secrets dir: %w", err)
	}

	path := filepath.Join(s.opts.SecretsDir, fileName)
	if err := os.WriteFile(path, []byte(value), 0600); err != nil {
		return "", fmt.Errorf("failed to write secret file: %w", err)
	}
	return path, nil
}

// secretFileName flattens an env name into a safe file name fragment.
// Path separators become underscores and dot-only names are rejected.
func secretFileName(name string) string {
	fileName := strings.NewReplacer("/", "_", "\\", "_").Replace(name)
	fileName = atomicfile.SanitizeName(fileName)
	if fileName == "." || fileName == ".." {
		return ""
	}
	return fileName
}

// cleanupFiles overwrites each secret file with zero bytes of its own
// length, then unlinks it.
func (s *Supervisor) cleanupFiles(files []string) {
	for _, path := range files {
		info, err := os.Stat(path)
		if err == nil && info.Size() > 0 {
			if err := os.WriteFile(path, make([]byte, info.Size()), 0600); err != nil {
				s.logger.Warn().Str("file", path).Err(err).Msg("failed to zero secret file")
			}
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Str("file", path).Err(err).Msg("failed to remove secret file")
		}
	}
}
