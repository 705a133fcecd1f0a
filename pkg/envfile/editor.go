// Package envfile edits the application's .env file: it creates the file
// from the first template that exists and rewrites the keys cherve manages
// while leaving every other line untouched.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/config"
	"github.com/cherve/cherve/pkg/engine"
)

// FileMode is applied to created and rewritten env files.
const FileMode = 0640

// TemplateNames lists env templates in priority order.
var TemplateNames = []string{".env.prod", ".env.production", ".env.example"}

// KeyValue is one managed key with the value it must carry.
type KeyValue struct {
	Key   string
	Value string
}

// Outcome describes what EnsureAndProductionize changed.
type Outcome struct {
	// Created is true when the target was copied from a template.
	Created bool

	// Template is the template that was copied, if any.
	Template string

	// Replaced lists managed keys rewritten in place.
	Replaced []string

	// Appended lists managed keys added at the end of the file.
	Appended []string
}

// Changed reports whether the file content was modified.
func (o *Outcome) Changed() bool {
	return o.Created || len(o.Replaced) > 0 || len(o.Appended) > 0
}

// EnsureAndProductionize makes sure target exists, copying the first
// existing candidate when it does not, then applies managed in order.
// Re-running with an existing target never copies a template again.
func EnsureAndProductionize(target string, candidates []string, managed []KeyValue) (*Outcome, error) {
	outcome := &Outcome{}

	content, err := os.ReadFile(target)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		template, data, err := firstTemplate(candidates)
		if err != nil {
			return nil, err
		}
		if template == "" {
			return nil, engine.NewNoTemplateError(target, candidates)
		}
		content = data
		outcome.Created = true
		outcome.Template = template
		log.Debug().Str("template", template).Str("target", target).Msg("Created env file from template")
	default:
		return nil, fmt.Errorf("failed to read %s: %w", target, err)
	}

	updated, replaced, appended := apply(content, managed)
	outcome.Replaced = replaced
	outcome.Appended = appended

	if !outcome.Created && bytes.Equal(updated, content) {
		return outcome, nil
	}
	if err := config.WriteFileAtomic(target, updated, FileMode); err != nil {
		return nil, err
	}
	return outcome, nil
}

func firstTemplate(candidates []string) (string, []byte, error) {
	for _, candidate := range candidates {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return candidate, data, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", nil, fmt.Errorf("failed to read template %s: %w", candidate, err)
		}
	}
	return "", nil, nil
}

// apply rewrites managed keys in content. Lines that are not managed
// assignments are copied byte for byte.
func apply(content []byte, managed []KeyValue) ([]byte, []string, []string) {
	var lines []string
	if len(content) > 0 {
		lines = strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	}

	index := make(map[string]int, len(managed))
	for i, kv := range managed {
		index[kv.Key] = i
	}
	seen := make(map[string]bool, len(managed))

	var replaced []string
	for i, line := range lines {
		prefix, key, ok := parseAssignment(line)
		if !ok {
			continue
		}
		j, isManaged := index[key]
		if !isManaged {
			continue
		}
		next := prefix + key + "=" + quote(managed[j].Value)
		if next != line {
			lines[i] = next
			if !seen[key] {
				replaced = append(replaced, key)
			}
		}
		seen[key] = true
	}

	var appended []string
	for _, kv := range managed {
		if seen[kv.Key] {
			continue
		}
		lines = append(lines, kv.Key+"="+quote(kv.Value))
		appended = append(appended, kv.Key)
		seen[kv.Key] = true
	}

	return []byte(strings.Join(lines, "\n") + "\n"), replaced, appended
}

// parseAssignment splits a KEY=VALUE line. The prefix keeps any leading
// indentation and an "export " keyword.
func parseAssignment(line string) (prefix, key string, ok bool) {
	trimmed := strings.TrimLeft(line, " \t")
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false
	}
	prefix = line[:len(line)-len(trimmed)]
	if strings.HasPrefix(trimmed, "export ") {
		prefix += "export "
		trimmed = strings.TrimLeft(trimmed[len("export "):], " ")
	}

	eq := strings.Index(trimmed, "=")
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(trimmed[:eq])
	if key == "" || strings.ContainsAny(key, " \t") {
		return "", "", false
	}
	return prefix, key, true
}

// quote wraps values that a dotenv parser would otherwise split, truncate
// or expand. Single quotes are preferred since they disable interpolation.
func quote(value string) string {
	if value == "" || !strings.ContainsAny(value, " \t#\"'\\$") {
		return value
	}
	if !strings.Contains(value, "'") {
		return "'" + value + "'"
	}
	return strconv.Quote(value)
}

// Lookup returns the value of key in the env file at path.
func Lookup(path, key string) (string, bool, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		return "", false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	v, ok := values[key]
	return v, ok, nil
}

// HasValue reports whether key is present with a non-empty value.
func HasValue(path, key string) (bool, error) {
	v, ok, err := Lookup(path, key)
	if err != nil {
		return false, err
	}
	return ok && strings.TrimSpace(v) != "", nil
}
