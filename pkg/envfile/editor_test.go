package envfile

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cherve/cherve/pkg/engine"
)

func candidatesIn(dir string) []string {
	out := make([]string, len(TemplateNames))
	for i, name := range TemplateNames {
		out[i] = filepath.Join(dir, name)
	}
	return out
}

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read %s: %v", path, err)
	}
	return string(data)
}

func TestTemplatePriority(t *testing.T) {
	tests := []struct {
		name    string
		present []string
		want    string
	}{
		{name: "prod wins", present: []string{".env.prod", ".env.production", ".env.example"}, want: ".env.prod"},
		{name: "production before example", present: []string{".env.production", ".env.example"}, want: ".env.production"},
		{name: "example only", present: []string{".env.example"}, want: ".env.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for _, name := range tt.present {
				write(t, filepath.Join(dir, name), "SOURCE="+name+"\n")
			}
			target := filepath.Join(dir, ".env")

			outcome, err := EnsureAndProductionize(target, candidatesIn(dir), nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !outcome.Created || filepath.Base(outcome.Template) != tt.want {
				t.Errorf("outcome = %+v, want template %s", outcome, tt.want)
			}
			if got := read(t, target); got != "SOURCE="+tt.want+"\n" {
				t.Errorf("content = %q", got)
			}
		})
	}
}

func TestNoTemplateFound(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, ".env")

	_, err := EnsureAndProductionize(target, candidatesIn(dir), []KeyValue{{Key: "APP_ENV", Value: "production"}})
	if !engine.IsNoTemplate(err) {
		t.Fatalf("error = %v, want NO_TEMPLATE_FOUND", err)
	}
	if _, statErr := os.Stat(target); !os.IsNotExist(statErr) {
		t.Error("target must not be created when no template exists")
	}
}

func TestManagedKeysReplacedAndAppended(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, ".env")
	write(t, target, strings.Join([]string{
		"# Application",
		"APP_ENV=local",
		"APP_DEBUG=true # noisy",
		"",
		"CUSTOM=keep me",
		"export APP_URL=http://localhost",
		"MAIL_HOST=smtp.example  # relay",
	}, "\n"))

	outcome, err := EnsureAndProductionize(target, candidatesIn(dir), []KeyValue{
		{Key: "APP_ENV", Value: "production"},
		{Key: "APP_DEBUG", Value: "false"},
		{Key: "APP_URL", Value: "https://acme.example"},
		{Key: "DB_DATABASE", Value: "acme_a1b2c3"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := strings.Join([]string{
		"# Application",
		"APP_ENV=production",
		"APP_DEBUG=false",
		"",
		"CUSTOM=keep me",
		"export APP_URL=https://acme.example",
		"MAIL_HOST=smtp.example  # relay",
		"DB_DATABASE=acme_a1b2c3",
	}, "\n") + "\n"
	if got := read(t, target); got != want {
		t.Errorf("content =\n%s\nwant\n%s", got, want)
	}

	if outcome.Created {
		t.Error("existing file must not be recreated from a template")
	}
	if strings.Join(outcome.Replaced, ",") != "APP_ENV,APP_DEBUG,APP_URL" {
		t.Errorf("Replaced = %v", outcome.Replaced)
	}
	if strings.Join(outcome.Appended, ",") != "DB_DATABASE" {
		t.Errorf("Appended = %v", outcome.Appended)
	}
}

func TestRerunIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, ".env.example"), "APP_ENV=local\nAPP_KEY=\n")
	target := filepath.Join(dir, ".env")
	managed := []KeyValue{{Key: "APP_ENV", Value: "production"}, {Key: "APP_URL", Value: "http://acme.example"}}

	if _, err := EnsureAndProductionize(target, candidatesIn(dir), managed); err != nil {
		t.Fatalf("first run: %v", err)
	}
	first := read(t, target)

	// A key a developer adds later must survive and the template must not be
	// copied again.
	write(t, target, first+"FEATURE_FLAG=on\n")
	write(t, filepath.Join(dir, ".env.example"), "CHANGED=1\n")

	outcome, err := EnsureAndProductionize(target, candidatesIn(dir), managed)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if outcome.Changed() {
		t.Errorf("second run changed the file: %+v", outcome)
	}
	if got := read(t, target); got != first+"FEATURE_FLAG=on\n" {
		t.Errorf("content = %q", got)
	}
}

func TestTrailingNewlineNormalized(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{name: "no trailing newline", content: "A=1", want: "A=1\nB=2\n"},
		{name: "trailing blank lines kept", content: "A=1\n\n\n", want: "A=1\n\n\nB=2\n"},
		{name: "empty file", content: "", want: "B=2\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := filepath.Join(t.TempDir(), ".env")
			write(t, target, tt.content)

			if _, err := EnsureAndProductionize(target, nil, []KeyValue{{Key: "B", Value: "2"}}); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := read(t, target); got != tt.want {
				t.Errorf("content = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBlankLinesSurviveUnchangedKeys(t *testing.T) {
	target := filepath.Join(t.TempDir(), ".env")
	write(t, target, "FOO=1\n# c\n\n\n")

	managed := []KeyValue{{Key: "FOO", Value: "1"}, {Key: "APP_ENV", Value: "production"}}
	if _, err := EnsureAndProductionize(target, nil, managed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got, want := read(t, target), "FOO=1\n# c\n\n\nAPP_ENV=production\n"; got != want {
		t.Errorf("content = %q, want %q", got, want)
	}
}

func TestValuesNeedingQuotes(t *testing.T) {
	target := filepath.Join(t.TempDir(), ".env")
	write(t, target, "APP_NAME=x\n")

	if _, err := EnsureAndProductionize(target, nil, []KeyValue{{Key: "APP_NAME", Value: "Acme Shop"}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := read(t, target); got != "APP_NAME='Acme Shop'\n" {
		t.Errorf("content = %q", got)
	}

	v, ok, err := Lookup(target, "APP_NAME")
	if err != nil || !ok || v != "Acme Shop" {
		t.Errorf("Lookup() = %q, %v, %v", v, ok, err)
	}
}

func TestHasValue(t *testing.T) {
	target := filepath.Join(t.TempDir(), ".env")

	write(t, target, "APP_KEY=base64:abc\n")
	if ok, err := HasValue(target, "APP_KEY"); err != nil || !ok {
		t.Errorf("HasValue() = %v, %v; want true", ok, err)
	}

	write(t, target, "APP_KEY=\n")
	if ok, err := HasValue(target, "APP_KEY"); err != nil || ok {
		t.Errorf("HasValue() = %v, %v; want false", ok, err)
	}

	if ok, err := HasValue(target, "MISSING"); err != nil || ok {
		t.Errorf("HasValue(MISSING) = %v, %v; want false", ok, err)
	}
}

func TestCreatedFileMode(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, ".env.example"), "A=1\n")
	target := filepath.Join(dir, ".env")

	if _, err := EnsureAndProductionize(target, candidatesIn(dir), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != FileMode {
		t.Errorf("mode = %o, want %o", perm, FileMode)
	}
}
