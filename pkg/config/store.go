package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/rs/zerolog/log"

	"github.com/cherve/cherve/pkg/engine"
)

const recordFileMode = 0600

// Store loads and saves the server and site records. Saves rewrite only the
// keys the typed records own; anything else already in the file is kept.
type Store struct {
	settings *Settings
	schemas  *SchemaRegistry
	validate *validator.Validate

	// beforeRename runs between the temp write and the rename.
	beforeRename func(tmp string) error
}

// NewStore creates a store rooted at the settings' config directory.
func NewStore(settings *Settings) *Store {
	return &Store{
		settings: settings,
		schemas:  NewSchemaRegistry(),
		validate: newValidator(),
	}
}

// Settings returns the settings the store was created with.
func (s *Store) Settings() *Settings {
	return s.settings
}

// SitePath returns the record path for a site.
func (s *Store) SitePath(name string) string {
	return filepath.Join(s.settings.SitesDir(), name+".toml")
}

// LoadServer reads the host-wide record.
func (s *Store) LoadServer(ctx context.Context) (*ServerRecord, error) {
	path := s.settings.ServerPath()
	doc, err := readDocument(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewNotFoundError("server record %s not found; run 'cherve server install' first", path)
		}
		return nil, engine.NewSchemaError(path, err)
	}

	if err := s.schemas.Validate(SchemaServer, doc); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}

	var rec ServerRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}
	if rec.Nginx.SitesAvailable == "" {
		rec.Nginx.SitesAvailable = s.settings.NginxSitesAvailable
	}
	if rec.Nginx.SitesEnabled == "" {
		rec.Nginx.SitesEnabled = s.settings.NginxSitesEnabled
	}

	if err := s.validate.Struct(&rec); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}
	return &rec, nil
}

// SaveServer writes the host-wide record.
func (s *Store) SaveServer(ctx context.Context, rec *ServerRecord) error {
	path := s.settings.ServerPath()
	if err := s.validate.Struct(rec); err != nil {
		return engine.NewSchemaError(path, err)
	}
	if err := s.save(path, rec, nil); err != nil {
		return err
	}
	log.Debug().Str("path", path).Msg("Saved server record")
	return nil
}

// SiteExists reports whether a record exists for name.
func (s *Store) SiteExists(name string) bool {
	_, err := os.Stat(s.SitePath(name))
	return err == nil
}

// ListSites returns the names of all recorded sites in sorted order.
func (s *Store) ListSites() ([]string, error) {
	entries, err := os.ReadDir(s.settings.SitesDir())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list sites: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".toml"))
	}
	sort.Strings(names)
	return names, nil
}

// LoadSite reads and validates a site record, migrating older layouts and
// filling in defaults.
func (s *Store) LoadSite(ctx context.Context, name string) (*SiteRecord, error) {
	if !ValidLinuxUser(name) {
		return nil, engine.NewPreconditionError(engine.ErrCodeInvalidInput,
			fmt.Sprintf("invalid site name %q", name))
	}

	path := s.SitePath(name)
	doc, err := readDocument(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, engine.NewNotFoundError("site %q not found", name)
		}
		return nil, engine.NewSchemaError(path, err)
	}

	if migrateLegacySite(doc, name) {
		log.Debug().Str("site", name).Msg("Migrated legacy site record layout")
	}

	if err := s.schemas.Validate(SchemaSite, doc); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}

	var rec SiteRecord
	if err := decodeDocument(doc, &rec); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}
	rec.applyDefaults(s.settings.WWWRoot)

	if err := s.validate.Struct(&rec); err != nil {
		return nil, engine.NewSchemaError(path, err)
	}
	return &rec, nil
}

// SaveSite writes a site record.
func (s *Store) SaveSite(ctx context.Context, rec *SiteRecord) error {
	path := s.SitePath(rec.SiteName)
	if err := s.validate.Struct(rec); err != nil {
		return engine.NewSchemaError(path, err)
	}
	if err := s.save(path, rec, legacySiteKeys); err != nil {
		return err
	}
	log.Debug().Str("site", rec.SiteName).Str("path", path).Msg("Saved site record")
	return nil
}

// save overlays rec onto the document at path and replaces the file.
// Keys listed in drop are removed from the existing document first.
func (s *Store) save(path string, rec interface{}, drop []string) error {
	fresh, err := encodeDocument(rec)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	existing, err := readDocument(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return engine.NewSchemaError(path, err)
		}
		existing = map[string]interface{}{}
	}
	for _, key := range drop {
		delete(existing, key)
	}

	merged := mergeDocuments(existing, fresh)
	data, err := toml.Marshal(merged)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	return writeFileAtomic(path, data, recordFileMode, s.beforeRename)
}

func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}
	return doc, nil
}

// encodeDocument converts a typed record to its generic document form.
func encodeDocument(rec interface{}) (map[string]interface{}, error) {
	data, err := toml.Marshal(rec)
	if err != nil {
		return nil, err
	}
	doc := map[string]interface{}{}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// decodeDocument converts a generic document into a typed record.
func decodeDocument(doc map[string]interface{}, out interface{}) error {
	data, err := toml.Marshal(doc)
	if err != nil {
		return err
	}
	return toml.Unmarshal(data, out)
}

// mergeDocuments overlays src onto dst. Nested tables merge key by key and
// [[domains]] entries merge by name, so keys unknown to the typed records
// survive at every level.
func mergeDocuments(dst, src map[string]interface{}) map[string]interface{} {
	for key, value := range src {
		switch v := value.(type) {
		case map[string]interface{}:
			if existing, ok := dst[key].(map[string]interface{}); ok {
				dst[key] = mergeDocuments(existing, v)
				continue
			}
			dst[key] = v
		case []interface{}:
			if key == "domains" {
				dst[key] = mergeDomainEntries(dst[key], v)
				continue
			}
			dst[key] = v
		default:
			dst[key] = v
		}
	}
	return dst
}

func mergeDomainEntries(old interface{}, fresh []interface{}) []interface{} {
	byName := map[string]map[string]interface{}{}
	if list, ok := old.([]interface{}); ok {
		for _, item := range list {
			if entry, ok := item.(map[string]interface{}); ok {
				if name, _ := entry["name"].(string); name != "" {
					byName[name] = entry
				}
			}
		}
	}

	merged := make([]interface{}, 0, len(fresh))
	for _, item := range fresh {
		entry, ok := item.(map[string]interface{})
		if !ok {
			merged = append(merged, item)
			continue
		}
		name, _ := entry["name"].(string)
		if prev, ok := byName[name]; ok {
			merged = append(merged, mergeDocuments(prev, entry))
			continue
		}
		merged = append(merged, entry)
	}
	return merged
}
