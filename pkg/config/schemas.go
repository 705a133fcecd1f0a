package config

import (
	"fmt"
	"regexp"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"
)

// Schema names known to the registry.
const (
	SchemaServer = "#Server"
	SchemaSite   = "#Site"
)

// linuxUserPattern matches names useradd accepts with its default settings.
var linuxUserPattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// ValidLinuxUser reports whether name is usable as a Linux account name.
func ValidLinuxUser(name string) bool {
	return linuxUserPattern.MatchString(name)
}

// SchemaRegistry holds the CUE definitions that raw records are checked
// against before they are decoded.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the record schemas loaded.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	if err := sr.RegisterSchema(recordSchemas, SchemaServer, SchemaSite); err != nil {
		panic(err)
	}
	return sr
}

// RegisterSchema compiles src and registers each named definition in it.
func (sr *SchemaRegistry) RegisterSchema(src string, definitions ...string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema: %w", err)
	}

	for _, name := range definitions {
		def := val.LookupPath(cue.ParsePath(name))
		if err := def.Err(); err != nil {
			return fmt.Errorf("schema %s: %w", name, err)
		}
		sr.schemas[name] = def
	}
	return nil
}

// GetSchema retrieves a definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	val, ok := sr.schemas[name]
	return val, ok
}

// Validate checks a decoded TOML document against a named definition.
func (sr *SchemaRegistry) Validate(name string, doc map[string]interface{}) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	sr.mu.Lock()
	data := sr.ctx.Encode(doc)
	sr.mu.Unlock()
	if err := data.Err(); err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}

// recordSchemas describes the on-disk shape of both records. Definitions
// stay open so keys written by other tools survive validation.
const recordSchemas = `
#Server: {
	php: {
		version:     =~"^php[0-9]+\\.[0-9]+$"
		fpm_service: string & !=""
		fpm_sock:    =~"^/"
		...
	}
	nginx?: {
		sites_available?: =~"^/"
		sites_enabled?:   =~"^/"
		...
	}
	features?: {
		mysql_installed?:   bool
		pqsql_installed?:   bool
		sqlite_installed?:  bool
		certbot_installed?: bool
		...
	}
	...
}

#Domain: {
	name:                 =~"^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$"
	with_www?:            bool
	tls_enabled?:         bool
	ssl_certificate?:     "" | =~"^/"
	ssl_certificate_key?: "" | =~"^/"
	...
}

#Site: {
	site_name:          =~"^[a-z_][a-z0-9_-]{0,31}$"
	site_user?:         =~"^[a-z_][a-z0-9_-]{0,31}$"
	site_root?:         =~"^/"
	site_app_root?:     =~"^/"
	site_www_root?:     =~"^/"
	site_landing_root?: =~"^/"
	repo_ssh?:          string
	branch?:            string & !=""
	email?:             string
	mode?:              "landing" | "app"
	db_service?:        "" | "mysql" | "postgresql"
	db_name?:           string
	db_owner_user?:     string
	domains?: [...#Domain]
	...
}
`

// newValidator returns a struct validator with the record-specific tags.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("linuxuser", func(fl validator.FieldLevel) bool {
		return ValidLinuxUser(fl.Field().String())
	})
	return v
}

var fieldValidator = newValidator()

// ValidDomain reports whether name, already normalized, is a fully
// qualified domain name.
func ValidDomain(name string) bool {
	return fieldValidator.Var(name, "required,fqdn") == nil
}

// ValidEmail reports whether addr is a syntactically valid address.
func ValidEmail(addr string) bool {
	return fieldValidator.Var(addr, "required,email") == nil
}
