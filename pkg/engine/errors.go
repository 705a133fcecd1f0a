package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorClass classifies a failure so the CLI can report it and tests can assert on it.
type ErrorClass string

const (
	// ErrorClassPrecondition indicates the command cannot run in the current state.
	// Examples: not root, site not found, site already exists, no domains attached.
	ErrorClassPrecondition ErrorClass = "PRECONDITION_FAILED"

	// ErrorClassValidation indicates the routing tool rejected a rendered config.
	ErrorClassValidation ErrorClass = "VALIDATION_FAILED"

	// ErrorClassExternalCommand indicates a collaborator process exited non-zero.
	ErrorClassExternalCommand ErrorClass = "EXTERNAL_COMMAND_FAILED"

	// ErrorClassNoTemplate indicates no env template exists to bootstrap from.
	ErrorClassNoTemplate ErrorClass = "NO_TEMPLATE_FOUND"

	// ErrorClassDuplicateDomain indicates the domain is already attached to the site.
	ErrorClassDuplicateDomain ErrorClass = "DUPLICATE_DOMAIN"

	// ErrorClassUnknownDomain indicates the domain is not attached to the site.
	ErrorClassUnknownDomain ErrorClass = "UNKNOWN_DOMAIN"

	// ErrorClassSchema indicates a persisted record violates an invariant on load.
	ErrorClassSchema ErrorClass = "SCHEMA_INCONSISTENT"
)

// Precondition codes.
const (
	ErrCodeNotRoot       = "NOT_ROOT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeNoDomains     = "NO_DOMAINS"
	ErrCodeInvalidInput  = "INVALID_INPUT"
)

// stderrTailLimit bounds the diagnostic excerpt kept from a failed command.
const stderrTailLimit = 2048

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Step names the step that failed, e.g. "php8.3/install" or "publish acme.example".
	Step string `json:"step,omitempty"`

	// Argv is the external command that failed, if any.
	Argv []string `json:"argv,omitempty"`

	// ExitCode is the exit status of the failed command.
	ExitCode int `json:"exit_code,omitempty"`

	// Diagnostic is a bounded excerpt of the tool's stderr.
	Diagnostic string `json:"diagnostic,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Step != "" {
		fmt.Fprintf(&b, " (step=%s)", e.Step)
	}
	if len(e.Argv) > 0 {
		fmt.Fprintf(&b, " (command=%q, exit=%d)", strings.Join(e.Argv, " "), e.ExitCode)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %s", e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches on class, and on code when the target sets one.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// NewPreconditionError creates a precondition error with the given code.
func NewPreconditionError(code, message string) *EngineError {
	return &EngineError{
		Class:   ErrorClassPrecondition,
		Code:    code,
		Message: message,
	}
}

// NewNotFoundError reports a missing record or entity.
func NewNotFoundError(format string, args ...interface{}) *EngineError {
	return NewPreconditionError(ErrCodeNotFound, fmt.Sprintf(format, args...))
}

// NewAlreadyExistsError reports an entity that must not exist yet.
func NewAlreadyExistsError(format string, args ...interface{}) *EngineError {
	return NewPreconditionError(ErrCodeAlreadyExists, fmt.Sprintf(format, args...))
}

// NewValidationError reports a routing config rejected by the tool's syntax check.
func NewValidationError(message, diagnostic string, err error) *EngineError {
	return &EngineError{
		Class:      ErrorClassValidation,
		Message:    message,
		Diagnostic: Tail(diagnostic, stderrTailLimit),
		Err:        err,
	}
}

// NewCommandError reports a collaborator process that exited non-zero.
func NewCommandError(argv []string, exitCode int, stderr string, err error) *EngineError {
	return &EngineError{
		Class:      ErrorClassExternalCommand,
		Message:    "external command failed",
		Argv:       append([]string(nil), argv...),
		ExitCode:   exitCode,
		Diagnostic: Tail(stderr, stderrTailLimit),
		Err:        err,
	}
}

// NewNoTemplateError reports that none of the candidate env templates exist.
func NewNoTemplateError(target string, candidates []string) *EngineError {
	return (&EngineError{
		Class:   ErrorClassNoTemplate,
		Message: fmt.Sprintf("no env template found for %s", target),
	}).WithDetail("candidates", candidates)
}

// NewDuplicateDomainError reports a domain that is already attached.
func NewDuplicateDomainError(site, domain string) *EngineError {
	return &EngineError{
		Class:   ErrorClassDuplicateDomain,
		Message: fmt.Sprintf("domain %s is already attached to site %s", domain, site),
	}
}

// NewUnknownDomainError reports a domain that is not attached.
func NewUnknownDomainError(site, domain string) *EngineError {
	return &EngineError{
		Class:   ErrorClassUnknownDomain,
		Message: fmt.Sprintf("domain %s is not attached to site %s", domain, site),
	}
}

// NewSchemaError reports a persisted record that fails an invariant.
func NewSchemaError(path string, err error) *EngineError {
	return &EngineError{
		Class:   ErrorClassSchema,
		Message: fmt.Sprintf("record %s is inconsistent", path),
		Err:     err,
	}
}

// WithStep records which step failed. An existing step is kept as a suffix.
func (e *EngineError) WithStep(step string) *EngineError {
	if e.Step != "" && e.Step != step {
		e.Step = step + "/" + e.Step
		return e
	}
	e.Step = step
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// AsEngineError extracts the first EngineError in the chain.
func AsEngineError(err error) (*EngineError, bool) {
	var e *EngineError
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// ClassOf returns the class of err, or "" when err is not classified.
func ClassOf(err error) ErrorClass {
	if e, ok := AsEngineError(err); ok {
		return e.Class
	}
	return ""
}

// IsPrecondition returns true if the error is a precondition failure.
func IsPrecondition(err error) bool { return ClassOf(err) == ErrorClassPrecondition }

// IsNotFound returns true if the error is a NOT_FOUND precondition failure.
func IsNotFound(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPrecondition && e.Code == ErrCodeNotFound
}

// IsAlreadyExists returns true if the error is an ALREADY_EXISTS precondition failure.
func IsAlreadyExists(err error) bool {
	e, ok := AsEngineError(err)
	return ok && e.Class == ErrorClassPrecondition && e.Code == ErrCodeAlreadyExists
}

// IsValidation returns true if the routing tool rejected a config.
func IsValidation(err error) bool { return ClassOf(err) == ErrorClassValidation }

// IsCommandFailure returns true if an external command failed.
func IsCommandFailure(err error) bool { return ClassOf(err) == ErrorClassExternalCommand }

// IsNoTemplate returns true if env bootstrap found no template.
func IsNoTemplate(err error) bool { return ClassOf(err) == ErrorClassNoTemplate }

// IsDuplicateDomain returns true if the domain was already attached.
func IsDuplicateDomain(err error) bool { return ClassOf(err) == ErrorClassDuplicateDomain }

// IsUnknownDomain returns true if the domain was not attached.
func IsUnknownDomain(err error) bool { return ClassOf(err) == ErrorClassUnknownDomain }

// IsSchemaInconsistent returns true if a persisted record failed validation.
func IsSchemaInconsistent(err error) bool { return ClassOf(err) == ErrorClassSchema }

// Tail returns at most limit trailing bytes of s, trimmed of surrounding whitespace.
func Tail(s string, limit int) string {
	s = strings.TrimSpace(s)
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return "..." + s[len(s)-limit:]
}
