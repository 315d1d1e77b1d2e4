package store

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// Meta is the header every store document carries. Embed it in a document
// struct to satisfy Document.
type Meta struct {
	Version     int       `json:"version" validate:"gte=1"`
	HouseholdID string    `json:"householdId" validate:"required"`
	UpdatedAt   time.Time `json:"updatedAt"`
	// Revision counts saves. Informational: writes are last-writer-wins.
	Revision int64 `json:"revision"`
}

// StoreMeta returns the header for the store lifecycle to stamp.
func (m *Meta) StoreMeta() *Meta { return m }

// Document is a pointer to a struct embedding Meta.
type Document interface {
	StoreMeta() *Meta
}

// Schema describes one store's document: where it lives, its current
// version, and how to build, upgrade, check and normalize it.
type Schema[D Document] struct {
	// Name labels logs and metrics, e.g. "item-signals".
	Name string
	// FileName is the document's name under the household directory.
	FileName string
	// Version is the current schema version. Documents with a lower version
	// are migrated on load; a higher version is a schema violation.
	Version int
	// New returns an empty, schema-valid document.
	New func(householdID string) D
	// Migrate upgrades the raw JSON object from version `from` to Version.
	// It is called once per load. Nil means the upgrade only bumps version.
	Migrate func(raw map[string]any, from int) error
	// Check enforces cross-record invariants validator tags cannot express.
	Check func(doc D) error
	// Normalize recomputes caches after decode.
	Normalize func(doc D)
}

// SchemaError reports a document that failed validation on load. It is not
// recoverable: the store stays unloaded.
type SchemaError struct {
	Store       string
	HouseholdID string
	Field       string
	Reason      string
}

func (e *SchemaError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("schema violation in %s for household %s: %s", e.Store, e.HouseholdID, e.Reason)
	}
	return fmt.Sprintf("schema violation in %s for household %s: field %s: %s", e.Store, e.HouseholdID, e.Field, e.Reason)
}

// Violation builds a SchemaError for use in Schema.Check. Store and
// household are filled in by the loader.
func Violation(field, format string, args ...any) *SchemaError {
	return &SchemaError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsSchemaError reports whether err wraps a *SchemaError.
func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate runs struct-tag validation and converts the first failure into a
// SchemaError naming the offending field by its JSON path.
func Validate(v any) *SchemaError {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &SchemaError{Reason: err.Error()}
	}
	fe := verrs[0]
	return &SchemaError{
		Field:  fieldPath(fe.Namespace()),
		Reason: describeTag(fe),
	}
}

// fieldPath drops the root struct name and embedded-struct segments from a
// validator namespace: "SignalsDocument.Meta.householdId" -> "householdId".
// Every named field carries a lower camelCase JSON tag, so a capitalized
// segment can only be an embedded struct.
func fieldPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:]
	}
	out := parts[:0]
	for _, p := range parts {
		if p != "" && unicode.IsUpper(rune(p[0])) {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, ".")
}

func describeTag(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "oneof":
		return fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	case "gte":
		return fmt.Sprintf("must be >= %s, got %v", fe.Param(), fe.Value())
	case "lte":
		return fmt.Sprintf("must be <= %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be > %s, got %v", fe.Param(), fe.Value())
	case "datetime":
		return fmt.Sprintf("must match layout %s, got %v", fe.Param(), fe.Value())
	default:
		return fmt.Sprintf("failed %q validation", fe.Tag())
	}
}
