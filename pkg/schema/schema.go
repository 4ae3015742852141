// Package schema implements declarative validation and normalisation of
// desired-state documents. A Schema is a tree of Field nodes keyed by the
// user-facing (snake_case) field name; validation walks the tree once,
// accumulating every error it finds, and produces a normalised copy of the
// document with defaults filled, scalars coerced and field names rewritten
// to the controller's wire (camelCase) vocabulary.
package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Kind is the semantic type of a schema field.
type Kind string

const (
	// KindString accepts string scalars.
	KindString Kind = "str"

	// KindInt accepts integers and unambiguous string representations.
	KindInt Kind = "int"

	// KindBool accepts booleans and the strings "true"/"false".
	KindBool Kind = "bool"

	// KindFloat accepts floats and integers.
	KindFloat Kind = "float"

	// KindList accepts a list whose element schema is Field.Elem.
	KindList Kind = "list"

	// KindMap accepts a nested mapping described by Field.Fields.
	KindMap Kind = "map"
)

// scalarValidate backs Format checks (hostname, ip, fqdn, ...).
var scalarValidate = validator.New()

// Field describes one node of a schema tree.
type Field struct {
	// Type is the expected semantic type.
	Type Kind

	// Required marks the field as mandatory.
	Required bool

	// Default is filled in when the field is absent. Defaults take the same
	// validation path as explicit values, range and enum checks included.
	Default interface{}

	// Enum is the closed set of allowed values for string fields.
	Enum []string

	// Min and Max bound numeric fields. Exclusive controls whether the
	// bounds themselves are allowed.
	Min, Max  *float64
	Exclusive bool

	// Wire is the camelCase name used on the controller API. Empty keeps
	// the user-facing name.
	Wire string

	// Format names a validator/v10 rule applied to string scalars,
	// e.g. "hostname|ip" or "fqdn".
	Format string

	// Secret marks values that must never appear in logs or messages.
	Secret bool

	// Elem describes list elements (Type == KindList).
	Elem *Field

	// Fields describes nested mappings (Type == KindMap).
	Fields map[string]*Field

	// MaxItems bounds list length (0 = unbounded).
	MaxItems int

	// Identity names the element fields (post-normalisation, wire names)
	// forming the identity key for duplicate detection. Applies to KindList
	// fields whose elements are mappings.
	Identity []string

	// Checks are cross-field predicates run against each list element
	// (KindList with mapping elements) after normalisation.
	Checks []CrossCheck
}

// Schema describes one resource section of a desired-state document.
type Schema struct {
	// Fields is the root of the schema tree.
	Fields map[string]*Field
}

// CrossCheck is a cross-field predicate. It receives a normalised record and
// returns a non-empty problem description when the record is invalid.
type CrossCheck struct {
	Name  string
	Check func(record map[string]interface{}) string
}

// Error is a single validation failure.
type Error struct {
	// Code is the failure taxonomy entry, e.g. "schema.type_mismatch".
	Code string

	// Path is the document path of the offending field, e.g.
	// "access_points[2].x_position".
	Path string

	// Message is the human-readable explanation.
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s at %s: %s", e.Code, e.Path, e.Message)
}

// Failure codes.
const (
	CodeMissingRequired   = "schema.missing_required"
	CodeTypeMismatch      = "schema.type_mismatch"
	CodeEnumViolation     = "schema.enum_violation"
	CodeRangeViolation    = "schema.range_violation"
	CodeDuplicateIdentity = "schema.duplicate_identity"
	CodeUnknownField      = "schema.unknown_field"
	CodeEmptyDocument     = "schema.empty_document"
	CodeCrossField        = "schema.cross_field"
)

// Validate checks a resource section against the schema and returns the
// normalised copy plus every error found. The section is never mutated.
// An empty section is fatal; unknown keys are fatal.
func (s *Schema) Validate(section map[string]interface{}) (map[string]interface{}, []*Error) {
	var errs []*Error

	if len(section) == 0 {
		return nil, []*Error{{
			Code:    CodeEmptyDocument,
			Path:    ".",
			Message: "document section is empty",
		}}
	}

	normalised := s.validateMapping(section, s.Fields, "", &errs)
	if len(errs) > 0 {
		return nil, errs
	}
	return normalised, nil
}

func (s *Schema) validateMapping(section map[string]interface{}, fields map[string]*Field, path string, errs *[]*Error) map[string]interface{} {
	out := make(map[string]interface{}, len(section))

	// Unknown keys first: typos must not silently vanish.
	for key := range section {
		if _, ok := fields[key]; !ok {
			*errs = append(*errs, &Error{
				Code:    CodeUnknownField,
				Path:    joinPath(path, key),
				Message: fmt.Sprintf("unknown field %q", key),
			})
		}
	}

	// Deterministic order keeps error lists stable.
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		field := fields[name]
		fieldPath := joinPath(path, name)

		value, present := section[name]
		if !present || value == nil {
			if field.Default != nil {
				if normalised, ok := s.validateValue(field.Default, field, fieldPath, errs); ok {
					out[wireName(name, field)] = normalised
				}
				continue
			}
			if field.Required {
				*errs = append(*errs, &Error{
					Code:    CodeMissingRequired,
					Path:    fieldPath,
					Message: fmt.Sprintf("required field %q is missing", name),
				})
			}
			continue
		}

		normalised, ok := s.validateValue(value, field, fieldPath, errs)
		if ok {
			out[wireName(name, field)] = normalised
		}
	}

	return out
}

func (s *Schema) validateValue(value interface{}, field *Field, path string, errs *[]*Error) (interface{}, bool) {
	switch field.Type {
	case KindString:
		str, ok := asString(value)
		if !ok {
			*errs = append(*errs, typeMismatch(path, "string", value))
			return nil, false
		}
		if len(field.Enum) > 0 && !contains(field.Enum, str) {
			*errs = append(*errs, &Error{
				Code:    CodeEnumViolation,
				Path:    path,
				Message: fmt.Sprintf("value %q not in {%s}", str, strings.Join(field.Enum, ", ")),
			})
			return nil, false
		}
		if field.Format != "" {
			if err := scalarValidate.Var(str, field.Format); err != nil {
				*errs = append(*errs, &Error{
					Code:    CodeTypeMismatch,
					Path:    path,
					Message: fmt.Sprintf("value does not match format %q", field.Format),
				})
				return nil, false
			}
		}
		return str, true

	case KindInt:
		n, ok := asInt(value)
		if !ok {
			*errs = append(*errs, typeMismatch(path, "int", value))
			return nil, false
		}
		if !s.checkRange(float64(n), field, path, errs) {
			return nil, false
		}
		return n, true

	case KindFloat:
		f, ok := asFloat(value)
		if !ok {
			*errs = append(*errs, typeMismatch(path, "float", value))
			return nil, false
		}
		if !s.checkRange(f, field, path, errs) {
			return nil, false
		}
		return f, true

	case KindBool:
		b, ok := asBool(value)
		if !ok {
			*errs = append(*errs, typeMismatch(path, "bool", value))
			return nil, false
		}
		return b, true

	case KindMap:
		m, ok := value.(map[string]interface{})
		if !ok {
			*errs = append(*errs, typeMismatch(path, "mapping", value))
			return nil, false
		}
		return s.validateMapping(m, field.Fields, path, errs), true

	case KindList:
		list, ok := value.([]interface{})
		if !ok {
			*errs = append(*errs, typeMismatch(path, "list", value))
			return nil, false
		}
		if field.MaxItems > 0 && len(list) > field.MaxItems {
			*errs = append(*errs, &Error{
				Code:    CodeRangeViolation,
				Path:    path,
				Message: fmt.Sprintf("list has %d items, maximum is %d", len(list), field.MaxItems),
			})
			return nil, false
		}
		out := make([]interface{}, 0, len(list))
		for i, elem := range list {
			elemPath := fmt.Sprintf("%s[%d]", path, i)
			norm, ok := s.validateValue(elem, field.Elem, elemPath, errs)
			if !ok {
				continue
			}
			if record, isRecord := norm.(map[string]interface{}); isRecord {
				runChecks(field.Checks, record, elemPath, errs)
			}
			out = append(out, norm)
		}
		checkDuplicateIdentity(field.Identity, out, path, errs)
		return out, true

	default:
		*errs = append(*errs, typeMismatch(path, string(field.Type), value))
		return nil, false
	}
}

func (s *Schema) checkRange(v float64, field *Field, path string, errs *[]*Error) bool {
	inRange := true
	if field.Min != nil {
		if field.Exclusive && v <= *field.Min {
			inRange = false
		} else if !field.Exclusive && v < *field.Min {
			inRange = false
		}
	}
	if field.Max != nil {
		if field.Exclusive && v >= *field.Max {
			inRange = false
		} else if !field.Exclusive && v > *field.Max {
			inRange = false
		}
	}
	if !inRange {
		*errs = append(*errs, &Error{
			Code:    CodeRangeViolation,
			Path:    path,
			Message: fmt.Sprintf("value %v outside allowed range %s", v, rangeString(field)),
		})
	}
	return inRange
}

func runChecks(checks []CrossCheck, record map[string]interface{}, path string, errs *[]*Error) {
	for _, check := range checks {
		if problem := check.Check(record); problem != "" {
			*errs = append(*errs, &Error{
				Code:    CodeCrossField,
				Path:    path,
				Message: fmt.Sprintf("%s: %s", check.Name, problem),
			})
		}
	}
}

// checkDuplicateIdentity reports identity-key collisions within one list,
// with the positions of both occurrences.
func checkDuplicateIdentity(identity []string, list []interface{}, path string, errs *[]*Error) {
	if len(identity) == 0 {
		return
	}
	seen := make(map[string]int)
	for i, elem := range list {
		record, ok := elem.(map[string]interface{})
		if !ok {
			continue
		}
		parts := make([]string, 0, len(identity))
		complete := true
		for _, idField := range identity {
			v, present := record[idField]
			if !present {
				complete = false
				break
			}
			parts = append(parts, fmt.Sprintf("%v", v))
		}
		if !complete {
			continue
		}
		key := strings.Join(parts, "/")
		if first, dup := seen[key]; dup {
			*errs = append(*errs, &Error{
				Code:    CodeDuplicateIdentity,
				Path:    fmt.Sprintf("%s[%d]", path, i),
				Message: fmt.Sprintf("identity %q already used at %s[%d]", key, path, first),
			})
			continue
		}
		seen[key] = i
	}
}

func wireName(name string, field *Field) string {
	if field.Wire != "" {
		return field.Wire
	}
	return name
}

func joinPath(path, name string) string {
	if path == "" {
		return name
	}
	return path + "." + name
}

func typeMismatch(path, want string, got interface{}) *Error {
	return &Error{
		Code:    CodeTypeMismatch,
		Path:    path,
		Message: fmt.Sprintf("expected %s, got %T", want, got),
	}
}

func rangeString(field *Field) string {
	lo, hi := "-inf", "+inf"
	if field.Min != nil {
		lo = strconv.FormatFloat(*field.Min, 'g', -1, 64)
	}
	if field.Max != nil {
		hi = strconv.FormatFloat(*field.Max, 'g', -1, 64)
	}
	if field.Exclusive {
		return fmt.Sprintf("(%s, %s)", lo, hi)
	}
	return fmt.Sprintf("[%s, %s]", lo, hi)
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

// Scalar coercion: user-friendly representations are accepted where the
// conversion is unambiguous (e.g. "443" for a port).

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
		return 0, false
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	default:
		return 0, false
	}
}

func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true":
			return true, true
		case "false":
			return false, true
		}
		return false, false
	default:
		return false, false
	}
}

// Ptr returns a pointer to v; a convenience for Min/Max bounds.
func Ptr(v float64) *float64 {
	return &v
}
