package multitenantengine

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/liamcoop/decisions/rules"
)

const (
	maxObjects       = 100
	maxFields        = 200
	maxIdentifierLen = 100
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// fieldTypes are the record field types an organization schema may declare
var fieldTypes = map[string]bool{
	"int":       true,
	"int64":     true,
	"float64":   true,
	"string":    true,
	"bool":      true,
	"bytes":     true,
	"timestamp": true,
	"duration":  true,
	"list":      true,
	"map":       true,
}

// reservedNames cannot be schema objects: CEL keywords, and the variables
// every expression rule already sees.
var reservedNames = map[string]bool{
	"true": true, "false": true, "null": true,
	"if": true, "else": true, "for": true, "while": true,
	"break": true, "continue": true, "return": true,
	"var": true, "let": true, "const": true, "function": true,
	"in": true, "as": true, "import": true, "package": true,
	"namespace": true, "loop": true, "void": true,

	"record":                  true,
	rules.EnrichmentNamespace: true,
}

// ValidateSchema checks an organization schema and reports every problem
// found. Objects are visited in name order so messages are stable.
func ValidateSchema(schema Schema) error {
	if len(schema) == 0 {
		return errors.New("schema cannot be empty, must contain at least one object definition")
	}
	if len(schema) > maxObjects {
		return fmt.Errorf("schema contains %d objects, maximum allowed is %d", len(schema), maxObjects)
	}

	var errs []error
	for _, object := range sortedKeys(schema) {
		fields := schema[object]
		if err := validateIdentifier(object); err != nil {
			errs = append(errs, fmt.Errorf("invalid object name %q: %w", object, err))
			continue
		}
		switch {
		case len(fields) == 0:
			errs = append(errs, fmt.Errorf("object %q must contain at least one field", object))
			continue
		case len(fields) > maxFields:
			errs = append(errs, fmt.Errorf("object %q contains %d fields, maximum allowed is %d", object, len(fields), maxFields))
			continue
		}

		for _, field := range sortedKeys(fields) {
			if err := validateField(object, field, fields[field]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func validateField(object, field, typeName string) error {
	if err := validateIdentifier(field); err != nil {
		return fmt.Errorf("invalid field name %q in object %q: %w", field, object, err)
	}
	if typeName == "" {
		return fmt.Errorf("field %q in object %q has empty type name", field, object)
	}
	if strings.TrimSpace(typeName) != typeName {
		return fmt.Errorf("field %q in object %q has type with leading/trailing whitespace: %q", field, object, typeName)
	}
	if !isValidFieldType(typeName) {
		return fmt.Errorf("field %q in object %q has invalid type %q (must be one of: %s)",
			field, object, typeName, strings.Join(sortedKeys(fieldTypes), ", "))
	}
	return nil
}

// validateIdentifier checks an object or field name: 1 to 100 characters,
// a letter or underscore first, and not reserved.
func validateIdentifier(name string) error {
	if name == "" {
		return errors.New("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern %s", identifierPattern)
	}
	if reservedNames[name] {
		return fmt.Errorf("cannot use reserved name %q as identifier", name)
	}
	return nil
}

// isValidFieldType is case-sensitive
func isValidFieldType(typeName string) bool {
	return fieldTypes[typeName]
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
