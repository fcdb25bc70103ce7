package dispatch

import (
	"fmt"

	"github.com/widip-ai/ctrlplane/internal/contracts"
	"github.com/widip-ai/ctrlplane/internal/secrets"
)

// ValidateArguments checks arguments against params: required presence,
// primitive type match, and enum membership. It does not mutate arguments.
func ValidateArguments(params []contracts.ParamSchema, arguments map[string]any) *Error {
	for _, p := range params {
		value, present := arguments[p.Name]
		if !present {
			if p.Required {
				return NewError(KindInvalidParams, fmt.Sprintf("missing required parameter %q", p.Name))
			}
			continue
		}
		if err := validateKind(p, value); err != nil {
			return err
		}
	}
	return nil
}

func validateKind(p contracts.ParamSchema, value any) *Error {
	switch p.Kind {
	case contracts.KindString:
		if _, ok := value.(string); !ok {
			return typeMismatch(p.Name, "string")
		}
	case contracts.KindBoolean:
		if _, ok := value.(bool); !ok {
			return typeMismatch(p.Name, "boolean")
		}
	case contracts.KindInteger:
		if !isIntegral(value) {
			return typeMismatch(p.Name, "integer")
		}
	case contracts.KindNumber:
		if !isNumeric(value) {
			return typeMismatch(p.Name, "number")
		}
	case contracts.KindArray:
		if _, ok := value.([]any); !ok {
			return typeMismatch(p.Name, "array")
		}
	case contracts.KindObject:
		if _, ok := value.(map[string]any); !ok {
			return typeMismatch(p.Name, "object")
		}
	}

	if len(p.Enum) > 0 && !enumContains(p.Enum, value) {
		return NewError(KindInvalidParams, fmt.Sprintf("parameter %q must be one of %v", p.Name, p.Enum))
	}
	return nil
}

func typeMismatch(name, wantKind string) *Error {
	return NewError(KindInvalidParams, fmt.Sprintf("parameter %q must be a %s", name, wantKind))
}

func isIntegral(v any) bool {
	switch n := v.(type) {
	case int, int32, int64:
		return true
	case float64:
		return n == float64(int64(n))
	case float32:
		return n == float32(int32(n))
	default:
		return false
	}
}

func isNumeric(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64:
		return true
	default:
		return false
	}
}

func enumContains(enum []any, value any) bool {
	for _, e := range enum {
		if fmt.Sprint(e) == fmt.Sprint(value) {
			return true
		}
	}
	return false
}

// redactForAudit applies the secret-partitioning redaction walk before an
// argument tree is written into an audit entry — audit records must never
// retain plaintext sensitive values (spec.md §9 "Secret handling").
func redactForAudit(arguments map[string]any) map[string]any {
	return secrets.Redact(arguments)
}
