// Package harness runs JSON test vectors against the mesh coordination
// core and emits JSON results, so independent implementations can be
// cross-validated file by file.
package harness

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
)

// Vector is one test case: a function under test, optional setup state,
// an input object and the expected result object.
type Vector struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Module      string          `json:"module"`
	Function    string          `json:"function"`
	Description string          `json:"description,omitempty"`
	Setup       map[string]any  `json:"setup,omitempty"`
	Input       map[string]any  `json:"input"`
	Expected    map[string]any  `json:"expected"`
	Notes       json.RawMessage `json:"notes,omitempty"`
}

// Result is the outcome of one vector.
type Result struct {
	ID       string         `json:"id"`
	Module   string         `json:"module"`
	Function string         `json:"function"`
	Passed   bool           `json:"passed"`
	Error    string         `json:"error,omitempty"`
	Actual   map[string]any `json:"actual,omitempty"`
}

// LoadVector reads and parses one vector file.
func LoadVector(path string) (*Vector, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var v Vector
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &v, nil
}

// normalizeError maps the error spellings used by the different
// implementations onto one canonical form.
func normalizeError(s string) string {
	switch s {
	case "ERR_INVALID_ARG", "INVALID_ARG", "InvalidArg":
		return "InvalidArg"
	case "ERR_NOT_FOUND", "NOT_FOUND", "NotFound":
		return "NotFound"
	case "ERR_NO_MEMORY", "NO_MEMORY", "NoMemory":
		return "NoMemory"
	case "ERR_BUSY", "BUSY", "Busy":
		return "Busy"
	case "ERR_TIMEOUT", "TIMEOUT", "Timeout":
		return "Timeout"
	case "DIVIDE_BY_ZERO", "DivideByZero":
		return "DivideByZero"
	case "FIELD_EXPIRED", "Expired", "FieldExpired":
		return "FieldExpired"
	default:
		return s
	}
}

// compareResults checks an actual result against the expectation. The
// "return" field is compared after error normalization; when it is an
// error the remaining fields are not examined. Everything else the
// expectation names must match, numbers within a 1% tolerance; fields
// the expectation does not name are ignored.
func compareResults(expected, actual map[string]any) bool {
	if expReturn, ok := expected["return"].(string); ok {
		actReturn, _ := actual["return"].(string)
		if normalizeError(expReturn) != normalizeError(actReturn) {
			return false
		}
		if expReturn != "OK" {
			return true
		}
	}
	return compareValues(expected, actual)
}

func compareValues(expected, actual any) bool {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return false
		}
		for key, expVal := range exp {
			if key == "return" {
				continue
			}
			if actVal, present := act[key]; present {
				if !compareValues(expVal, actVal) {
					return false
				}
			}
		}
		return true
	case []any:
		act, ok := actual.([]any)
		if !ok || len(exp) != len(act) {
			return false
		}
		for i := range exp {
			if !compareValues(exp[i], act[i]) {
				return false
			}
		}
		return true
	case string:
		act, ok := actual.(string)
		return ok && exp == act
	case bool:
		act, ok := actual.(bool)
		return ok && exp == act
	case float64:
		return compareNumbers(exp, actual)
	case nil:
		return true
	default:
		return true
	}
}

// compareNumbers tolerates 1% relative or absolute deviation, matching
// the cross-validation tolerance used for fixed/float conversion drift.
func compareNumbers(exp float64, actual any) bool {
	act, ok := toFloat(actual)
	if !ok {
		return false
	}
	diff := math.Abs(exp - act)
	if diff < 0.01 {
		return true
	}
	return diff/math.Max(math.Abs(exp), 1e-10) < 0.01
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
