// Package nodes provides the built-in node implementations.
package nodes

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

func getStringConfig(config map[string]interface{}, key, defaultValue string) string {
	if v, ok := config[key]; ok && v != nil {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprintf("%v", v)
	}
	return defaultValue
}

func getIntConfig(config map[string]interface{}, key string, defaultValue int) int {
	v, ok := config[key]
	if !ok || v == nil {
		return defaultValue
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	case string:
		if i, err := strconv.Atoi(n); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolConfig(config map[string]interface{}, key string, defaultValue bool) bool {
	v, ok := config[key]
	if !ok || v == nil {
		return defaultValue
	}
	switch b := v.(type) {
	case bool:
		return b
	case string:
		return b == "true"
	}
	return defaultValue
}

// getFieldValue walks a dot-notation path into a JSON object. A missing
// segment yields nil.
func getFieldValue(data map[string]interface{}, field string) interface{} {
	if field == "" {
		return data
	}
	parts := strings.Split(field, ".")
	var current interface{} = data
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = m[part]
	}
	return current
}

// setFieldValue writes a dot-notation path into a JSON object, creating
// intermediate objects as needed.
func setFieldValue(data map[string]interface{}, field string, value interface{}) {
	parts := strings.Split(field, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}

// evaluateOperation applies one comparison operation to a field value.
func evaluateOperation(fieldValue interface{}, operation string, compareValue interface{}) (bool, error) {
	switch operation {
	case "equals":
		return compareEqual(fieldValue, compareValue), nil
	case "notEquals":
		return !compareEqual(fieldValue, compareValue), nil
	case "contains":
		return strings.Contains(toString(fieldValue), toString(compareValue)), nil
	case "gt", "gte", "lt", "lte":
		a, aok := toNumber(fieldValue)
		b, bok := toNumber(compareValue)
		if !aok || !bok {
			return false, nil
		}
		switch operation {
		case "gt":
			return a > b, nil
		case "gte":
			return a >= b, nil
		case "lt":
			return a < b, nil
		default:
			return a <= b, nil
		}
	case "isEmpty":
		return isEmptyValue(fieldValue), nil
	case "isNotEmpty":
		return !isEmptyValue(fieldValue), nil
	case "isTrue":
		b, _ := fieldValue.(bool)
		return b, nil
	case "isFalse":
		b, ok := fieldValue.(bool)
		return ok && !b, nil
	case "regex":
		re, err := regexp.Compile(toString(compareValue))
		if err != nil {
			return false, fmt.Errorf("invalid regex %q: %w", toString(compareValue), err)
		}
		return re.MatchString(toString(fieldValue)), nil
	default:
		return false, fmt.Errorf("unknown operation %q", operation)
	}
}

func compareEqual(a, b interface{}) bool {
	if af, aok := toNumber(a); aok {
		if bf, bok := toNumber(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

func toString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return fmt.Sprintf("%v", v)
}

func toNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func isEmptyValue(v interface{}) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case []interface{}:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}
