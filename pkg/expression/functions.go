package expression

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// registerBuiltinFunctions installs the helper library. Helpers are callable
// both as functions (length($json.name)) and in method position
// ($json.name.length()).
func (p *Parser) registerBuiltinFunctions() {
	p.functions["trim"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("trim", args, 0)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	}

	p.functions["uppercase"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("uppercase", args, 0)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	}

	p.functions["lowercase"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("lowercase", args, 0)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	}

	p.functions["split"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("split", args, 0)
		if err != nil {
			return nil, err
		}
		sep, err := stringArg("split", args, 1)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, sep)
		out := make([]interface{}, len(parts))
		for i, part := range parts {
			out[i] = part
		}
		return out, nil
	}

	p.functions["join"] = func(args ...interface{}) (interface{}, error) {
		if len(args) < 1 {
			return nil, fmt.Errorf("join: missing argument")
		}
		list, ok := args[0].([]interface{})
		if !ok {
			if IsUndefined(args[0]) {
				return Undefined, nil
			}
			return nil, fmt.Errorf("join: first argument must be an array")
		}
		sep := ","
		if len(args) > 1 {
			sep = Stringify(args[1])
		}
		parts := make([]string, len(list))
		for i, e := range list {
			parts[i] = Stringify(e)
		}
		return strings.Join(parts, sep), nil
	}

	p.functions["replace"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("replace", args, 0)
		if err != nil {
			return nil, err
		}
		old, err := stringArg("replace", args, 1)
		if err != nil {
			return nil, err
		}
		repl, err := stringArg("replace", args, 2)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, old, repl), nil
	}

	p.functions["includes"] = func(args ...interface{}) (interface{}, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("includes: need 2 arguments")
		}
		switch c := args[0].(type) {
		case string:
			return strings.Contains(c, Stringify(args[1])), nil
		case []interface{}:
			for _, e := range c {
				if looseEqual(e, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	}

	p.functions["substring"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("substring", args, 0)
		if err != nil {
			return nil, err
		}
		start, _ := toInt(argAt(args, 1))
		end := len(s)
		if len(args) > 2 {
			if e, ok := toInt(args[2]); ok {
				end = e
			}
		}
		start = clamp(start, 0, len(s))
		end = clamp(end, start, len(s))
		return s[start:end], nil
	}

	p.functions["length"] = func(args ...interface{}) (interface{}, error) {
		switch c := argAt(args, 0).(type) {
		case string:
			return float64(len(c)), nil
		case []interface{}:
			return float64(len(c)), nil
		case map[string]interface{}:
			return float64(len(c)), nil
		}
		return Undefined, nil
	}

	p.functions["first"] = func(args ...interface{}) (interface{}, error) {
		if list, ok := argAt(args, 0).([]interface{}); ok && len(list) > 0 {
			return list[0], nil
		}
		return Undefined, nil
	}

	p.functions["last"] = func(args ...interface{}) (interface{}, error) {
		if list, ok := argAt(args, 0).([]interface{}); ok && len(list) > 0 {
			return list[len(list)-1], nil
		}
		return Undefined, nil
	}

	p.functions["at"] = func(args ...interface{}) (interface{}, error) {
		list, ok := argAt(args, 0).([]interface{})
		if !ok {
			return Undefined, nil
		}
		idx, ok := toInt(argAt(args, 1))
		if !ok {
			return Undefined, nil
		}
		if idx < 0 {
			idx += len(list)
		}
		if idx < 0 || idx >= len(list) {
			return Undefined, nil
		}
		return list[idx], nil
	}

	p.functions["isArray"] = func(args ...interface{}) (interface{}, error) {
		_, ok := argAt(args, 0).([]interface{})
		return ok, nil
	}

	p.functions["isEmpty"] = func(args ...interface{}) (interface{}, error) {
		switch c := argAt(args, 0).(type) {
		case nil:
			return true, nil
		case undefinedType:
			return true, nil
		case string:
			return c == "", nil
		case []interface{}:
			return len(c) == 0, nil
		case map[string]interface{}:
			return len(c) == 0, nil
		}
		return false, nil
	}

	p.functions["String"] = func(args ...interface{}) (interface{}, error) {
		return Stringify(argAt(args, 0)), nil
	}

	p.functions["Number"] = func(args ...interface{}) (interface{}, error) {
		if f, ok := toFloat(argAt(args, 0)); ok {
			return f, nil
		}
		return Undefined, nil
	}

	p.functions["JSON_parse"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("JSON_parse", args, 0)
		if err != nil {
			return nil, err
		}
		var out interface{}
		if err := json.Unmarshal([]byte(s), &out); err != nil {
			return Undefined, nil
		}
		return out, nil
	}

	p.functions["now"] = func(args ...interface{}) (interface{}, error) {
		return time.Now().UTC().Format(time.RFC3339), nil
	}

	p.functions["typeof"] = func(args ...interface{}) (interface{}, error) {
		switch argAt(args, 0).(type) {
		case undefinedType:
			return "undefined", nil
		case nil:
			return "undefined", nil
		case string:
			return "string", nil
		case float64, float32, int, int64:
			return "number", nil
		case bool:
			return "boolean", nil
		case []interface{}:
			return "array", nil
		case map[string]interface{}:
			return "object", nil
		}
		return "object", nil
	}

	p.functions["regexMatch"] = func(args ...interface{}) (interface{}, error) {
		s, err := stringArg("regexMatch", args, 0)
		if err != nil {
			return nil, err
		}
		pattern, err := stringArg("regexMatch", args, 1)
		if err != nil {
			return nil, err
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("regexMatch: %w", err)
		}
		return re.MatchString(s), nil
	}
}

func argAt(args []interface{}, i int) interface{} {
	if i >= len(args) {
		return Undefined
	}
	return args[i]
}

func stringArg(fn string, args []interface{}, i int) (string, error) {
	v := argAt(args, i)
	if IsUndefined(v) {
		return "", fmt.Errorf("%s: argument %d is undefined", fn, i+1)
	}
	return Stringify(v), nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Stringify renders a value the way it appears inside interpolated strings.
// Undefined and nil become the empty string; whole numbers drop the decimal
// point; composites render as JSON.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil, undefinedType:
		return ""
	case string:
		return val
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}
