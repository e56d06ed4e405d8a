// Package expression provides parsing and evaluation of {{ ... }} templates
// embedded in workflow node parameters.
package expression

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
)

var templatePattern = regexp.MustCompile(`\{\{([^}]*)\}\}`)

type undefinedType struct{}

// Undefined is the sentinel produced by missing paths. Arithmetic on it
// yields Undefined again, comparisons with it are false, and interpolating
// it produces the empty string.
var Undefined = undefinedType{}

// IsUndefined reports whether a value is the undefined sentinel.
func IsUndefined(v interface{}) bool {
	_, ok := v.(undefinedType)
	return ok
}

// Context is the read-only evaluation context of one resolution call.
type Context struct {
	// Items is the current input item list ($input); each element is the
	// item's json object.
	Items []map[string]interface{}
	// ItemIndex selects the current item for $json and $itemIndex.
	ItemIndex int
	// RunIndex is the node's run counter within the execution.
	RunIndex int
	// NodeOutput returns the last output items of a previously executed
	// node, by name.
	NodeOutput func(name string) ([]map[string]interface{}, bool)
	// Env is the host-injected environment mapping.
	Env       map[string]string
	Execution ExecutionInfo
}

// ExecutionInfo holds execution metadata exposed as $execution.
type ExecutionInfo struct {
	ID        string
	Mode      string
	StartTime time.Time
}

// CurrentJSON returns the json object of the current item, or nil.
func (c *Context) CurrentJSON() map[string]interface{} {
	if c.ItemIndex >= 0 && c.ItemIndex < len(c.Items) {
		return c.Items[c.ItemIndex]
	}
	return nil
}

// Parser evaluates templates against a Context.
type Parser struct {
	functions map[string]Function
}

// Function is a built-in helper callable from expressions.
type Function func(args ...interface{}) (interface{}, error)

// NewParser creates a parser with the built-in helpers registered.
func NewParser() *Parser {
	p := &Parser{functions: make(map[string]Function)}
	p.registerBuiltinFunctions()
	return p
}

// Resolve evaluates all templates in a string parameter value. A value
// that, after trimming surrounding whitespace, is a single {{ ... }} token
// resolves to the typed value; any other shape is string interpolation.
// Malformed templates degrade to the empty string and are reported as
// warnings unless strict is set, in which case they become errors.
func (p *Parser) Resolve(value string, ctx *Context, strict bool) (interface{}, []string, error) {
	if !strings.Contains(value, "{{") {
		return value, nil, nil
	}

	trimmed := strings.TrimSpace(value)
	if m := templatePattern.FindStringIndex(trimmed); m != nil && m[0] == 0 && m[1] == len(trimmed) {
		inner := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		result, err := p.evaluate(inner, ctx)
		if err != nil {
			if strict {
				return nil, nil, fmt.Errorf("expression %q: %w", inner, err)
			}
			return "", []string{fmt.Sprintf("expression %q: %v", inner, err)}, nil
		}
		if IsUndefined(result) {
			return nil, nil, nil
		}
		return result, nil, nil
	}

	var warnings []string
	var firstErr error
	out := templatePattern.ReplaceAllStringFunc(value, func(match string) string {
		inner := strings.TrimSpace(match[2 : len(match)-2])
		result, err := p.evaluate(inner, ctx)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("expression %q: %v", inner, err))
			if firstErr == nil {
				firstErr = fmt.Errorf("expression %q: %w", inner, err)
			}
			return ""
		}
		return Stringify(result)
	})
	if strict && firstErr != nil {
		return nil, warnings, firstErr
	}
	return out, warnings, nil
}

// ResolveValue resolves templates recursively through maps, slices and
// strings, leaving other value kinds untouched.
func (p *Parser) ResolveValue(value interface{}, ctx *Context, strict bool) (interface{}, []string, error) {
	switch v := value.(type) {
	case string:
		return p.Resolve(v, ctx, strict)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		var warnings []string
		for k, e := range v {
			resolved, w, err := p.ResolveValue(e, ctx, strict)
			if err != nil {
				return nil, warnings, err
			}
			warnings = append(warnings, w...)
			out[k] = resolved
		}
		return out, warnings, nil
	case []interface{}:
		out := make([]interface{}, len(v))
		var warnings []string
		for i, e := range v {
			resolved, w, err := p.ResolveValue(e, ctx, strict)
			if err != nil {
				return nil, warnings, err
			}
			warnings = append(warnings, w...)
			out[i] = resolved
		}
		return out, warnings, nil
	default:
		return value, nil, nil
	}
}

// evaluate parses and evaluates one expression (the inside of a template).
func (p *Parser) evaluate(expr string, ctx *Context) (interface{}, error) {
	toks, err := tokenize(expr)
	if err != nil {
		return nil, err
	}
	if len(toks) == 0 {
		return Undefined, nil
	}
	ev := &evaluator{parser: p, ctx: ctx, toks: toks}
	result, err := ev.comparison()
	if err != nil {
		return nil, err
	}
	if !ev.atEnd() {
		return nil, fmt.Errorf("unexpected token %q", ev.peek().text)
	}
	return result, nil
}

// --- tokenizer ---

type tokenKind int

const (
	tokIdent tokenKind = iota
	tokDollar
	tokNumber
	tokString
	tokOp
	tokPunct
)

type token struct {
	kind tokenKind
	text string
	num  float64
	str  string
}

func tokenize(s string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(s) {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '$':
			j := i + 1
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokDollar, text: s[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(s) && isIdentChar(s[j]) {
				j++
			}
			toks = append(toks, token{kind: tokIdent, text: s[i:j]})
			i = j
		case c >= '0' && c <= '9':
			j := i
			for j < len(s) && (s[j] >= '0' && s[j] <= '9' || s[j] == '.') {
				j++
			}
			n, err := strconv.ParseFloat(s[i:j], 64)
			if err != nil {
				return nil, fmt.Errorf("bad number %q", s[i:j])
			}
			toks = append(toks, token{kind: tokNumber, text: s[i:j], num: n})
			i = j
		case c == '"' || c == '\'':
			quote := c
			j := i + 1
			var b strings.Builder
			for j < len(s) && s[j] != quote {
				if s[j] == '\\' && j+1 < len(s) {
					j++
				}
				b.WriteByte(s[j])
				j++
			}
			if j >= len(s) {
				return nil, fmt.Errorf("unterminated string")
			}
			toks = append(toks, token{kind: tokString, text: s[i : j+1], str: b.String()})
			i = j + 1
		case strings.ContainsRune("=!<>", rune(c)):
			j := i + 1
			if j < len(s) && s[j] == '=' {
				j++
			}
			toks = append(toks, token{kind: tokOp, text: s[i:j]})
			i = j
		case strings.ContainsRune("+-*/%", rune(c)):
			toks = append(toks, token{kind: tokOp, text: string(c)})
			i++
		case strings.ContainsRune("()[].,", rune(c)):
			toks = append(toks, token{kind: tokPunct, text: string(c)})
			i++
		default:
			return nil, fmt.Errorf("unexpected character %q", string(c))
		}
	}
	return toks, nil
}

func isIdentChar(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}

// --- recursive-descent evaluator ---

type evaluator struct {
	parser *Parser
	ctx    *Context
	toks   []token
	pos    int
}

func (e *evaluator) atEnd() bool    { return e.pos >= len(e.toks) }
func (e *evaluator) peek() token    { return e.toks[e.pos] }
func (e *evaluator) advance() token { t := e.toks[e.pos]; e.pos++; return t }

func (e *evaluator) match(kind tokenKind, text string) bool {
	if e.atEnd() || e.toks[e.pos].kind != kind || e.toks[e.pos].text != text {
		return false
	}
	e.pos++
	return true
}

func (e *evaluator) expect(kind tokenKind, text string) error {
	if !e.match(kind, text) {
		if e.atEnd() {
			return fmt.Errorf("expected %q, got end of expression", text)
		}
		return fmt.Errorf("expected %q, got %q", text, e.peek().text)
	}
	return nil
}

func (e *evaluator) comparison() (interface{}, error) {
	left, err := e.additive()
	if err != nil {
		return nil, err
	}
	if e.atEnd() || e.peek().kind != tokOp {
		return left, nil
	}
	switch op := e.peek().text; op {
	case "==", "!=", "<", "<=", ">", ">=":
		e.advance()
		right, err := e.additive()
		if err != nil {
			return nil, err
		}
		return compare(left, op, right), nil
	}
	return left, nil
}

func (e *evaluator) additive() (interface{}, error) {
	left, err := e.multiplicative()
	if err != nil {
		return nil, err
	}
	for !e.atEnd() && e.peek().kind == tokOp && (e.peek().text == "+" || e.peek().text == "-") {
		op := e.advance().text
		right, err := e.multiplicative()
		if err != nil {
			return nil, err
		}
		left = arithmetic(left, op, right)
	}
	return left, nil
}

func (e *evaluator) multiplicative() (interface{}, error) {
	left, err := e.primary()
	if err != nil {
		return nil, err
	}
	for !e.atEnd() && e.peek().kind == tokOp && strings.Contains("*/%", e.peek().text) {
		op := e.advance().text
		right, err := e.primary()
		if err != nil {
			return nil, err
		}
		left = arithmetic(left, op, right)
	}
	return left, nil
}

func (e *evaluator) primary() (interface{}, error) {
	if e.atEnd() {
		return nil, fmt.Errorf("unexpected end of expression")
	}
	t := e.peek()
	switch {
	case t.kind == tokNumber:
		e.advance()
		return t.num, nil
	case t.kind == tokString:
		e.advance()
		return t.str, nil
	case t.kind == tokPunct && t.text == "(":
		e.advance()
		v, err := e.comparison()
		if err != nil {
			return nil, err
		}
		if err := e.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		return e.path(v)
	case t.kind == tokOp && t.text == "-":
		e.advance()
		v, err := e.primary()
		if err != nil {
			return nil, err
		}
		return arithmetic(float64(0), "-", v), nil
	case t.kind == tokDollar:
		return e.reference()
	case t.kind == tokIdent:
		return e.identOrCall()
	}
	return nil, fmt.Errorf("unexpected token %q", t.text)
}

// identOrCall handles helper function calls and the literals true/false/null.
func (e *evaluator) identOrCall() (interface{}, error) {
	name := e.advance().text
	switch name {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return Undefined, nil
	}
	if err := e.expect(tokPunct, "("); err != nil {
		return nil, fmt.Errorf("unknown identifier %q", name)
	}
	var args []interface{}
	if !e.match(tokPunct, ")") {
		for {
			arg, err := e.comparison()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if e.match(tokPunct, ")") {
				break
			}
			if err := e.expect(tokPunct, ","); err != nil {
				return nil, err
			}
		}
	}
	fn, ok := e.parser.functions[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	result, err := fn(args...)
	if err != nil {
		return nil, err
	}
	return e.path(result)
}

// reference resolves $json, $input, $node, $env, $execution, $runIndex and
// $itemIndex, followed by an optional access path.
func (e *evaluator) reference() (interface{}, error) {
	ref := e.advance().text
	switch ref {
	case "$json":
		var base interface{} = e.ctx.CurrentJSON()
		if base == nil || e.ctx.CurrentJSON() == nil {
			base = Undefined
		}
		return e.path(base)
	case "$runIndex":
		return float64(e.ctx.RunIndex), nil
	case "$itemIndex":
		return float64(e.ctx.ItemIndex), nil
	case "$env":
		if err := e.expect(tokPunct, "."); err != nil {
			return nil, err
		}
		if e.atEnd() || e.peek().kind != tokIdent {
			return nil, fmt.Errorf("expected environment variable name after $env")
		}
		name := e.advance().text
		if v, ok := e.ctx.Env[name]; ok {
			return v, nil
		}
		return Undefined, nil
	case "$execution":
		if err := e.expect(tokPunct, "."); err != nil {
			return nil, err
		}
		if e.atEnd() || e.peek().kind != tokIdent {
			return nil, fmt.Errorf("expected field after $execution")
		}
		switch e.advance().text {
		case "id":
			return e.ctx.Execution.ID, nil
		case "mode":
			return e.ctx.Execution.Mode, nil
		case "startTime":
			return e.ctx.Execution.StartTime.Format(time.RFC3339), nil
		default:
			return Undefined, nil
		}
	case "$input":
		return e.inputReference()
	case "$node":
		return e.nodeReference()
	}
	return nil, fmt.Errorf("unknown reference %q", ref)
}

func (e *evaluator) inputReference() (interface{}, error) {
	// $input.all() or $input[i]
	if e.match(tokPunct, ".") {
		if e.atEnd() || e.peek().kind != tokIdent || e.peek().text != "all" {
			return nil, fmt.Errorf("expected all() after $input.")
		}
		e.advance()
		if err := e.expect(tokPunct, "("); err != nil {
			return nil, err
		}
		if err := e.expect(tokPunct, ")"); err != nil {
			return nil, err
		}
		all := make([]interface{}, len(e.ctx.Items))
		for i, it := range e.ctx.Items {
			all[i] = it
		}
		return e.path(all)
	}
	if err := e.expect(tokPunct, "["); err != nil {
		return nil, err
	}
	idxVal, err := e.comparison()
	if err != nil {
		return nil, err
	}
	if err := e.expect(tokPunct, "]"); err != nil {
		return nil, err
	}
	idx, ok := toInt(idxVal)
	if !ok || idx < 0 || idx >= len(e.ctx.Items) {
		return e.path(Undefined)
	}
	return e.path(e.ctx.Items[idx])
}

func (e *evaluator) nodeReference() (interface{}, error) {
	if err := e.expect(tokPunct, "["); err != nil {
		return nil, err
	}
	if e.atEnd() || e.peek().kind != tokString {
		return nil, fmt.Errorf("expected node name string after $node[")
	}
	name := e.advance().str
	if err := e.expect(tokPunct, "]"); err != nil {
		return nil, err
	}
	if err := e.expect(tokPunct, "."); err != nil {
		return nil, err
	}
	if e.atEnd() || e.peek().kind != tokIdent || e.peek().text != "json" {
		return nil, fmt.Errorf("expected .json after node reference")
	}
	e.advance()

	if e.ctx.NodeOutput == nil {
		return e.path(Undefined)
	}
	items, ok := e.ctx.NodeOutput(name)
	if !ok || len(items) == 0 {
		return e.path(Undefined)
	}

	// Optional item index: $node["X"].json[k] selects the k-th item's
	// json; without it the last item's json is used.
	if !e.atEnd() && e.peek().kind == tokPunct && e.peek().text == "[" {
		save := e.pos
		e.advance()
		idxVal, err := e.comparison()
		if err != nil {
			return nil, err
		}
		if err := e.expect(tokPunct, "]"); err != nil {
			return nil, err
		}
		if idx, ok := toInt(idxVal); ok {
			if idx < 0 || idx >= len(items) {
				return e.path(Undefined)
			}
			return e.path(items[idx])
		}
		// Not an integer index; treat it as a key on the last item.
		e.pos = save
	}
	return e.path(items[len(items)-1])
}

// path applies trailing .field and [index]/["key"] accessors to a value.
// Missing paths yield Undefined rather than an error.
func (e *evaluator) path(base interface{}) (interface{}, error) {
	current := base
	for !e.atEnd() {
		t := e.peek()
		if t.kind == tokPunct && t.text == "." {
			if e.pos+1 < len(e.toks) && e.toks[e.pos+1].kind == tokIdent {
				// Method-style helper call: value.helper(...)
				if e.pos+2 < len(e.toks) && e.toks[e.pos+2].kind == tokPunct && e.toks[e.pos+2].text == "(" {
					v, err := e.methodCall(current)
					if err != nil {
						return nil, err
					}
					current = v
					continue
				}
				e.advance()
				field := e.advance().text
				current = getField(current, field)
				continue
			}
			return nil, fmt.Errorf("expected field name after '.'")
		}
		if t.kind == tokPunct && t.text == "[" {
			e.advance()
			key, err := e.comparison()
			if err != nil {
				return nil, err
			}
			if err := e.expect(tokPunct, "]"); err != nil {
				return nil, err
			}
			current = getIndex(current, key)
			continue
		}
		break
	}
	return current, nil
}

// methodCall evaluates value.helper(args...) as helper(value, args...).
func (e *evaluator) methodCall(receiver interface{}) (interface{}, error) {
	e.advance() // '.'
	name := e.advance().text
	e.advance() // '('
	args := []interface{}{receiver}
	if !e.match(tokPunct, ")") {
		for {
			arg, err := e.comparison()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if e.match(tokPunct, ")") {
				break
			}
			if err := e.expect(tokPunct, ","); err != nil {
				return nil, err
			}
		}
	}
	fn, ok := e.parser.functions[name]
	if !ok {
		return nil, fmt.Errorf("unknown function %q", name)
	}
	return fn(args...)
}

// --- value semantics ---

func getField(v interface{}, field string) interface{} {
	if IsUndefined(v) {
		return Undefined
	}
	switch m := v.(type) {
	case map[string]interface{}:
		if val, ok := m[field]; ok {
			return val
		}
	case map[string]string:
		if val, ok := m[field]; ok {
			return val
		}
	}
	return Undefined
}

func getIndex(v, key interface{}) interface{} {
	if IsUndefined(v) {
		return Undefined
	}
	switch c := v.(type) {
	case []interface{}:
		if idx, ok := toInt(key); ok && idx >= 0 && idx < len(c) {
			return c[idx]
		}
	case map[string]interface{}:
		if s, ok := key.(string); ok {
			return getField(c, s)
		}
	}
	return Undefined
}

func arithmetic(left interface{}, op string, right interface{}) interface{} {
	if IsUndefined(left) || IsUndefined(right) {
		return Undefined
	}
	if op == "+" {
		_, lNum := toFloat(left)
		_, rNum := toFloat(right)
		if !lNum || !rNum {
			return Stringify(left) + Stringify(right)
		}
	}
	l, lok := toFloat(left)
	r, rok := toFloat(right)
	if !lok || !rok {
		return Undefined
	}
	switch op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		if r == 0 {
			return Undefined
		}
		return l / r
	case "%":
		if r == 0 {
			return Undefined
		}
		return float64(int64(l) % int64(r))
	}
	return Undefined
}

func compare(left interface{}, op string, right interface{}) bool {
	if IsUndefined(left) || IsUndefined(right) {
		return false
	}
	switch op {
	case "==":
		return looseEqual(left, right)
	case "!=":
		return !looseEqual(left, right)
	}
	l, lok := toFloat(left)
	r, rok := toFloat(right)
	if lok && rok {
		switch op {
		case "<":
			return l < r
		case "<=":
			return l <= r
		case ">":
			return l > r
		case ">=":
			return l >= r
		}
	}
	ls, rs := Stringify(left), Stringify(right)
	switch op {
	case "<":
		return ls < rs
	case "<=":
		return ls <= rs
	case ">":
		return ls > rs
	case ">=":
		return ls >= rs
	}
	return false
}

func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return Stringify(a) == Stringify(b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toInt(v interface{}) (int, bool) {
	f, ok := toFloat(v)
	if !ok || f != float64(int(f)) {
		return 0, false
	}
	return int(f), true
}
