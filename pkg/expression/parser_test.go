package expression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *Context {
	return &Context{
		Items: []map[string]interface{}{
			{"name": "Alice", "age": float64(30), "tags": []interface{}{"a", "b"}},
			{"name": "Bob", "age": float64(25)},
		},
		ItemIndex: 0,
		RunIndex:  2,
		Env:       map[string]string{"API_KEY": "secret"},
		Execution: ExecutionInfo{
			ID:        "exec-1",
			Mode:      "manual",
			StartTime: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		},
		NodeOutput: func(name string) ([]map[string]interface{}, bool) {
			if name == "Fetch" {
				return []map[string]interface{}{
					{"statusCode": float64(200)},
					{"statusCode": float64(404)},
				}, true
			}
			return nil, false
		},
	}
}

func TestResolvePlainString(t *testing.T) {
	p := NewParser()
	v, warns, err := p.Resolve("no templates here", testContext(), false)
	require.NoError(t, err)
	assert.Empty(t, warns)
	assert.Equal(t, "no templates here", v)
}

func TestResolveWholeTemplateKeepsType(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	v, _, err := p.Resolve("{{ $json.age }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, float64(30), v)

	// Surrounding whitespace does not break the whole-template rule.
	v, _, err = p.Resolve("  {{ $json.tags }}  ", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"a", "b"}, v)
}

func TestResolveInterpolation(t *testing.T) {
	p := NewParser()
	v, _, err := p.Resolve("hello {{ $json.name }}, you are {{ $json.age }}", testContext(), false)
	require.NoError(t, err)
	assert.Equal(t, "hello Alice, you are 30", v)
}

func TestResolveInputReferences(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	v, _, err := p.Resolve("{{ $input[1].name }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "Bob", v)

	v, _, err = p.Resolve("{{ length($input.all()) }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)

	// Out-of-range index degrades to undefined, not an error.
	v, _, err = p.Resolve("{{ $input[9].name }}", ctx, false)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveNodeReference(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	// Without an item index the last item is used.
	v, _, err := p.Resolve(`{{ $node["Fetch"].json.statusCode }}`, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, float64(404), v)

	v, _, err = p.Resolve(`{{ $node["Fetch"].json[0].statusCode }}`, ctx, false)
	require.NoError(t, err)
	assert.Equal(t, float64(200), v)

	v, _, err = p.Resolve(`{{ $node["Missing"].json.x }}`, ctx, false)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestResolveEnvAndExecution(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	v, _, err := p.Resolve("{{ $env.API_KEY }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "secret", v)

	v, _, err = p.Resolve("{{ $execution.id }}-{{ $execution.mode }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "exec-1-manual", v)

	v, _, err = p.Resolve("{{ $runIndex }} {{ $itemIndex }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "2 0", v)
}

func TestArithmeticAndComparison(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	cases := []struct {
		expr string
		want interface{}
	}{
		{"{{ 1 + 2 * 3 }}", float64(7)},
		{"{{ (1 + 2) * 3 }}", float64(9)},
		{"{{ 10 % 3 }}", float64(1)},
		{"{{ $json.age - 5 }}", float64(25)},
		{"{{ $json.age > 18 }}", true},
		{"{{ $json.name == 'Alice' }}", true},
		{"{{ $json.name != 'Alice' }}", false},
		{"{{ 'a' + 'b' }}", "ab"},
	}
	for _, tc := range cases {
		v, _, err := p.Resolve(tc.expr, ctx, false)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestUndefinedPolicy(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	// Missing path resolves to undefined (nil at the API boundary).
	v, _, err := p.Resolve("{{ $json.missing.deeper }}", ctx, false)
	require.NoError(t, err)
	assert.Nil(t, v)

	// Arithmetic on undefined stays undefined.
	v, _, err = p.Resolve("{{ $json.missing + 1 }}", ctx, false)
	require.NoError(t, err)
	assert.Nil(t, v)

	// Comparison with undefined is false, both directions.
	v, _, err = p.Resolve("{{ $json.missing == 1 }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, false, v)
	v, _, err = p.Resolve("{{ $json.missing != 1 }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, false, v)

	// Interpolating undefined produces the empty string.
	v, _, err = p.Resolve("x={{ $json.missing }}!", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "x=!", v)
}

func TestMalformedTemplate(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	v, warns, err := p.Resolve("{{ $json. }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "", v)
	assert.Len(t, warns, 1)

	_, _, err = p.Resolve("{{ $json. }}", ctx, true)
	assert.Error(t, err)
}

func TestHelperFunctions(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	cases := []struct {
		expr string
		want interface{}
	}{
		{"{{ trim('  hi  ') }}", "hi"},
		{"{{ uppercase($json.name) }}", "ALICE"},
		{"{{ lowercase('ABC') }}", "abc"},
		{"{{ join(split('a,b,c', ','), '-') }}", "a-b-c"},
		{"{{ replace('foo bar', 'bar', 'baz') }}", "foo baz"},
		{"{{ includes('hello', 'ell') }}", true},
		{"{{ includes($json.tags, 'b') }}", true},
		{"{{ substring('workflow', 0, 4) }}", "work"},
		{"{{ length('abcd') }}", float64(4)},
		{"{{ first($json.tags) }}", "a"},
		{"{{ last($json.tags) }}", "b"},
		{"{{ at($json.tags, -1) }}", "b"},
		{"{{ isArray($json.tags) }}", true},
		{"{{ isEmpty('') }}", true},
		{"{{ isEmpty($json.name) }}", false},
		{"{{ String(42) }}", "42"},
		{"{{ Number('3.5') }}", float64(3.5)},
		{"{{ typeof($json.age) }}", "number"},
		{"{{ typeof($json.missing) }}", "undefined"},
	}
	for _, tc := range cases {
		v, warns, err := p.Resolve(tc.expr, ctx, false)
		require.NoError(t, err, tc.expr)
		require.Empty(t, warns, tc.expr)
		assert.Equal(t, tc.want, v, tc.expr)
	}
}

func TestMethodStyleHelpers(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	v, _, err := p.Resolve("{{ $json.name.uppercase() }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "ALICE", v)

	v, _, err = p.Resolve("{{ $json.tags.length() }}", ctx, false)
	require.NoError(t, err)
	assert.Equal(t, float64(2), v)
}

func TestJSONParse(t *testing.T) {
	p := NewParser()
	v, _, err := p.Resolve(`{{ JSON_parse('{"a": 1}') }}`, testContext(), false)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"a": float64(1)}, v)
}

func TestResolveValueRecurses(t *testing.T) {
	p := NewParser()
	ctx := testContext()

	in := map[string]interface{}{
		"url": "https://api.example.com/users/{{ $json.name }}",
		"nested": map[string]interface{}{
			"age": "{{ $json.age }}",
		},
		"list":   []interface{}{"{{ $json.name }}", float64(1)},
		"number": float64(7),
	}
	out, warns, err := p.ResolveValue(in, ctx, false)
	require.NoError(t, err)
	assert.Empty(t, warns)

	m := out.(map[string]interface{})
	assert.Equal(t, "https://api.example.com/users/Alice", m["url"])
	assert.Equal(t, float64(30), m["nested"].(map[string]interface{})["age"])
	assert.Equal(t, "Alice", m["list"].([]interface{})[0])
	assert.Equal(t, float64(7), m["number"])
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", Stringify(nil))
	assert.Equal(t, "", Stringify(Undefined))
	assert.Equal(t, "3", Stringify(float64(3)))
	assert.Equal(t, "3.5", Stringify(float64(3.5)))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, `["a"]`, Stringify([]interface{}{"a"}))
}
