package request

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitRequests(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, SplitRequests(" a; b ;;c "))
	assert.Empty(t, SplitRequests(""))
	assert.Empty(t, SplitRequests(" ; ; "))
	// Splitting is naive: senders must keep semicolons out of arguments.
	assert.Equal(t, []string{`echo("a`, `b")`}, SplitRequests(`echo("a;b")`))
}

func TestParse_CallSyntax(t *testing.T) {
	req, err := Parse(`add(2, 3)`, true)
	require.NoError(t, err)
	assert.Equal(t, "add", req.Name)
	assert.Equal(t, []Value{int64(2), int64(3)}, req.Args)
	assert.Empty(t, req.Kwargs)
}

func TestParse_CallSyntaxKwargs(t *testing.T) {
	req, err := Parse(`add(2, b=3)`, true)
	require.NoError(t, err)
	assert.Equal(t, []Value{int64(2)}, req.Args)
	assert.Equal(t, map[string]Value{"b": int64(3)}, req.Kwargs)
}

func TestParse_CallSyntaxLiterals(t *testing.T) {
	req, err := Parse(`mix("hi, there", 'it\'s', 1.5, -2, true, False)`, true)
	require.NoError(t, err)
	assert.Equal(t, []Value{"hi, there", "it's", 1.5, int64(-2), true, false}, req.Args)
}

func TestParse_CallSyntaxNoArgs(t *testing.T) {
	req, err := Parse(`ping()`, true)
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Name)
	assert.Empty(t, req.Args)
}

func TestParse_PositionalSyntax(t *testing.T) {
	req, err := Parse(`greet 'two words' 3 4.5`, true)
	require.NoError(t, err)
	assert.Equal(t, "greet", req.Name)
	assert.Equal(t, []Value{"two words", int64(3), 4.5}, req.Args)

	req, err = Parse("ping", true)
	require.NoError(t, err)
	assert.Equal(t, "ping", req.Name)
	assert.Empty(t, req.Args)
}

func TestParse_CallSyntaxDisallowed(t *testing.T) {
	_, err := Parse(`add(2, 3)`, false)
	assert.ErrorIs(t, err, ErrSyntax)

	// The plain form still parses.
	req, err := Parse(`add 2 3`, false)
	require.NoError(t, err)
	assert.Equal(t, []Value{int64(2), int64(3)}, req.Args)
}

func TestParse_SyntaxErrors(t *testing.T) {
	cases := []string{
		"",
		"(2, 3)",              // missing name
		`f(2, a=1, 3)`,        // positional after keyword
		`f(a=1, a=2)`,         // duplicate keyword
		`f(1,)`,               // trailing comma
		`f("unterminated)`,    // unterminated string
		`f(bareword)`,         // unquoted string literal
		`g 'unterminated`,     // unterminated string, plain form
		`g "dangling\`,        // dangling escape
	}
	for _, raw := range cases {
		_, err := Parse(raw, true)
		assert.ErrorIs(t, err, ErrSyntax, "Parse(%q)", raw)
	}
}
