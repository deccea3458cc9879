// Package request implements the RPC layer on top of the cloud socket: one
// socket message is one request or one response. Handlers are registered
// under unique names with per-handler conversion and threading policy.
package request

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrSyntax reports a request body that does not parse.
var ErrSyntax = errors.New("malformed request syntax")

// Value is a parsed argument: string, int64, float64 or bool.
type Value any

// Request is one parsed RPC call.
type Request struct {
	Name   string
	Args   []Value
	Kwargs map[string]Value
}

var (
	nameRe = regexp.MustCompile(`^\w+`)
	callRe = regexp.MustCompile(`^\w+\(.*\)$`)
)

// SplitRequests splits a message body into sub-requests on semicolons.
// Only the final sub-request's result is sent back to the caller.
func SplitRequests(msg string) []string {
	parts := strings.Split(msg, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Parse parses one sub-request. allowCall selects between call-expression
// syntax `name(arg1, arg2, kw=val)` and the plain positional form
// `name arg1 arg2`.
func Parse(raw string, allowCall bool) (Request, error) {
	raw = strings.TrimSpace(raw)
	name := nameRe.FindString(raw)
	if name == "" {
		return Request{}, fmt.Errorf("%w: missing request name", ErrSyntax)
	}
	if callRe.MatchString(raw) {
		if !allowCall {
			return Request{}, fmt.Errorf("%w: call syntax not allowed for %q", ErrSyntax, name)
		}
		return parseCall(raw, name)
	}
	return parsePositional(raw, name)
}

// parseCall parses `name(arg, arg, kw=val)`.
func parseCall(raw, name string) (Request, error) {
	open := strings.Index(raw, "(")
	inner := raw[open+1 : len(raw)-1]

	req := Request{Name: name, Kwargs: map[string]Value{}}
	parts, err := splitTopLevel(inner)
	if err != nil {
		return Request{}, err
	}
	for _, part := range parts {
		if key, val, isKw := splitKwarg(part); isKw {
			v, err := parseLiteral(val)
			if err != nil {
				return Request{}, err
			}
			if _, dup := req.Kwargs[key]; dup {
				return Request{}, fmt.Errorf("%w: duplicate keyword %q", ErrSyntax, key)
			}
			req.Kwargs[key] = v
			continue
		}
		if len(req.Kwargs) > 0 {
			return Request{}, fmt.Errorf("%w: positional argument after keyword", ErrSyntax)
		}
		v, err := parseLiteral(part)
		if err != nil {
			return Request{}, err
		}
		req.Args = append(req.Args, v)
	}
	return req, nil
}

// parsePositional parses `name arg 'two words' 3.5`. Arguments are quoted
// strings or numeric literals.
func parsePositional(raw, name string) (Request, error) {
	rest := strings.TrimSpace(raw[len(name):])
	req := Request{Name: name}
	if rest == "" {
		return req, nil
	}

	tokens, err := splitSpaces(rest)
	if err != nil {
		return Request{}, err
	}
	for _, tok := range tokens {
		v, err := parseLiteral(tok)
		if err != nil {
			return Request{}, err
		}
		req.Args = append(req.Args, v)
	}
	return req, nil
}

// splitTopLevel splits on commas outside quotes.
func splitTopLevel(s string) ([]string, error) {
	var (
		parts   []string
		current strings.Builder
		quote   rune
		escaped bool
	)
	for _, c := range s {
		switch {
		case escaped:
			current.WriteRune(c)
			escaped = false
		case quote != 0 && c == '\\':
			current.WriteRune(c)
			escaped = true
		case quote != 0:
			current.WriteRune(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			current.WriteRune(c)
			quote = c
		case c == ',':
			parts = append(parts, strings.TrimSpace(current.String()))
			current.Reset()
		default:
			current.WriteRune(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
	}
	if last := strings.TrimSpace(current.String()); last != "" {
		parts = append(parts, last)
	} else if len(parts) > 0 {
		return nil, fmt.Errorf("%w: trailing comma", ErrSyntax)
	}
	return parts, nil
}

// splitSpaces splits on spaces outside quotes.
func splitSpaces(s string) ([]string, error) {
	var (
		tokens  []string
		current strings.Builder
		quote   rune
		escaped bool
	)
	flush := func() {
		if current.Len() > 0 {
			tokens = append(tokens, current.String())
			current.Reset()
		}
	}
	for _, c := range s {
		switch {
		case escaped:
			current.WriteRune(c)
			escaped = false
		case quote != 0 && c == '\\':
			current.WriteRune(c)
			escaped = true
		case quote != 0:
			current.WriteRune(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			current.WriteRune(c)
			quote = c
		case c == ' ':
			flush()
		default:
			current.WriteRune(c)
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("%w: unterminated string", ErrSyntax)
	}
	flush()
	return tokens, nil
}

// splitKwarg detects `identifier=value` at the top level.
func splitKwarg(part string) (key, val string, ok bool) {
	eq := strings.Index(part, "=")
	if eq <= 0 {
		return "", "", false
	}
	key = strings.TrimSpace(part[:eq])
	for _, c := range key {
		if !isWordChar(c) {
			return "", "", false
		}
	}
	return key, strings.TrimSpace(part[eq+1:]), true
}

// parseLiteral interprets one argument token: quoted string, bool, int or
// float.
func parseLiteral(tok string) (Value, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty argument", ErrSyntax)
	}
	if tok[0] == '\'' || tok[0] == '"' {
		return unquote(tok)
	}
	switch tok {
	case "true", "True":
		return true, nil
	case "false", "False":
		return false, nil
	}
	if i, err := strconv.ParseInt(tok, 10, 64); err == nil {
		return i, nil
	}
	if f, err := strconv.ParseFloat(tok, 64); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("%w: bad literal %q", ErrSyntax, tok)
}

func unquote(tok string) (string, error) {
	if len(tok) < 2 || tok[len(tok)-1] != tok[0] {
		return "", fmt.Errorf("%w: unterminated string %q", ErrSyntax, tok)
	}
	inner := tok[1 : len(tok)-1]
	var b strings.Builder
	escaped := false
	for _, c := range inner {
		if escaped {
			b.WriteRune(c)
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		b.WriteRune(c)
	}
	if escaped {
		return "", fmt.Errorf("%w: dangling escape in %q", ErrSyntax, tok)
	}
	return b.String(), nil
}

func isWordChar(c rune) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
