package request

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"
)

// ErrBadArgument reports an argument that cannot be matched to the
// handler's declared parameter.
var ErrBadArgument = errors.New("argument does not match parameter")

var errType = reflect.TypeOf((*error)(nil)).Elem()

// paramPlan is the per-parameter type-tag table built once at registration
// and consulted on every dispatch.
type paramPlan struct {
	types []reflect.Type
	names []string // for keyword matching; may be empty
}

// supportedParam reports whether a handler parameter type is dispatchable.
func supportedParam(t reflect.Type) bool {
	switch t.Kind() {
	case reflect.String, reflect.Int, reflect.Int64, reflect.Float64, reflect.Bool:
		return true
	default:
		return false
	}
}

// buildPlan validates a handler func and precomputes its parameter table.
func buildPlan(fn reflect.Type, names []string) (paramPlan, error) {
	if fn.Kind() != reflect.Func {
		return paramPlan{}, fmt.Errorf("handler must be a func, got %s", fn.Kind())
	}
	if fn.IsVariadic() {
		return paramPlan{}, fmt.Errorf("variadic handlers are not supported")
	}
	if fn.NumOut() > 2 {
		return paramPlan{}, fmt.Errorf("handler returns %d values, want at most (result, error)", fn.NumOut())
	}
	if fn.NumOut() == 2 && !fn.Out(1).Implements(errType) {
		return paramPlan{}, fmt.Errorf("handler's second return must be error")
	}

	plan := paramPlan{types: make([]reflect.Type, fn.NumIn())}
	for i := 0; i < fn.NumIn(); i++ {
		t := fn.In(i)
		if !supportedParam(t) {
			return paramPlan{}, fmt.Errorf("parameter %d: unsupported type %s", i, t)
		}
		plan.types[i] = t
	}
	if len(names) > 0 {
		if len(names) != fn.NumIn() {
			return paramPlan{}, fmt.Errorf("%d parameter names for %d parameters", len(names), fn.NumIn())
		}
		plan.names = names
	}
	return plan, nil
}

// bind lays positional and keyword arguments onto the parameter table and
// converts each to its declared type.
func (p paramPlan) bind(req Request, autoConvert bool) ([]reflect.Value, error) {
	if len(req.Args) > len(p.types) {
		return nil, fmt.Errorf("%w: %d arguments for %d parameters", ErrBadArgument, len(req.Args), len(p.types))
	}

	slots := make([]Value, len(p.types))
	filled := make([]bool, len(p.types))
	for i, v := range req.Args {
		slots[i] = v
		filled[i] = true
	}
	for key, v := range req.Kwargs {
		idx := -1
		for i, name := range p.names {
			if name == key {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, fmt.Errorf("%w: unknown keyword %q", ErrBadArgument, key)
		}
		if filled[idx] {
			return nil, fmt.Errorf("%w: multiple values for %q", ErrBadArgument, key)
		}
		slots[idx] = v
		filled[idx] = true
	}
	for i, ok := range filled {
		if !ok {
			return nil, fmt.Errorf("%w: missing argument %d", ErrBadArgument, i)
		}
	}

	out := make([]reflect.Value, len(p.types))
	for i, v := range slots {
		converted, err := convert(v, p.types[i], autoConvert)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out[i] = converted
	}
	return out, nil
}

// convert coerces a parsed value to a parameter type. Without autoConvert
// the parsed kind must already match; with it, string arguments are
// additionally parsed into the declared type and scalars are stringified.
func convert(v Value, t reflect.Type, autoConvert bool) (reflect.Value, error) {
	switch t.Kind() {
	case reflect.String:
		if s, ok := v.(string); ok {
			return reflect.ValueOf(s), nil
		}
		if autoConvert {
			return reflect.ValueOf(fmt.Sprint(v)), nil
		}
	case reflect.Int, reflect.Int64:
		if i, ok := v.(int64); ok {
			return reflect.ValueOf(i).Convert(t), nil
		}
		if autoConvert {
			if s, ok := v.(string); ok {
				i, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%w: %q is not an integer", ErrBadArgument, s)
				}
				return reflect.ValueOf(i).Convert(t), nil
			}
		}
	case reflect.Float64:
		switch x := v.(type) {
		case float64:
			return reflect.ValueOf(x), nil
		case int64:
			return reflect.ValueOf(float64(x)), nil
		case string:
			if autoConvert {
				f, err := strconv.ParseFloat(x, 64)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%w: %q is not a number", ErrBadArgument, x)
				}
				return reflect.ValueOf(f), nil
			}
		}
	case reflect.Bool:
		if b, ok := v.(bool); ok {
			return reflect.ValueOf(b), nil
		}
		if autoConvert {
			if s, ok := v.(string); ok {
				b, err := strconv.ParseBool(s)
				if err != nil {
					return reflect.Value{}, fmt.Errorf("%w: %q is not a bool", ErrBadArgument, s)
				}
				return reflect.ValueOf(b), nil
			}
		}
	}
	return reflect.Value{}, fmt.Errorf("%w: %T for %s", ErrBadArgument, v, t)
}
