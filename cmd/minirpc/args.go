package main

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"mini-rpc/message"
)

func parseArgs(args []string) ([]any, error) {
	params := make([]any, len(args))
	for i, arg := range args {
		v, err := parseArg(arg)
		if err != nil {
			return nil, errors.Wrapf(err, "argument %d", i+1)
		}
		params[i] = v
	}
	return params, nil
}

// parseArg reads "descriptor:value" or infers the type of a bare literal.
func parseArg(arg string) (any, error) {
	if prefix, value, ok := strings.Cut(arg, ":"); ok {
		t := message.Type(prefix)
		if t != message.TypeNull && t.Valid() {
			return parseTyped(t, value)
		}
	}
	if arg == "null" {
		return nil, nil
	}
	if n, err := strconv.ParseInt(arg, 10, 64); err == nil {
		return n, nil
	}
	if f, err := strconv.ParseFloat(arg, 64); err == nil {
		return f, nil
	}
	if b, err := strconv.ParseBool(arg); err == nil && (arg == "true" || arg == "false") {
		return b, nil
	}
	return arg, nil
}

func parseTyped(t message.Type, value string) (any, error) {
	if t == message.TypeBytes {
		return []byte(value), nil
	}
	rt, err := message.GoType(t)
	if err != nil {
		return nil, err
	}
	if _, ok := t.Elem(); ok {
		out := reflect.MakeSlice(rt, 0, 0)
		if value == "" {
			return out.Interface(), nil
		}
		for _, part := range strings.Split(value, ",") {
			elem := reflect.New(rt.Elem()).Elem()
			if err := parseScalar(elem, strings.TrimSpace(part)); err != nil {
				return nil, errors.Wrapf(err, "%s element %q", t, part)
			}
			out = reflect.Append(out, elem)
		}
		return out.Interface(), nil
	}
	v := reflect.New(rt).Elem()
	if err := parseScalar(v, value); err != nil {
		return nil, errors.Wrapf(err, "%s value %q", t, value)
	}
	return v.Interface(), nil
}

func parseScalar(v reflect.Value, s string) error {
	switch v.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		v.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetUint(n)
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(s, v.Type().Bits())
		if err != nil {
			return err
		}
		v.SetFloat(f)
	case reflect.String:
		v.SetString(s)
	default:
		return errors.Errorf("unsupported kind %s", v.Kind())
	}
	return nil
}
