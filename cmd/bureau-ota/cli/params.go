// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cli

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// FlagsFromParams creates a [pflag.FlagSet] with flags bound to the tagged
// fields of params. params must be a pointer to a struct. Panics on
// invalid input (programming error, not runtime data).
func FlagsFromParams(name string, params any) *pflag.FlagSet {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	if err := BindFlags(params, flagSet); err != nil {
		panic(fmt.Sprintf("cli.FlagsFromParams(%q): %v", name, err))
	}
	return flagSet
}

// BindFlags registers pflag entries for each tagged field in params.
// params must be a pointer to a struct.
//
// # Struct tags
//
//   - flag:"name" or flag:"name,n" -- the long flag name and optional
//     single-character shorthand. Fields without a flag tag are skipped.
//   - desc:"help text" -- the flag's help description.
//   - default:"value" -- the default value, parsed according to the
//     field's Go type. If omitted, the type's zero value is used.
//
// # Supported field types
//
// string, bool, int, int64, [time.Duration], []string, and
// map[string]string (given as --flag key=value, repeatable).
//
// Embedded structs, such as [JSONOutput], are bound recursively.
func BindFlags(params any, flagSet *pflag.FlagSet) error {
	value := reflect.ValueOf(params)
	if value.Kind() != reflect.Pointer || value.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("params must be a pointer to a struct, got %T", params)
	}
	return bindStructFields(value.Elem(), flagSet)
}

func bindStructFields(structValue reflect.Value, flagSet *pflag.FlagSet) error {
	structType := structValue.Type()
	for i := range structType.NumField() {
		field := structType.Field(i)
		fieldValue := structValue.Field(i)

		if field.Anonymous && field.Type.Kind() == reflect.Struct {
			if err := bindStructFields(fieldValue, flagSet); err != nil {
				return fmt.Errorf("embedded %s: %w", field.Name, err)
			}
			continue
		}

		flagTag := field.Tag.Get("flag")
		if flagTag == "" {
			continue
		}
		if !field.IsExported() {
			return fmt.Errorf("field %s: flag fields must be exported", field.Name)
		}
		name, shorthand, _ := strings.Cut(flagTag, ",")
		spec := flagSpec{
			name:        name,
			shorthand:   shorthand,
			description: field.Tag.Get("desc"),
			defaults:    field.Tag.Get("default"),
		}
		if err := spec.bind(fieldValue.Addr().Interface(), flagSet); err != nil {
			return fmt.Errorf("field %s: %w", field.Name, err)
		}
	}
	return nil
}

// flagSpec is one tagged field's flag definition.
type flagSpec struct {
	name        string
	shorthand   string
	description string
	defaults    string
}

func (s flagSpec) bind(pointer any, flagSet *pflag.FlagSet) error {
	switch target := pointer.(type) {
	case *string:
		flagSet.StringVarP(target, s.name, s.shorthand, s.defaults, s.description)
	case *bool:
		value, err := parseDefault(s.defaults, strconv.ParseBool)
		if err != nil {
			return s.invalidDefault(err)
		}
		flagSet.BoolVarP(target, s.name, s.shorthand, value, s.description)
	case *int:
		value, err := parseDefault(s.defaults, strconv.Atoi)
		if err != nil {
			return s.invalidDefault(err)
		}
		flagSet.IntVarP(target, s.name, s.shorthand, value, s.description)
	case *int64:
		value, err := parseDefault(s.defaults, func(text string) (int64, error) {
			return strconv.ParseInt(text, 10, 64)
		})
		if err != nil {
			return s.invalidDefault(err)
		}
		flagSet.Int64VarP(target, s.name, s.shorthand, value, s.description)
	case *time.Duration:
		value, err := parseDefault(s.defaults, time.ParseDuration)
		if err != nil {
			return s.invalidDefault(err)
		}
		flagSet.DurationVarP(target, s.name, s.shorthand, value, s.description)
	case *[]string:
		var value []string
		if s.defaults != "" {
			value = strings.Split(s.defaults, ",")
		}
		flagSet.StringSliceVarP(target, s.name, s.shorthand, value, s.description)
	case *map[string]string:
		if s.defaults != "" {
			return fmt.Errorf("--%s: map flags take no default", s.name)
		}
		flagSet.StringToStringVarP(target, s.name, s.shorthand, nil, s.description)
	default:
		return fmt.Errorf("unsupported type %T for flag --%s", pointer, s.name)
	}
	return nil
}

func (s flagSpec) invalidDefault(err error) error {
	return fmt.Errorf("default for --%s: %w", s.name, err)
}

// parseDefault parses a default tag, treating an empty tag as the zero
// value.
func parseDefault[T any](text string, parse func(string) (T, error)) (T, error) {
	if text == "" {
		var zero T
		return zero, nil
	}
	return parse(text)
}
