// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience tools to train from the command line: setting hyperparameters
// with a flag, and displaying the training progress.
package commandline

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"

	"github.com/gomlx/gomlx/ml/context"
	mldata "github.com/gomlx/gomlx/ml/data"
	"github.com/pkg/errors"
)

// ParseContextSettings from settings -- typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "param1=value1;param2=value2;...".
//
// All the parameters "param1", "param2", etc. must be already set with default values
// in the context `ctx`. The default values are also used to set the type to which the
// string values will be parsed to. Slices are given as comma-separated values: "freeze=blocks,norm".
//
// It updates `ctx` parameters accordingly and returns the paths of the parameters set, or an error
// in case a parameter is unknown or the parsing failed.
//
// Note, one can also provide a scope for the parameters: "/backbone/vit_dropout_rate=0.1"
// will work, as long as a default "vit_dropout_rate" is defined in `ctx`.
//
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// An entry "file:<path>" reads settings from a file, one or more per line, with lines starting with "#"
// ignored.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return
		}
	}
	return
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, found := strings.CutPrefix(setting, "file:"); found {
		filePath = mldata.ReplaceTildeInDir(filePath)
		contents, err := os.ReadFile(filePath)
		if err != nil {
			return paramsSet, errors.Wrapf(err, "failed to read settings from file %q", filePath)
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			paramsSet, err = ParseContextSettingsAppend(ctx, line, paramsSet)
			if err != nil {
				return paramsSet, err
			}
		}
		return paramsSet, nil
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found {
		return paramsSet, errors.Errorf("can't parse setting %q: each setting requires the format \"<param>=<value>\"",
			setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return paramsSet, errors.Errorf("can't set parameter %q because some scope is set, but it is not absolute (it does not start with %q)",
			paramPath, context.ScopeSeparator)
	}
	current, found := ctx.GetParam(paramName)
	if !found {
		return paramsSet, errors.Errorf("can't set parameter %q (scope=%q) because the param %q is not known in the root context",
			paramPath, paramScope, paramName)
	}
	value, err := parseValue(reflect.TypeOf(current), valueStr)
	if err != nil {
		return paramsSet, errors.WithMessagef(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, current)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// ParseContextSettingsAppend is like ParseContextSettings, but appends the paths of the parameters set to
// paramsSet.
func ParseContextSettingsAppend(ctx *context.Context, settings string, paramsSet []string) ([]string, error) {
	newParamsSet, err := ParseContextSettings(ctx, settings)
	return append(paramsSet, newParamsSet...), err
}

// parseValue parses str to a value of type typ: a number, bool, string or a comma-separated slice of them.
func parseValue(typ reflect.Type, str string) (any, error) {
	if typ.Kind() != reflect.Slice {
		value, err := parseScalar(typ, str)
		if err != nil {
			return nil, err
		}
		return value.Interface(), nil
	}
	var parts []string
	if str != "" {
		parts = strings.Split(str, ",")
	}
	slice := reflect.MakeSlice(typ, len(parts), len(parts))
	for ii, part := range parts {
		value, err := parseScalar(typ.Elem(), strings.TrimSpace(part))
		if err != nil {
			return nil, errors.WithMessagef(err, "element #%d", ii)
		}
		slice.Index(ii).Set(value)
	}
	return slice.Interface(), nil
}

func parseScalar(typ reflect.Type, str string) (reflect.Value, error) {
	ptr := reflect.New(typ)
	switch typ.Kind() {
	case reflect.String:
		ptr.Elem().SetString(str)
		return ptr.Elem(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		str = strings.ReplaceAll(str, "_", "")
	case reflect.Float32, reflect.Float64, reflect.Bool:
	default:
		return ptr.Elem(), errors.Errorf("don't know how to parse type %s", typ)
	}
	if err := json.Unmarshal([]byte(str), ptr.Interface()); err != nil {
		return ptr.Elem(), errors.Wrapf(err, "parsing %q as %s", str, typ)
	}
	return ptr.Elem(), nil
}

// CreateContextSettingsFlag create a string flag with the given flagName (if empty it will be named
// "set") and with a description of the current defined parameters in the context `ctx`.
//
// The flag should be created before the call to `flags.Parse()`.
//
// Example usage:
//
//	func main() {
//		ctx := config.CreateDefaultContext()
//		settings := commandline.CreateContextSettingsFlag(ctx, "")
//		flag.Parse()
//		paramsSet, err := commandline.ParseContextSettings(ctx, *settings)
//		if err != nil { klog.Fatalf("%+v", err) }
//		fmt.Println(commandline.SprintModifiedContextSettings(ctx, paramsSet))
//		...
//	}
func CreateContextSettingsFlag(ctx *context.Context, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	var parts []string
	parts = append(parts, fmt.Sprintf(
		`Set hyperparameters: a list of elements "param=value" separated by ";". `+
			`Slices take comma-separated values. `+
			`Scoped settings are allowed, by using %q to separated scopes. `+
			`An entry "file:<path>" reads the settings from a file, one per line, lines starting with "#" are comments. `+
			`Available parameters:`,
		context.ScopeSeparator))
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope != context.RootScope {
			return
		}
		parts = append(parts, fmt.Sprintf("%q: default value is %v", key, value))
	})
	slices.Sort(parts[1:])
	var settings string
	flag.StringVar(&settings, flagName, "", strings.Join(parts, "\n"))
	return &settings
}

// SprintContextSettings pretty-print values for the current hyperparameters settings into a string.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			scope = ""
		}
		parts = append(parts, fmt.Sprintf("\t\"%s/%s\": (%T) %v", scope, key, value, value))
	})
	slices.Sort(parts)
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the values of the parameters in paramsSet, as returned by
// ParseContextSettings or config.LoadYAML.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	var parts []string
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	for _, paramPath := range slices.Compact(paramsSet) {
		paramScope, paramName := context.SplitScope(paramPath)
		if paramScope == "" {
			paramScope = context.RootScope
		}
		value, found := ctx.InAbsPath(paramScope).GetParam(paramName)
		if !found {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", paramPath, value, value))
	}
	return strings.Join(parts, "\n")
}
