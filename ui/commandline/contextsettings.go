// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/spf13/pflag"
)

// ParseContextSettings parses settings, typically the contents of a flag set by the user, into the
// parameters of ctx. The settings are separated by ";": e.g. "adam_beta1=0.8;clip_step_by_value=1".
//
// Every parameter must already be set in the root scope of ctx with a default value, which also
// defines the type the value is parsed to. A scope can be given with an absolute path,
// e.g. "/params/adam_epsilon=1e-6".
//
// An entry "file:<path>" reads the settings from a file, one or more per line, where lines starting
// with "#" are comments.
//
// For integer values "_" is accepted as a digits separator, e.g. 1_000_000.
//
// It returns the paths of the parameters set, in the order they were given.
func ParseContextSettings(ctx *context.Context, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
		if err != nil {
			return nil, err
		}
	}
	return paramsSet, nil
}

func expandHome(filePath string) (string, error) {
	if filePath != "~" && !strings.HasPrefix(filePath, "~/") {
		return filePath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "failed to expand home directory in %q", filePath)
	}
	return filepath.Join(home, strings.TrimPrefix(filePath, "~")), nil
}

func parseSettingsFile(ctx *context.Context, filePath string, paramsSet []string) ([]string, error) {
	filePath, err := expandHome(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read settings from file %q", filePath)
	}
	for _, line := range strings.Split(string(contents), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, setting := range strings.Split(line, ";") {
			paramsSet, err = parseContextSetting(ctx, strings.TrimSpace(setting), paramsSet)
			if err != nil {
				return nil, err
			}
		}
	}
	return paramsSet, nil
}

func parseContextSetting(ctx *context.Context, setting string, paramsSet []string) ([]string, error) {
	if setting == "" {
		return paramsSet, nil
	}
	if filePath, isFile := strings.CutPrefix(setting, "file:"); isFile {
		return parseSettingsFile(ctx, filePath, paramsSet)
	}

	paramPath, valueStr, found := strings.Cut(setting, "=")
	if !found || strings.Contains(valueStr, "=") {
		return nil, errors.Errorf("can't parse setting %q: the format is \"<param>=<value>\"", setting)
	}
	paramScope, paramName := context.SplitScope(paramPath)
	if strings.Contains(paramName, context.ScopeSeparator) {
		return nil, errors.Errorf("can't set parameter %q: a scope must be absolute (start with %q)",
			paramPath, context.ScopeSeparator)
	}
	defaultValue, found := ctx.GetParam(paramName)
	if !found {
		return nil, errors.Errorf("can't set parameter %q: %q is not a known parameter", paramPath, paramName)
	}
	value, err := parseValue(defaultValue, valueStr)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse value %q for parameter %q (default value is %#v)",
			valueStr, paramPath, defaultValue)
	}
	ctxInScope := ctx
	if paramScope != "" {
		ctxInScope = ctx.InAbsPath(paramScope)
	}
	ctxInScope.SetParam(paramName, value)
	return append(paramsSet, paramPath), nil
}

// parseJSON parses valueStr as a JSON value of type T.
func parseJSON[T any](valueStr string) (T, error) {
	var v T
	err := json.Unmarshal([]byte(valueStr), &v)
	return v, err
}

// parseList parses a list of comma-separated values of type T.
func parseList[T any](valueStr string, isInt bool) ([]T, error) {
	if valueStr == "" {
		return []T{}, nil
	}
	parts := strings.Split(valueStr, ",")
	values := make([]T, 0, len(parts))
	for _, part := range parts {
		if isInt {
			part = strings.ReplaceAll(part, "_", "")
		}
		v, err := parseJSON[T](strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

// parseValue parses valueStr to the type of the defaultValue.
func parseValue(defaultValue any, valueStr string) (any, error) {
	withoutSeparators := strings.ReplaceAll(valueStr, "_", "")
	switch defaultValue.(type) {
	case int:
		return parseJSON[int](withoutSeparators)
	case int64:
		return parseJSON[int64](withoutSeparators)
	case uint64:
		return parseJSON[uint64](withoutSeparators)
	case float64:
		return parseJSON[float64](valueStr)
	case bool:
		return parseJSON[bool](valueStr)
	case string:
		return valueStr, nil
	case []string:
		if valueStr == "" {
			return []string{}, nil
		}
		return strings.Split(valueStr, ","), nil
	case []int:
		return parseList[int](valueStr, true)
	case []float64:
		return parseList[float64](valueStr, false)
	}
	return nil, errors.Errorf("don't know how to parse values of type %T", defaultValue)
}

// CreateContextSettingsFlag creates a string flag in flags named flagName (or "set" if empty),
// whose usage lists the parameters defined in the root scope of ctx.
// The value of the flag should be given to ParseContextSettings after the flags are parsed.
func CreateContextSettingsFlag(ctx *context.Context, flags *pflag.FlagSet, flagName string) *string {
	if flagName == "" {
		flagName = "set"
	}
	parts := []string{
		`Hyperparameters as a list of "param=value" separated by ";", or "file:<path>" to read them ` +
			`from a file. Available parameters:`,
	}
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			parts = append(parts, fmt.Sprintf("  %q: default value is %v", key, value))
		}
	})
	return flags.String(flagName, "", strings.Join(parts, "\n"))
}

// RootParams returns the parameters set in the root scope of ctx.
func RootParams(ctx *context.Context) map[string]any {
	params := make(map[string]any)
	ctx.EnumerateParams(func(scope, key string, value any) {
		if scope == context.RootScope {
			params[key] = value
		}
	})
	return params
}

// SprintContextSettings pretty-prints all the parameters of ctx, one per line.
func SprintContextSettings(ctx *context.Context) string {
	var parts []string
	ctx.EnumerateParams(func(scope, key string, value any) {
		parts = append(parts, fmt.Sprintf("\t%q: (%T) %v", context.JoinScope(scope, key), value, value))
	})
	return strings.Join(parts, "\n")
}

// SprintModifiedContextSettings pretty-prints the current values of the parameters in paramsSet, as
// returned by ParseContextSettings, sorted and without duplicates.
func SprintModifiedContextSettings(ctx *context.Context, paramsSet []string) string {
	paramsSet = slices.Clone(paramsSet)
	slices.Sort(paramsSet)
	paramsSet = slices.Compact(paramsSet)
	var parts []string
	for _, paramPath := range paramsSet {
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
