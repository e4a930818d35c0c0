// Copyright 2023-2026 The ProbFlow Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/probflow/probflow/pkg/ml/context"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestContext() *context.Context {
	ctx := context.New()
	ctx.SetParam("x", 11.0)
	ctx.SetParam("y", 7)
	ctx.SetParam("z", false)
	ctx.SetParam("s", "foo")
	ctx.SetParam("list_int", []int{})
	ctx.SetParam("list_float", []float64{})
	ctx.SetParam("list_str", []string{})
	return ctx
}

func TestParseContextSettings(t *testing.T) {
	ctx := createTestContext()

	paramsSet, err := ParseContextSettings(ctx, "x=13;/a/z=true;/a/b/y=3_000;s=bar;list_int=1,3,7;list_float=0.1,1.2,3e3;list_str=a,b;")
	require.NoError(t, err)
	require.Equal(t, []string{"x", "/a/z", "/a/b/y", "s", "list_int", "list_float", "list_str"}, paramsSet)

	assert.Equal(t, 13.0, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 7, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, 7, context.GetParamOr(ctx.In("a"), "y", 0))
	assert.Equal(t, 3000, context.GetParamOr(ctx.In("a").In("b"), "y", 0))
	assert.False(t, context.GetParamOr(ctx, "z", true))
	assert.True(t, context.GetParamOr(ctx.In("a"), "z", false))
	assert.Equal(t, "bar", context.GetParamOr(ctx, "s", ""))
	assert.Equal(t, []int{1, 3, 7}, context.GetParamOr(ctx, "list_int", []int{}))
	assert.Equal(t, []float64{0.1, 1.2, 3e3}, context.GetParamOr(ctx, "list_float", []float64{}))
	assert.Equal(t, []string{"a", "b"}, context.GetParamOr(ctx, "list_str", []string{}))

	// Parameter "q" is unknown.
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Parameter "q" is still unknown in root.
	ctx.In("c").SetParam("q", 13)
	_, err = ParseContextSettings(ctx, "q=3")
	require.Error(t, err)

	// Wrong type of value.
	_, err = ParseContextSettings(ctx, "y=3.14")
	require.Error(t, err)

	// Scope not absolute.
	_, err = ParseContextSettings(ctx, "a/abc=3.14")
	require.Error(t, err)

	// Missing value.
	_, err = ParseContextSettings(ctx, "x")
	require.Error(t, err)

	modified := SprintModifiedContextSettings(ctx, []string{"x", "x", "/a/z"})
	assert.Contains(t, modified, `"x": (float64) 13`)
	assert.Contains(t, modified, `"/a/z": (bool) true`)
	assert.Contains(t, SprintContextSettings(ctx), `"/c/q": (int) 13`)
}

func TestParseContextSettingsFile(t *testing.T) {
	ctx := createTestContext()
	filePath := filepath.Join(t.TempDir(), "settings.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("# Comment\nx=1.5\n\ny=2;s=from_file\n"), 0o644))

	paramsSet, err := ParseContextSettings(ctx, "file:"+filePath+";z=true")
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y", "s", "z"}, paramsSet)
	assert.Equal(t, 1.5, context.GetParamOr(ctx, "x", 0.0))
	assert.Equal(t, 2, context.GetParamOr(ctx, "y", 0))
	assert.Equal(t, "from_file", context.GetParamOr(ctx, "s", ""))

	_, err = ParseContextSettings(ctx, "file:"+filepath.Join(t.TempDir(), "missing.txt"))
	require.Error(t, err)
}

func TestContextSettingsFlag(t *testing.T) {
	ctx := createTestContext()
	ctx.In("scoped").SetParam("w", 1)
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	settings := CreateContextSettingsFlag(ctx, flags, "")
	require.NoError(t, flags.Parse([]string{"--set=x=2;y=3"}))
	assert.Equal(t, "x=2;y=3", *settings)
	assert.Contains(t, flags.Lookup("set").Usage, `"list_int"`)
	assert.NotContains(t, flags.Lookup("set").Usage, `"w"`)

	_, err := ParseContextSettings(ctx, *settings)
	require.NoError(t, err)
	params := RootParams(ctx)
	assert.Equal(t, 2.0, params["x"])
	assert.Equal(t, 3, params["y"])
	assert.NotContains(t, params, "w")
}

func TestTable(t *testing.T) {
	table := Table([]string{"Parameter", "Mean"}, [][]string{{"weight", "1.5"}, {"bias", "-0.25"}})
	assert.Contains(t, table, "Parameter")
	assert.Contains(t, table, "weight")
	assert.Contains(t, table, "-0.25")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23s", FormatDuration(1234*time.Millisecond))
	assert.Equal(t, "12.35ms", FormatDuration(12345*time.Microsecond))
	assert.Equal(t, "2m5s", FormatDuration(2*time.Minute+5*time.Second+300*time.Millisecond))
	assert.Equal(t, "500ns", FormatDuration(500*time.Nanosecond))
}
