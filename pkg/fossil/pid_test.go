// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package fossil_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"storj.io/fossil/pkg/fossil"
)

func TestParsePID(t *testing.T) {
	valid := []string{
		"demo:1",
		"demo:object-1.2",
		"a:b",
		"fossil-system:ServiceDeployment",
		"NS.0-1:local.NAME-2",
	}
	for _, s := range valid {
		require.NoError(t, fossil.ParsePID(s), s)
		require.True(t, fossil.PID(s).Valid(), s)
	}

	invalid := []string{
		"",
		"demo",
		"demo:",
		":1",
		"demo:a b",
		"de mo:1",
		"demo:1:2x;",
		"demo:ü",
	}
	for _, s := range invalid {
		require.Error(t, fossil.ParsePID(s), s)
	}
}

func TestPIDParts(t *testing.T) {
	pid := fossil.PID("demo:object.1")
	require.Equal(t, "demo", pid.Namespace())
	require.Equal(t, "object.1", pid.LocalName())
}

func TestValidateNamespace(t *testing.T) {
	require.NoError(t, fossil.ValidateNamespace("demo"))
	require.NoError(t, fossil.ValidateNamespace("a"))
	require.NoError(t, fossil.ValidateNamespace("exactly-17-chars."))

	require.Error(t, fossil.ValidateNamespace(""))
	require.Error(t, fossil.ValidateNamespace("longer-than-17-chars"))
	require.Error(t, fossil.ValidateNamespace("with:colon"))
}

func TestManagedToken(t *testing.T) {
	token := fossil.ManagedToken("demo:1", "DS1", "DS1.0")
	require.Equal(t, "demo:1+DS1+DS1.0", token)
}
