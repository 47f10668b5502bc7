package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	for _, env := range []string{"production", "development", ""} {
		lg, err := New(env)
		require.NoError(t, err, env)
		require.NotNil(t, lg, env)
	}
}

func TestMaskIP(t *testing.T) {
	tests := map[string]string{
		"":                                        "",
		"192.168.1.100":                           "192.168.*.*",
		"2001:0db8:85a3:0000:0000:8a2e:0370:7334": "2001:0db8:85a3:0000:*:*:*:*",
		"::1":                                     "***",
		"localhost":                               "***",
	}
	for in, want := range tests {
		assert.Equal(t, want, MaskIP(in), in)
	}
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", MaskToken(""))
	assert.Equal(t, "***", MaskToken("abcd"))
	assert.Equal(t, "abcd***", MaskToken("abcdefgh"))
}
