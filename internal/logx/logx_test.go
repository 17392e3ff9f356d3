package logx

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMask(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"vk1.a.secret-token-1234", "****1234"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Mask(c.in), c.in)
	}
}

func TestNewLoggerFallsBackToInfo(t *testing.T) {
	logger, err := NewLogger(Options{Level: "nonsense", Filename: filepath.Join(t.TempDir(), "bot.log")})
	require.NoError(t, err)
	require.NotNil(t, logger)

	assert.False(t, logger.Core().Enabled(-1), "debug must be disabled on info fallback")
	assert.True(t, logger.Core().Enabled(0))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))
}
