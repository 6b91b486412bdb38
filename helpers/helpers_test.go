package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"10m", 10 * time.Minute},
		{"1d", 24 * time.Hour},
		{"2d6h", 54 * time.Hour},
		{" 90s ", 90 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	for _, bad := range []string{"", "xd", "-1d", "1dfoo", "abc"} {
		_, err := ParseDuration(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestMaskSensitive(t *testing.T) {
	assert.Equal(t, "PASS [REDACTED]", MaskSensitive("PASS hunter2"))
	assert.Equal(t, "pass [REDACTED]", MaskSensitive("pass with spaces in it"))
	assert.Equal(t, "PASS", MaskSensitive("PASS"))
	assert.Equal(t, "USER alice", MaskSensitive("USER alice"))
	assert.Equal(t, "PASSWORD x", MaskSensitive("PASSWORD x"))
}

func TestSanitizeCredential(t *testing.T) {
	assert.Equal(t, "alice@example.com", SanitizeCredential([]byte("  alice@example.com \t")))
	assert.Equal(t, "secret", SanitizeCredential([]byte("sec\x00ret")))
	assert.Equal(t, "ok", SanitizeCredential([]byte{'o', 0xff, 'k'}))
	assert.Equal(t, "pässwörd", SanitizeCredential([]byte("pässwörd")))
}
