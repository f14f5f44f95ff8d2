package printer

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/pkg/cipher"
)

func capture(t *testing.T) (*bytes.Buffer, *bytes.Buffer) {
	t.Helper()
	var out, errOut bytes.Buffer
	prevOut, prevErr, prevColor := Out, ErrOut, color.NoColor
	Out, ErrOut, color.NoColor = &out, &errOut, true
	t.Cleanup(func() { Out, ErrOut, color.NoColor = prevOut, prevErr, prevColor })
	return &out, &errOut
}

func TestError(t *testing.T) {
	t.Run("returns error with title", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "This is a test error", nil)
		require.Error(t, err)
		assert.Equal(t, "Test Error", err.Error())
		assert.Contains(t, errOut.String(), "This is a test error")
	})

	t.Run("numbers multiple suggestions", func(t *testing.T) {
		_, errOut := capture(t)
		err := Error("Test Error", "Explanation", []string{"First option", "Second option"})
		require.Error(t, err)
		assert.Contains(t, errOut.String(), "Either:\n  1. First option\n  2. Second option\n")
	})
}

func TestErrorWithContext(t *testing.T) {
	_, errOut := capture(t)
	err := ErrorWithContext("Redis connection failed", "", map[string]string{
		"Redis":    "redis://localhost:6379",
		"Instance": "test-instance",
	}, []string{"Start Redis"})
	require.Error(t, err)
	assert.Equal(t, "Redis connection failed", err.Error())
	assert.Contains(t, errOut.String(), "  Instance: test-instance\n  Redis: redis://localhost:6379\n")
	assert.Contains(t, errOut.String(), "\nStart Redis\n")
}

func TestSuccessAndWarningPrefixes(t *testing.T) {
	out, _ := capture(t)
	Success("created %s\n", "abc")
	Warning("pool low\n")
	assert.Equal(t, "✓ created abc\n⚠️  pool low\n", out.String())
}

func TestCountdown(t *testing.T) {
	assert.Equal(t, "0s", Countdown(-time.Second))
	assert.Equal(t, "9s", Countdown(9*time.Second))
	assert.Equal(t, "2m05s", Countdown(125*time.Second))
	assert.Equal(t, "3h00m00s", Countdown(3*time.Hour))
}

func TestPhase(t *testing.T) {
	capture(t)
	assert.Equal(t, "locked", Phase(cipher.PhaseLocked))
}
