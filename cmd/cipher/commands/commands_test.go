package commands

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/internal/config"
	"github.com/dyluth/cipher/internal/printer"
)

// runCLI executes the root command with args and returns everything written
// to stdout, stderr and the printer.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()

	buf := new(bytes.Buffer)
	oldOut, oldErr, oldLog, oldColor := printer.Out, printer.ErrOut, logOutput, color.NoColor
	printer.Out, printer.ErrOut, logOutput, color.NoColor = buf, buf, io.Discard, true
	t.Cleanup(func() {
		printer.Out, printer.ErrOut, logOutput, color.NoColor = oldOut, oldErr, oldLog, oldColor
		rootCmd.SetArgs(nil)
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
	})

	if args == nil {
		args = []string{} // nil makes cobra fall back to os.Args
	}
	resetFlags()
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores flag variables, which persist between executions.
func resetFlags() {
	configPath = ""
	createCount = 1
	poolFloor = 0
	serveListenAddr, serveNoScheduler = "", false
	watchPuzzleID, watchPoll, watchSince, watchOutputFormat = "", false, "", "default"
	listOutputFormat = "default"
	puzzlesSince, puzzlesUntil, puzzlesTheme, puzzlesSource = "", "", "", ""
	leaderboardPage, leaderboardLimit = 1, 20
}

func setupTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	t.Setenv(config.EnvRedisURL, "redis://"+mr.Addr())
	t.Setenv(config.EnvInstanceName, "test-instance")
	return mr
}

func TestCreate_FallsBackWithoutGenerator(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "create", "--count", "2")
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "Created puzzle"))
	assert.Contains(t, out, "(builtin)")

	out, err = runCLI(t, "puzzles", "--output", "jsonl")
	require.NoError(t, err)

	lines := 0
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		var p map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &p))
		assert.Equal(t, "builtin", p["source"])
		assert.Empty(t, p["solution"])
		lines++
	}
	assert.Equal(t, 2, lines)
}

func TestCreate_RejectsBadCount(t *testing.T) {
	out, err := runCLI(t, "create", "--count", "0")
	require.Error(t, err)
	assert.Contains(t, out, "--count must be at least 1")
}

func TestPool_SeedAndSize(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "pool", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "Added 14 puzzles, pool now holds 14")

	out, err = runCLI(t, "pool", "seed")
	require.NoError(t, err)
	assert.Contains(t, out, "Pool already at or above floor 5 (14 puzzles)")

	out, err = runCLI(t, "pool", "size")
	require.NoError(t, err)
	assert.Equal(t, "14\n", out)

	out, err = runCLI(t, "create")
	require.NoError(t, err)
	assert.Contains(t, out, "(fallback)")
}

func TestCreate_StopsAtActiveLimit(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "create", "--count", "9")
	require.NoError(t, err)
	assert.Equal(t, 6, strings.Count(out, "Created puzzle"))
	assert.Contains(t, out, "Active puzzle limit reached, created 6 puzzles")

	out, err = runCLI(t, "create")
	require.NoError(t, err)
	assert.NotContains(t, out, "Created puzzle")
	assert.Contains(t, out, "created 0 puzzles")
}

func TestLeaderboard_RejectsPagePastRanking(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "leaderboard", "--page", "9223372036854775807", "--limit", "100")
	require.Error(t, err)
	assert.Contains(t, out, "invalid page")
}

func TestCheck_EmptyInstance(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "Expired 0 puzzles, locked 0 puzzles")
}

func TestLeaderboardAndThreads_Empty(t *testing.T) {
	setupTestRedis(t)

	out, err := runCLI(t, "leaderboard")
	require.NoError(t, err)
	assert.Contains(t, out, "No ranked participants yet")

	out, err = runCLI(t, "threads")
	require.NoError(t, err)
	assert.Contains(t, out, "No narrative threads yet")

	_, err = runCLI(t, "leaderboard", "--page", "0")
	require.Error(t, err)
}

func TestPuzzles_FilterValidation(t *testing.T) {
	setupTestRedis(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"bad format", []string{"puzzles", "--output", "xml"}, "Unknown format: xml"},
		{"bad since", []string{"puzzles", "--since", "yesterday"}, "invalid time filter"},
		{"bad source", []string{"puzzles", "--source", "oracle"}, "Unknown source: oracle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := runCLI(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, out, tt.want)
		})
	}
}

func TestWatch_FlagValidation(t *testing.T) {
	out, err := runCLI(t, "watch", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, out, "Valid formats: default, json")

	out, err = runCLI(t, "watch", "--poll")
	require.Error(t, err)
	assert.Contains(t, out, "--poll requires --puzzle")
}

func TestConnect_Errors(t *testing.T) {
	t.Run("missing config file", func(t *testing.T) {
		out, err := runCLI(t, "check", "--config", "/nonexistent/cipher.yml")
		require.Error(t, err)
		assert.Equal(t, "configuration error", err.Error())
		assert.Contains(t, out, "failed to read config")
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.NewMiniRedis()
		require.NoError(t, mr.Start())
		addr := mr.Addr()
		mr.Close()
		t.Setenv(config.EnvRedisURL, "redis://"+addr)

		out, err := runCLI(t, "check")
		require.Error(t, err)
		assert.Equal(t, "Redis connection failed", err.Error())
		assert.Contains(t, out, "Instance: default")
	})
}
