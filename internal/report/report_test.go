package report

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/pkg/cipher"
)

func setupTestClient(t *testing.T) *cipher.Client {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := cipher.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func putPuzzle(t *testing.T, client *cipher.Client, theme cipher.Category, source cipher.Source, created time.Time) *cipher.Puzzle {
	p := &cipher.Puzzle{
		ID:         uuid.NewString(),
		Title:      "Shadow Profile",
		Hint:       "Who keeps the copy",
		Solution:   "THE BROKER",
		Difficulty: cipher.DifficultyEasy,
		Format:     cipher.FormatText,
		Content:    "payload",
		Theme:      theme,
		Source:     source,
		IsActive:   true,
	}
	p.Stamp(created)
	require.NoError(t, client.PutPuzzle(context.Background(), p))
	return p
}

func TestListPuzzles(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	old := putPuzzle(t, client, cipher.CategoryPrivacy, cipher.SourceGenerated, now.Add(-2*time.Hour))
	putPuzzle(t, client, cipher.CategoryPatents, cipher.SourceFallback, now.Add(-time.Hour))

	t.Run("table hides solutions", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, ListPuzzles(ctx, client, OutputFormatDefault, nil, 10*time.Second, now, &buf))
		out := buf.String()
		assert.Contains(t, out, "Puzzles for instance 'test-instance'")
		assert.Contains(t, out, old.ID[:8])
		assert.Contains(t, out, "1h00m00s")
		assert.Contains(t, out, "2 puzzles")
		assert.NotContains(t, out, "THE BROKER")
	})

	t.Run("filters and jsonl", func(t *testing.T) {
		var buf bytes.Buffer
		filters := &FilterCriteria{ThemeGlob: "priv*", Since: now.Add(-3 * time.Hour)}
		require.NoError(t, ListPuzzles(ctx, client, OutputFormatJSONL, filters, 10*time.Second, now, &buf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 1)
		var got cipher.Puzzle
		require.NoError(t, json.Unmarshal([]byte(lines[0]), &got))
		assert.Equal(t, old.ID, got.ID)
		assert.Empty(t, got.Solution)
	})

	t.Run("source filter", func(t *testing.T) {
		var buf bytes.Buffer
		filters := &FilterCriteria{Source: cipher.SourceBuiltin}
		require.NoError(t, ListPuzzles(ctx, client, OutputFormatDefault, filters, 10*time.Second, now, &buf))
		assert.Contains(t, buf.String(), "No open puzzles")
	})

	t.Run("unknown format", func(t *testing.T) {
		err := ListPuzzles(ctx, client, "xml", nil, 10*time.Second, now, &bytes.Buffer{})
		assert.ErrorContains(t, err, "unknown output format")
	})
}

func TestFilterCriteria(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_000)
	p := &cipher.Puzzle{Theme: cipher.CategoryAuditing, Source: cipher.SourceFallback, CreatedAtMs: created.UnixMilli()}

	tests := []struct {
		name   string
		filter FilterCriteria
		want   bool
	}{
		{"empty matches", FilterCriteria{}, true},
		{"since after", FilterCriteria{Since: created.Add(time.Second)}, false},
		{"until before", FilterCriteria{Until: created.Add(-time.Second)}, false},
		{"glob match", FilterCriteria{ThemeGlob: "aud*"}, true},
		{"glob miss", FilterCriteria{ThemeGlob: "pat*"}, false},
		{"bad glob", FilterCriteria{ThemeGlob: "["}, false},
		{"source match", FilterCriteria{Source: cipher.SourceFallback}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.matchesFilter(p))
		})
	}
}

func TestListLeaderboard(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()

	var buf bytes.Buffer
	require.NoError(t, ListLeaderboard(ctx, client, 0, 10, OutputFormatDefault, &buf))
	assert.Contains(t, buf.String(), "No ranked participants yet")

	winner := &cipher.Guess{ID: uuid.NewString(), PuzzleID: uuid.NewString(), SubmitterID: "alice", Content: "X", VoteCount: 1}
	_, err := client.RecordWin(ctx, winner, []string{"bob"})
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, ListLeaderboard(ctx, client, 0, 10, OutputFormatDefault, &buf))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[1], "1     alice"))

	buf.Reset()
	require.NoError(t, ListLeaderboard(ctx, client, 1, 10, OutputFormatJSONL, &buf))
	var stats cipher.UserStats
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &stats))
	assert.Equal(t, "bob", stats.UserID)
}

func TestListThreads(t *testing.T) {
	client := setupTestClient(t)
	ctx := context.Background()
	ledger := narrative.New(client, narrative.Options{UnlockThreshold: 1, EndgameThreshold: 2})

	var buf bytes.Buffer
	require.NoError(t, ListThreads(ctx, ledger, OutputFormatDefault, &buf))
	assert.Contains(t, buf.String(), "No narrative threads yet")
	assert.Contains(t, buf.String(), "0/2 breadcrumbs, endgame not reached")

	p := putPuzzle(t, client, cipher.CategoryPrivacy, cipher.SourceGenerated, time.Now())
	p.Narrative = &cipher.Narrative{ThreadID: "privacy-main", Category: cipher.CategoryPrivacy, Weight: 0.5}
	_, err := ledger.Record(ctx, p, &cipher.Guess{ID: uuid.NewString(), SubmitterID: "alice"})
	require.NoError(t, err)

	buf.Reset()
	require.NoError(t, ListThreads(ctx, ledger, OutputFormatDefault, &buf))
	assert.Contains(t, buf.String(), "privacy-main")
	assert.Contains(t, buf.String(), "1/1")
	assert.Contains(t, buf.String(), "unlocked")

	buf.Reset()
	require.NoError(t, ListThreads(ctx, ledger, OutputFormatJSONL, &buf))
	var summary narrative.Summary
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &summary))
	assert.Equal(t, 1, summary.TotalBreadcrumbs)
}
