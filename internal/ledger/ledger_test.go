package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/pkg/cipher"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []*cipher.Event
}

func (r *recordingPublisher) Publish(_ context.Context, e *cipher.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingPublisher) Events() []*cipher.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*cipher.Event(nil), r.events...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupTestLedger(t *testing.T) (*Ledger, *cipher.Client, *recordingPublisher, *testClock) {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := cipher.NewClient(&redis.Options{Addr: mr.Addr()}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	pub := &recordingPublisher{}
	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	l, err := New(client, Options{
		Lockdown:  10 * time.Second,
		Publisher: pub,
		Now:       clock.Now,
	})
	require.NoError(t, err)
	return l, client, pub, clock
}

func putOpenPuzzle(t *testing.T, client *cipher.Client, now time.Time) *cipher.Puzzle {
	p := &cipher.Puzzle{
		ID:         uuid.New().String(),
		Title:      "Sealed Filing",
		Hint:       "Protected for twenty years",
		Solution:   "PATENT",
		Difficulty: cipher.DifficultyEasy,
		Format:     cipher.FormatText,
		Content:    "QDWHQW",
		Source:     cipher.SourceGenerated,
		IsActive:   true,
	}
	p.Stamp(now)
	require.NoError(t, client.PutPuzzle(context.Background(), p))
	return p
}

func TestNormalizeGuess(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr string
	}{
		{"upper-cases and trims", "  audit trail ", "AUDIT TRAIL", ""},
		{"digits allowed", "Rule 42", "RULE 42", ""},
		{"unicode letters allowed", "café", "CAFÉ", ""},
		{"combining accent composed", "cafe\u0301", "CAFÉ", ""},
		{"empty", "   ", "", "cannot be empty"},
		{"too long", strings.Repeat("a", 101), "", "exceeds 100"},
		{"exactly at limit", strings.Repeat("a", 100), strings.Repeat("A", 100), ""},
		{"punctuation rejected", "audit-trail", "", "letters, digits and spaces"},
		{"tab rejected", "audit\ttrail", "", "letters, digits and spaces"},
		{"double space rejected", "audit  trail", "", "consecutive spaces"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeGuess(tt.input)
			if tt.wantErr != "" {
				var ve *cipher.ValidationError
				require.True(t, errors.As(err, &ve))
				assert.Contains(t, ve.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSubmit(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	t.Run("stores normalized guess", func(t *testing.T) {
		g, err := l.Submit(ctx, p.ID, "alice", " sealed  filing")
		require.Error(t, err, "double space is invalid")
		assert.Nil(t, g)

		g, err = l.Submit(ctx, p.ID, "alice", "patent")
		require.NoError(t, err)
		assert.Equal(t, "PATENT", g.Content)
		assert.Zero(t, g.VoteCount)

		stored, err := client.GetGuess(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, g, stored)
	})

	t.Run("unknown puzzle", func(t *testing.T) {
		_, err := l.Submit(ctx, uuid.New().String(), "alice", "patent")
		assert.ErrorIs(t, err, cipher.ErrNotFound)

		_, err = l.Submit(ctx, "not-a-uuid", "alice", "patent")
		assert.ErrorIs(t, err, cipher.ErrNotFound)
	})

	t.Run("missing submitter", func(t *testing.T) {
		_, err := l.Submit(ctx, p.ID, "", "patent")
		var ve *cipher.ValidationError
		assert.True(t, errors.As(err, &ve))
	})
}

func TestSubmit_RateLimit(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	for i := 0; i < 5; i++ {
		_, err := l.Submit(ctx, p.ID, "alice", "guess")
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	_, err := l.Submit(ctx, p.ID, "alice", "guess")
	var rl *cipher.RateLimitedError
	require.True(t, errors.As(err, &rl), "sixth submission inside the window is limited")
	assert.True(t, rl.ResetAt.After(clock.Now()))

	clock.Advance(57 * time.Second)
	_, err = l.Submit(ctx, p.ID, "alice", "guess")
	assert.NoError(t, err, "first submission rolls out of the window")
}

func TestSubmit_Lockdown(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	clock.Advance(p.Remaining(clock.Now()) - 10*time.Second)
	_, err := l.Submit(ctx, p.ID, "alice", "patent")
	assert.ErrorIs(t, err, cipher.ErrLocked)

	count, err := l.GuessCount(ctx, p.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSubmit_LockdownTakesPrecedenceOverRateLimit(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	clock.Advance(p.Remaining(clock.Now()) - 20*time.Second)
	for i := 0; i < 5; i++ {
		_, err := l.Submit(ctx, p.ID, "alice", "guess")
		require.NoError(t, err)
	}

	clock.Advance(15 * time.Second)
	_, err := l.Submit(ctx, p.ID, "alice", "guess")
	assert.ErrorIs(t, err, cipher.ErrLocked)
	var rl *cipher.RateLimitedError
	assert.False(t, errors.As(err, &rl))
}

func TestSubmit_RejectedWritesKeepQuota(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	locked := putOpenPuzzle(t, client, clock.Now())
	clock.Advance(locked.Remaining(clock.Now()) - 5*time.Second)
	open := putOpenPuzzle(t, client, clock.Now())

	for i := 0; i < 5; i++ {
		_, err := l.Submit(ctx, locked.ID, "alice", "guess")
		require.ErrorIs(t, err, cipher.ErrLocked)
		_, err = l.Submit(ctx, uuid.NewString(), "alice", "guess")
		require.ErrorIs(t, err, cipher.ErrNotFound)
	}

	for i := 0; i < 5; i++ {
		_, err := l.Submit(ctx, open.ID, "alice", "guess")
		require.NoError(t, err, "submission %d on an open puzzle", i+1)
	}
}

func TestVote_LockdownTakesPrecedenceOverRateLimit(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())
	clock.Advance(p.Remaining(clock.Now()) - 20*time.Second)

	var ids []string
	for i := 0; i < 11; i++ {
		g, err := l.Submit(ctx, p.ID, uuid.NewString(), "guess")
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}
	for i := 0; i < 10; i++ {
		_, err := l.Vote(ctx, "voter", ids[i])
		require.NoError(t, err)
	}

	clock.Advance(15 * time.Second)
	_, err := l.Vote(ctx, "voter", ids[10])
	assert.ErrorIs(t, err, cipher.ErrLocked)
}

func TestVote_LockedRalliesKeepQuota(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	locked := putOpenPuzzle(t, client, clock.Now())
	stale, err := l.Submit(ctx, locked.ID, "alice", "guess")
	require.NoError(t, err)

	clock.Advance(locked.Remaining(clock.Now()) - 5*time.Second)
	open := putOpenPuzzle(t, client, clock.Now())
	for i := 0; i < 10; i++ {
		_, err := l.Vote(ctx, "voter", stale.ID)
		require.ErrorIs(t, err, cipher.ErrLocked)
	}

	fresh, err := l.Submit(ctx, open.ID, "alice", "guess")
	require.NoError(t, err)
	res, err := l.Vote(ctx, "voter", fresh.ID)
	require.NoError(t, err)
	assert.True(t, res.Accepted)
}

func TestVote(t *testing.T) {
	l, client, pub, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	g, err := l.Submit(ctx, p.ID, "alice", "patent")
	require.NoError(t, err)

	t.Run("first rally counts and publishes", func(t *testing.T) {
		res, err := l.Vote(ctx, "bob", g.ID)
		require.NoError(t, err)
		assert.Equal(t, VoteResult{Accepted: true, NewCount: 1}, res)

		events := pub.Events()
		require.Len(t, events, 1)
		assert.Equal(t, cipher.EventRallyUpdate, events[0].Type)
		assert.Equal(t, g.ID, events[0].GuessID)
		assert.Equal(t, 1, events[0].NewCount)
	})

	t.Run("repeat rally is not counted or published", func(t *testing.T) {
		res, err := l.Vote(ctx, "bob", g.ID)
		require.NoError(t, err)
		assert.Equal(t, VoteResult{Accepted: false, NewCount: 1}, res)
		assert.Len(t, pub.Events(), 1)
	})

	t.Run("own guess is rejected", func(t *testing.T) {
		_, err := l.Vote(ctx, "alice", g.ID)
		var ve *cipher.ValidationError
		assert.True(t, errors.As(err, &ve))
	})

	t.Run("unknown guess", func(t *testing.T) {
		_, err := l.Vote(ctx, "bob", uuid.New().String())
		assert.ErrorIs(t, err, cipher.ErrNotFound)
	})

	t.Run("lockdown rejects rallies", func(t *testing.T) {
		clock.Advance(p.Remaining(clock.Now()) - 5*time.Second)
		_, err := l.Vote(ctx, "carol", g.ID)
		assert.ErrorIs(t, err, cipher.ErrLocked)

		stored, err := client.GetGuess(ctx, g.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, stored.VoteCount)
	})
}

func TestVote_RateLimit(t *testing.T) {
	l, client, _, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	var ids []string
	for i := 0; i < 11; i++ {
		g, err := l.Submit(ctx, p.ID, uuid.NewString(), "guess")
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}

	for i := 0; i < 10; i++ {
		_, err := l.Vote(ctx, "voter", ids[i])
		require.NoError(t, err)
	}

	_, err := l.Vote(ctx, "voter", ids[10])
	var rl *cipher.RateLimitedError
	assert.True(t, errors.As(err, &rl))
}

func TestVote_ConcurrentRalliesAreExact(t *testing.T) {
	l, client, pub, clock := setupTestLedger(t)
	ctx := context.Background()
	p := putOpenPuzzle(t, client, clock.Now())

	g, err := l.Submit(ctx, p.ID, "author", "patent")
	require.NoError(t, err)

	const voters = 50
	var wg sync.WaitGroup
	for i := 0; i < voters; i++ {
		voter := uuid.NewString()
		for attempt := 0; attempt < 2; attempt++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := l.Vote(ctx, voter, g.ID); err != nil {
					t.Errorf("vote failed: %v", err)
				}
			}()
		}
	}
	wg.Wait()

	stored, err := client.GetGuess(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, voters, stored.VoteCount)
	assert.Len(t, pub.Events(), voters)

	listed, err := l.ListGuesses(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, voters, listed[0].VoteCount)
}
