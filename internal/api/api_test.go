package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/cipher/internal/fallback"
	"github.com/dyluth/cipher/internal/fanout"
	"github.com/dyluth/cipher/internal/ledger"
	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/internal/scheduler"
	"github.com/dyluth/cipher/pkg/cipher"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	srv    *httptest.Server
	client *cipher.Client
	clock  *testClock
	mr     *miniredis.Miniredis
}

func setupTestAPI(t *testing.T, withHub bool) *fixture {
	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	client, err := cipher.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1}, "test-instance")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	clock := &testClock{now: time.UnixMilli(1_700_000_000_000)}
	broadcaster := fanout.NewBroadcaster(client, 0, nil)

	lg, err := ledger.New(client, ledger.Options{Publisher: broadcaster, Now: clock.Now})
	require.NoError(t, err)
	nl := narrative.New(client, narrative.Options{Publisher: broadcaster, Now: clock.Now})

	templates, err := fallback.LoadTemplates("")
	require.NoError(t, err)
	pool, err := fallback.New(client, templates, fallback.Options{Seed: 1, Now: clock.Now})
	require.NoError(t, err)

	engine, err := scheduler.New(client, nil, pool, nl, scheduler.Options{
		RetryInitial: time.Millisecond,
		Publisher:    broadcaster,
		Now:          clock.Now,
	})
	require.NoError(t, err)

	deps := Deps{
		Client:      client,
		Ledger:      lg,
		Engine:      engine,
		Narrative:   nl,
		Broadcaster: broadcaster,
		Now:         clock.Now,
	}
	if withHub {
		hub := fanout.NewHub(client, fanout.HubOptions{MaxObservers: 1})
		ctx, cancel := context.WithCancel(context.Background())
		ready := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = hub.Run(ctx, ready)
		}()
		<-ready
		t.Cleanup(func() { cancel(); <-done })
		deps.Hub = hub
	}

	server := NewServer(client, ServerConfig{}, NewHandler(deps))
	srv := httptest.NewServer(server.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, client: client, clock: clock, mr: mr}
}

func (f *fixture) do(t *testing.T, method, path, player string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	require.NoError(t, err)
	if player != "" {
		req.Header.Set(PlayerHeader, player)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

func (f *fixture) createPuzzle(t *testing.T) string {
	resp, body := f.do(t, http.MethodPost, "/api/scheduler/create-puzzle", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	res := decode[scheduler.CreateResult](t, body)
	require.NotEmpty(t, res.PuzzleID)
	return res.PuzzleID
}

func TestHealthz(t *testing.T) {
	f := setupTestAPI(t, false)

	resp, body := f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "connected", decode[HealthResponse](t, body).Redis)

	f.mr.Close()
	resp, body = f.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "unhealthy", decode[HealthResponse](t, body).Status)
}

func TestPuzzleReadsHideSolution(t *testing.T) {
	f := setupTestAPI(t, false)
	id := f.createPuzzle(t)

	resp, body := f.do(t, http.MethodGet, "/api/puzzles", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[[]PuzzleView](t, body)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
	assert.Empty(t, list[0].Solution)
	assert.True(t, list[0].BackupContent)
	assert.Equal(t, cipher.PhaseActive, list[0].Phase)

	resp, body = f.do(t, http.MethodGet, "/api/puzzles/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[PuzzleView](t, body)
	require.NotNil(t, view.GuessCount)
	assert.Zero(t, *view.GuessCount)
	assert.NotContains(t, string(body), "solution")

	t.Run("unknown and malformed ids are 404", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/api/puzzles/"+uuid.NewString(), "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, CodeNotFound, decode[ErrorResponse](t, body).Error)

		resp, _ = f.do(t, http.MethodGet, "/api/puzzles/not-a-uuid", "", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})
}

func TestSubmitGuess(t *testing.T) {
	f := setupTestAPI(t, false)
	id := f.createPuzzle(t)
	path := "/api/puzzles/" + id + "/guess"

	t.Run("requires player header", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, path, "", map[string]string{"content": "hello"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeMissingIdentity, decode[ErrorResponse](t, body).Error)
	})

	t.Run("created", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, path, "alice", map[string]string{"content": "  the ledger remembers "})
		require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		g := decode[GuessView](t, body)
		assert.Equal(t, "THE LEDGER REMEMBERS", g.Content)
		assert.Equal(t, "alice", g.SubmitterID)
	})

	t.Run("validation", func(t *testing.T) {
		resp, body := f.do(t, http.MethodPost, path, "bob", map[string]string{"content": "no  double"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeValidation, decode[ErrorResponse](t, body).Error)

		resp, body = f.do(t, http.MethodPost, path, "bob", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeValidation, decode[ErrorResponse](t, body).Error)
	})

	t.Run("rate limited", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			resp, body := f.do(t, http.MethodPost, path, "carol", map[string]string{"content": fmt.Sprintf("guess %d", i)})
			require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
		}
		resp, body := f.do(t, http.MethodPost, path, "carol", map[string]string{"content": "one more"})
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
		assert.Equal(t, "60", resp.Header.Get("Retry-After"))
		e := decode[ErrorResponse](t, body)
		assert.Equal(t, CodeRateLimited, e.Error)
		assert.Equal(t, f.clock.Now().Add(time.Minute).UTC().Format(time.RFC3339), e.ResetAt)
	})

	t.Run("locked", func(t *testing.T) {
		p, err := f.client.GetPuzzle(context.Background(), id)
		require.NoError(t, err)
		f.clock.Set(p.ExpiresAt().Add(-5 * time.Second))

		resp, body := f.do(t, http.MethodPost, path, "dave", map[string]string{"content": "too late"})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeLocked, decode[ErrorResponse](t, body).Error)
	})
}

func TestVoteAndSettle(t *testing.T) {
	f := setupTestAPI(t, false)
	id := f.createPuzzle(t)

	resp, body := f.do(t, http.MethodPost, "/api/puzzles/"+id+"/guess", "alice", map[string]string{"content": "the ledger remembers"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	guess := decode[GuessView](t, body)
	votePath := "/api/guesses/" + guess.ID + "/vote"

	resp, body = f.do(t, http.MethodPost, votePath, "alice", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "own guess")
	assert.Equal(t, CodeValidation, decode[ErrorResponse](t, body).Error)

	resp, body = f.do(t, http.MethodPost, votePath, "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	assert.Equal(t, ledger.VoteResult{Accepted: true, NewCount: 1}, decode[ledger.VoteResult](t, body))

	resp, body = f.do(t, http.MethodPost, votePath, "bob", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeAlreadyVoted, decode[ErrorResponse](t, body).Error)

	resp, _ = f.do(t, http.MethodPost, "/api/guesses/"+uuid.NewString()+"/vote", "bob", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/api/puzzles/"+id+"/guesses", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	guesses := decode[[]GuessView](t, body)
	require.Len(t, guesses, 1)
	assert.Equal(t, 1, guesses[0].VoteCount)

	t.Run("updates since cursor", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/api/puzzles/"+id+"/updates", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		updates := decode[UpdatesResponse](t, body)
		require.NotEmpty(t, updates.Events)
		last := updates.Events[len(updates.Events)-1]
		assert.Equal(t, cipher.EventRallyUpdate, last.Type)
		assert.Equal(t, last.ID, updates.Cursor)

		resp, body = f.do(t, http.MethodGet, "/api/puzzles/"+id+"/updates?since="+updates.Cursor, "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, decode[UpdatesResponse](t, body).Events)

		resp, _ = f.do(t, http.MethodGet, "/api/puzzles/"+id+"/updates?since=garbage", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	p, err := f.client.GetPuzzle(context.Background(), id)
	require.NoError(t, err)
	f.clock.Set(p.ExpiresAt())

	resp, body = f.do(t, http.MethodPost, "/api/scheduler/check-expirations", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, scheduler.ExpirationReport{ExpiredCount: 1}, decode[scheduler.ExpirationReport](t, body))

	resp, body = f.do(t, http.MethodGet, "/api/puzzles/"+id, "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	view := decode[PuzzleView](t, body)
	assert.Equal(t, cipher.PhaseExpired, view.Phase)
	assert.Equal(t, "THE LEDGER REMEMBERS", view.Solution)
	assert.Equal(t, guess.ID, view.WinnerGuessID)

	resp, body = f.do(t, http.MethodPost, votePath, "carol", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, CodeLocked, decode[ErrorResponse](t, body).Error)

	t.Run("leaderboard", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/api/leaderboard?limit=1", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page := decode[LeaderboardPage](t, body)
		assert.Equal(t, 2, page.Total)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, LeaderboardEntry{Rank: 1, UserID: "alice", Score: cipher.WinPoints, Wins: 1, Guesses: 1}, page.Entries[0])

		resp, body = f.do(t, http.MethodGet, "/api/leaderboard?page=2&limit=1", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		page = decode[LeaderboardPage](t, body)
		require.Len(t, page.Entries, 1)
		assert.Equal(t, "bob", page.Entries[0].UserID)
		assert.Equal(t, 2, page.Entries[0].Rank)
		assert.Equal(t, 1.0, page.Entries[0].RallyAccuracy)

		resp, _ = f.do(t, http.MethodGet, "/api/leaderboard?page=0", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp, body = f.do(t, http.MethodGet, "/api/leaderboard?page=9223372036854775807&limit=100", "", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, CodeValidation, decode[ErrorResponse](t, body).Error)
	})

	t.Run("threads", func(t *testing.T) {
		resp, body := f.do(t, http.MethodGet, "/api/threads", "", nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		summary := decode[narrative.Summary](t, body)
		assert.Equal(t, 1, summary.TotalBreadcrumbs)
		require.Len(t, summary.Threads, 1)
		assert.Equal(t, "auditing-main", summary.Threads[0].ThreadID)
		assert.False(t, summary.EndgameReached)
	})
}

func TestCreatePuzzle_AtCapacity(t *testing.T) {
	f := setupTestAPI(t, false)

	for i := 0; i < scheduler.DefaultMaxActive; i++ {
		f.createPuzzle(t)
	}

	resp, body := f.do(t, http.MethodPost, "/api/scheduler/create-puzzle", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, CodeAtCapacity, decode[ErrorResponse](t, body).Error)

	count, err := f.client.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, scheduler.DefaultMaxActive, count)
}

func TestWebsocket(t *testing.T) {
	t.Run("without hub", func(t *testing.T) {
		f := setupTestAPI(t, false)
		id := f.createPuzzle(t)
		resp, body := f.do(t, http.MethodGet, "/api/puzzles/"+id+"/ws", "", nil)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, CodeUnavailable, decode[ErrorResponse](t, body).Error)
	})

	t.Run("push and observer cap", func(t *testing.T) {
		f := setupTestAPI(t, true)
		id := f.createPuzzle(t)
		url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/puzzles/" + id + "/ws"

		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		defer conn.Close()

		_, resp, err := websocket.DefaultDialer.Dial(url, nil)
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

		r, body := f.do(t, http.MethodPost, "/api/puzzles/"+id+"/guess", "alice", map[string]string{"content": "hello"})
		require.Equal(t, http.StatusCreated, r.StatusCode)
		g := decode[GuessView](t, body)
		r, _ = f.do(t, http.MethodPost, "/api/guesses/"+g.ID+"/vote", "bob", nil)
		require.Equal(t, http.StatusOK, r.StatusCode)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		e := decode[cipher.Event](t, data)
		assert.Equal(t, cipher.EventRallyUpdate, e.Type)
		assert.Equal(t, 1, e.NewCount)
	})
}
