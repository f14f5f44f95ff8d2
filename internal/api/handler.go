// Package api exposes the game over HTTP: puzzles, guesses, rallies, the
// leaderboard, narrative progress, realtime updates and the scheduler triggers.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dyluth/cipher/internal/fanout"
	"github.com/dyluth/cipher/internal/ledger"
	"github.com/dyluth/cipher/internal/narrative"
	"github.com/dyluth/cipher/internal/scheduler"
	"github.com/dyluth/cipher/pkg/cipher"
)

// PlayerHeader carries the anonymous participant ID chosen by the client.
const PlayerHeader = "X-Player-ID"

// Leaderboard paging.
const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

const maxBodyBytes = 4 << 10

// Deps are the components served by the handler. Hub may be nil, in which
// case the websocket endpoint answers 503 and clients poll for updates.
type Deps struct {
	Client      *cipher.Client
	Ledger      *ledger.Ledger
	Engine      *scheduler.Engine
	Narrative   *narrative.Ledger
	Broadcaster *fanout.Broadcaster
	Hub         *fanout.Hub
	Logger      *slog.Logger
	Now         func() time.Time
}

// Handler serves the game API.
type Handler struct {
	client      *cipher.Client
	ledger      *ledger.Ledger
	engine      *scheduler.Engine
	narrative   *narrative.Ledger
	broadcaster *fanout.Broadcaster
	hub         *fanout.Hub
	log         *slog.Logger
	now         func() time.Time
}

// NewHandler creates a handler.
func NewHandler(d Deps) *Handler {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Handler{
		client:      d.Client,
		ledger:      d.Ledger,
		engine:      d.Engine,
		narrative:   d.Narrative,
		broadcaster: d.Broadcaster,
		hub:         d.Hub,
		log:         d.Logger.With("component", "api", "instance", d.Client.InstanceName()),
		now:         d.Now,
	}
}

// RegisterRoutes mounts the API under /api.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/scheduler/create-puzzle", h.createPuzzle)
		r.Post("/scheduler/check-expirations", h.checkExpirations)

		r.Get("/puzzles", h.listPuzzles)
		r.Route("/puzzles/{puzzleID}", func(r chi.Router) {
			r.Get("/", h.getPuzzle)
			r.Get("/guesses", h.listGuesses)
			r.With(requirePlayer).Post("/guess", h.submitGuess)
			r.Get("/updates", h.updates)
			r.Get("/ws", h.websocket)
		})
		r.With(requirePlayer).Post("/guesses/{guessID}/vote", h.vote)

		r.Get("/leaderboard", h.leaderboard)
		r.Get("/threads", h.threads)
	})
}

// requirePlayer rejects requests without an X-Player-ID header.
func requirePlayer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(PlayerHeader) == "" {
			writeErrorCode(w, http.StatusBadRequest, CodeMissingIdentity, PlayerHeader+" header is required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) createPuzzle(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.CreatePuzzle(r.Context())
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) checkExpirations(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.CheckExpirations(r.Context())
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) listPuzzles(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	puzzles, err := h.client.ListActive(r.Context(), now)
	if err != nil {
		writeError(w, h.log, err, now)
		return
	}

	views := make([]*PuzzleView, 0, len(puzzles))
	for _, p := range puzzles {
		v := newPuzzleView(p, now, h.engine.Lockdown())
		if n, err := h.ledger.GuessCount(r.Context(), p.ID); err == nil {
			v.GuessCount = &n
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) puzzle(w http.ResponseWriter, r *http.Request) (*cipher.Puzzle, bool) {
	id := chi.URLParam(r, "puzzleID")
	if _, err := uuid.Parse(id); err != nil {
		writeError(w, h.log, cipher.ErrNotFound, h.now())
		return nil, false
	}
	p, err := h.client.GetPuzzle(r.Context(), id)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return nil, false
	}
	return p, true
}

func (h *Handler) getPuzzle(w http.ResponseWriter, r *http.Request) {
	p, ok := h.puzzle(w, r)
	if !ok {
		return
	}
	count, err := h.ledger.GuessCount(r.Context(), p.ID)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	v := newPuzzleView(p, h.now(), h.engine.Lockdown())
	v.GuessCount = &count
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) listGuesses(w http.ResponseWriter, r *http.Request) {
	p, ok := h.puzzle(w, r)
	if !ok {
		return
	}
	guesses, err := h.ledger.ListGuesses(r.Context(), p.ID)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	views := make([]GuessView, len(guesses))
	for i, g := range guesses {
		views[i] = newGuessView(g)
	}
	writeJSON(w, http.StatusOK, views)
}

type guessRequest struct {
	Content string `json:"content"`
}

func (h *Handler) submitGuess(w http.ResponseWriter, r *http.Request) {
	var req guessRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, h.log, &cipher.ValidationError{Field: "body", Reason: "expected JSON object with content"}, h.now())
		return
	}

	guess, err := h.ledger.Submit(r.Context(), chi.URLParam(r, "puzzleID"), r.Header.Get(PlayerHeader), req.Content)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	writeJSON(w, http.StatusCreated, newGuessView(guess))
}

func (h *Handler) vote(w http.ResponseWriter, r *http.Request) {
	res, err := h.ledger.Vote(r.Context(), r.Header.Get(PlayerHeader), chi.URLParam(r, "guessID"))
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	if !res.Accepted {
		writeError(w, h.log, cipher.ErrAlreadyVoted, h.now())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) leaderboard(w http.ResponseWriter, r *http.Request) {
	page, err := positiveQuery(r, "page", 1)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	limit, err := positiveQuery(r, "limit", DefaultPageLimit)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}

	offset, err := cipher.PageOffset(page, limit)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	ranked, err := h.client.Leaderboard(r.Context(), offset, limit)
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	total, err := h.client.LeaderboardSize(r.Context())
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}

	out := LeaderboardPage{Entries: make([]LeaderboardEntry, len(ranked)), Page: page, Limit: limit, Total: total}
	for i, s := range ranked {
		out.Entries[i] = LeaderboardEntry{
			Rank:            offset + i + 1,
			UserID:          s.UserID,
			Score:           s.Score,
			Wins:            s.Wins,
			Guesses:         s.GuessesSubmitted,
			Rallies:         s.RalliesCast,
			AccurateRallies: s.AccurateRallies,
			RallyAccuracy:   s.RallyAccuracy(),
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) threads(w http.ResponseWriter, r *http.Request) {
	summary, err := h.narrative.Summarize(r.Context())
	if err != nil {
		writeError(w, h.log, err, h.now())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *Handler) updates(w http.ResponseWriter, r *http.Request) {
	p, ok := h.puzzle(w, r)
	if !ok {
		return
	}
	since := r.URL.Query().Get("since")
	events, err := h.broadcaster.Updates(r.Context(), p.ID, since, 0)
	if err != nil {
		if cipher.IsPersistence(err) {
			writeError(w, h.log, err, h.now())
			return
		}
		writeError(w, h.log, &cipher.ValidationError{Field: "since", Reason: err.Error()}, h.now())
		return
	}

	cursor := since
	if len(events) > 0 {
		cursor = events[len(events)-1].ID
	}
	writeJSON(w, http.StatusOK, UpdatesResponse{Events: events, Cursor: cursor})
}

func (h *Handler) websocket(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeError(w, h.log, fanout.ErrTooManyObservers, h.now())
		return
	}
	p, ok := h.puzzle(w, r)
	if !ok {
		return
	}
	if err := h.hub.Serve(w, r, p.ID); err != nil {
		if errors.Is(err, fanout.ErrTooManyObservers) {
			writeError(w, h.log, err, h.now())
			return
		}
		// The upgrader has already replied
		h.log.Debug("websocket_closed", "puzzle_id", p.ID, "error", err)
	}
}

func positiveQuery(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, &cipher.ValidationError{Field: name, Reason: "must be a positive integer"}
	}
	return n, nil
}
