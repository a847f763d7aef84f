package progress

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/storychain/go/internal/sqlutil"
)

const schema = `
CREATE TABLE IF NOT EXISTS story_games (
    id           UUID PRIMARY KEY,
    room_name    TEXT        NOT NULL,
    stages       INT         NOT NULL,
    scores       JSONB,
    winner       TEXT,
    completed_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS story_player_scores (
    game_id     UUID NOT NULL REFERENCES story_games (id) ON DELETE CASCADE,
    player_name TEXT NOT NULL,
    score       INT  NOT NULL,
    PRIMARY KEY (game_id, player_name)
);
CREATE INDEX IF NOT EXISTS story_player_scores_player_idx ON story_player_scores (player_name);
`

// ErrNoGames is returned when a room has no recorded game.
var ErrNoGames = errors.New("no recorded games")

// GameResult is the final state of a finished game.
type GameResult struct {
	Room        string         `json:"room"`
	Stages      int            `json:"stages"`
	Scores      map[string]int `json:"scores"`
	CompletedAt time.Time      `json:"completed_at"`
}

// Winner returns the highest scorer; ties go to the alphabetically first name.
func (g GameResult) Winner() string {
	names := make([]string, 0, len(g.Scores))
	for name := range g.Scores {
		names = append(names, name)
	}
	sort.Strings(names)

	winner := ""
	best := 0
	for _, name := range names {
		if winner == "" || g.Scores[name] > best {
			winner, best = name, g.Scores[name]
		}
	}
	return winner
}

// PlayerTotal summarizes a player's finished games.
type PlayerTotal struct {
	Player     string `json:"player"`
	Games      int    `json:"games"`
	TotalScore int    `json:"total_score"`
	BestScore  int    `json:"best_score"`
}

// Recorder persists finished games to Postgres through database/sql.
type Recorder struct {
	db *sql.DB
}

// Open connects to Postgres with the lib/pq driver.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

func (r *Recorder) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create progress schema: %w", err)
	}
	return nil
}

// queries binds the recorder statements to one transaction.
type queries struct {
	tx *sql.Tx
}

func newQueries(tx *sql.Tx) *queries {
	return &queries{tx: tx}
}

func (q *queries) insertGame(ctx context.Context, id uuid.UUID, g GameResult, scores pqtype.NullRawMessage) error {
	_, err := q.tx.ExecContext(ctx,
		`INSERT INTO story_games (id, room_name, stages, scores, winner, completed_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, g.Room, g.Stages, scores, sqlutil.ToSqlString(g.Winner()), g.CompletedAt,
	)
	return err
}

func (q *queries) insertPlayerScore(ctx context.Context, id uuid.UUID, player string, score int) error {
	_, err := q.tx.ExecContext(ctx,
		`INSERT INTO story_player_scores (game_id, player_name, score) VALUES ($1, $2, $3)`,
		id, player, score,
	)
	return err
}

// RecordGame stores the game and one row per player in a single transaction.
func (r *Recorder) RecordGame(ctx context.Context, g GameResult) error {
	scores, err := sqlutil.ToNullRawMessage(g.Scores)
	if err != nil {
		return err
	}
	id := uuid.New()

	err = sqlutil.Run(ctx, r.db, newQueries, func(q *queries) error {
		if err := q.insertGame(ctx, id, g, scores); err != nil {
			return fmt.Errorf("insert game: %w", err)
		}
		for player, score := range g.Scores {
			if err := q.insertPlayerScore(ctx, id, player, score); err != nil {
				return fmt.Errorf("insert score for %s: %w", player, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("record game for room %s: %w", g.Room, err)
	}

	log.Info().
		Str("game_id", id.String()).
		Str("room", g.Room).
		Int("players", len(g.Scores)).
		Msg("game result recorded")
	return nil
}

// PlayerTotals returns per-player aggregates, best total first.
func (r *Recorder) PlayerTotals(ctx context.Context, limit int) ([]PlayerTotal, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT player_name, count(*), sum(score), max(score)
		FROM story_player_scores
		GROUP BY player_name
		ORDER BY sum(score) DESC, player_name
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query player totals: %w", err)
	}
	defer rows.Close()

	var out []PlayerTotal
	for rows.Next() {
		var pt PlayerTotal
		if err := rows.Scan(&pt.Player, &pt.Games, &pt.TotalScore, &pt.BestScore); err != nil {
			return nil, fmt.Errorf("scan player total: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// LastGame returns the most recent result recorded for room.
func (r *Recorder) LastGame(ctx context.Context, room string) (GameResult, error) {
	var (
		g      GameResult
		scores pqtype.NullRawMessage
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT room_name, stages, scores, completed_at
		FROM story_games
		WHERE room_name = $1
		ORDER BY completed_at DESC
		LIMIT 1`, room,
	).Scan(&g.Room, &g.Stages, &scores, &g.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return GameResult{}, ErrNoGames
	}
	if err != nil {
		return GameResult{}, fmt.Errorf("query last game for %s: %w", room, err)
	}
	g.Scores = map[string]int{}
	if err := sqlutil.FromNullRawMessage(scores, &g.Scores); err != nil {
		return GameResult{}, err
	}
	return g, nil
}
