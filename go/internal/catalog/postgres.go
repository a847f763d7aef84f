package catalog

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	lru "github.com/hashicorp/golang-lru"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

const schema = `
CREATE TABLE IF NOT EXISTS story_stages (
    id          TEXT PRIMARY KEY,
    position    INT  NOT NULL,
    image_url   TEXT NOT NULL,
    description TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS story_stages_position_idx ON story_stages (position);
`

const countKey = "count"

// PostgresCatalog reads stages from the story_stages table and keeps hot
// entries in an ARC cache. Stages change rarely; call Invalidate after edits.
type PostgresCatalog struct {
	pool  *pgxpool.Pool
	cache *lru.ARCCache
}

func NewPostgresCatalog(pool *pgxpool.Pool, cacheSize int) (*PostgresCatalog, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	cache, err := lru.NewARC(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create stage cache: %w", err)
	}
	return &PostgresCatalog{pool: pool, cache: cache}, nil
}

// EnsureSchema creates the stage table and, when it is empty, seeds it.
func (c *PostgresCatalog) EnsureSchema(ctx context.Context, seed []Stage) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create stage schema: %w", err)
	}

	var n int
	if err := c.pool.QueryRow(ctx, "SELECT count(*) FROM story_stages").Scan(&n); err != nil {
		return fmt.Errorf("count stages: %w", err)
	}
	if n > 0 || len(seed) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i, s := range seed {
		batch.Queue(
			"INSERT INTO story_stages (id, position, image_url, description) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING",
			s.ID, i, s.ImageURL, s.Description,
		)
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed stages: %w", err)
	}

	log.Info().Int("stages", len(seed)).Msg("seeded stage catalog")
	c.Invalidate()
	return nil
}

func (c *PostgresCatalog) Count(ctx context.Context) (int, error) {
	if v, ok := c.cache.Get(countKey); ok {
		return v.(int), nil
	}

	var n int
	if err := c.pool.QueryRow(ctx, "SELECT count(*) FROM story_stages").Scan(&n); err != nil {
		return 0, fmt.Errorf("count stages: %w", err)
	}
	if n == 0 {
		return 0, ErrEmptyCatalog
	}
	c.cache.Add(countKey, n)
	return n, nil
}

func (c *PostgresCatalog) Stage(ctx context.Context, index int) (Stage, error) {
	key := strconv.Itoa(index)
	if v, ok := c.cache.Get(key); ok {
		return v.(Stage), nil
	}
	if index < 0 {
		return Stage{}, fmt.Errorf("stage %d: %w", index, ErrStageNotFound)
	}

	var s Stage
	err := c.pool.QueryRow(ctx,
		"SELECT id, image_url, description FROM story_stages ORDER BY position, id OFFSET $1 LIMIT 1",
		index,
	).Scan(&s.ID, &s.ImageURL, &s.Description)
	if errors.Is(err, pgx.ErrNoRows) {
		return Stage{}, fmt.Errorf("stage %d: %w", index, ErrStageNotFound)
	}
	if err != nil {
		return Stage{}, fmt.Errorf("load stage %d: %w", index, err)
	}

	c.cache.Add(key, s)
	return s, nil
}

// Invalidate drops every cached entry.
func (c *PostgresCatalog) Invalidate() {
	c.cache.Purge()
}
