package dbconfig

import (
	"database/sql"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kelseyhightower/envconfig"
)

// Config holds Postgres connection settings, read from DB_HOST, DB_PORT,
// DB_NAME, DB_SSL_MODE and so on. No envconfig tags: a tagged field would
// also match its bare name (USER, PORT).
type Config struct {
	Host     string `split_words:"true" default:"localhost"`
	Port     int    `split_words:"true" default:"5432"`
	User     string `split_words:"true" default:"postgres"`
	Password string `split_words:"true" default:"postgres"`
	Name     string `split_words:"true" default:"storychain"`
	SSLMode  string `split_words:"true" default:"disable"`

	MaxConns        int           `split_words:"true" default:"10"`
	ConnMaxLifetime time.Duration `split_words:"true" default:"30m"`
}

// Load reads the DB_* variables on their own.
func Load() (Config, error) {
	var cfg Config
	if err := envconfig.Process("DB", &cfg); err != nil {
		return Config{}, fmt.Errorf("process database config: %w", err)
	}
	return cfg, nil
}

// DSN returns the Postgres connection URL.
func (c Config) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + strconv.Itoa(c.Port),
		Path:     "/" + c.Name,
		RawQuery: url.Values{"sslmode": {c.SSLMode}}.Encode(),
	}
	return u.String()
}

// Apply sets the connection limits on a database/sql handle.
func (c Config) Apply(db *sql.DB) {
	if c.MaxConns > 0 {
		db.SetMaxOpenConns(c.MaxConns)
	}
	if c.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
}

// PoolConfig builds a pgx pool configuration with the same limits.
func (c Config) PoolConfig() (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(c.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	if c.MaxConns > 0 {
		poolCfg.MaxConns = int32(c.MaxConns)
	}
	if c.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = c.ConnMaxLifetime
	}
	return poolCfg, nil
}
