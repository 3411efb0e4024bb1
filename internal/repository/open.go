package repository

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const pingTimeout = 5 * time.Second

// sqlitePragmas favor concurrent readers with a single writer; busy_timeout
// covers the writer handoff between evaluations.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"busy_timeout(5000)",
	"foreign_keys(ON)",
}

// dataSource resolves the database/sql driver name and DSN for cfg.
func dataSource(cfg domain.RepositoryConfig) (string, string, error) {
	switch cfg.Driver {
	case "sqlite":
		path := cfg.SQLitePath
		if path == "" {
			path = "./kestrel.db"
		}
		q := url.Values{}
		for _, p := range sqlitePragmas {
			q.Add("_pragma", p)
		}
		return "sqlite", "file:" + path + "?" + q.Encode(), nil

	case "postgres":
		host := cfg.PostgresHost
		if host == "" {
			host = "localhost"
		}
		port := cfg.PostgresPort
		if port == 0 {
			port = 5432
		}
		dbname := cfg.PostgresDB
		if dbname == "" {
			dbname = "kestrel"
		}
		sslmode := cfg.PostgresSSLMode
		if sslmode == "" {
			sslmode = "disable"
		}
		u := url.URL{
			Scheme:   "postgres",
			Host:     host + ":" + strconv.Itoa(port),
			Path:     "/" + dbname,
			RawQuery: url.Values{"sslmode": {sslmode}}.Encode(),
		}
		if cfg.PostgresUser != "" {
			u.User = url.UserPassword(cfg.PostgresUser, cfg.PostgresPassword)
		}
		return "postgres", u.String(), nil

	default:
		return "", "", fmt.Errorf("%w: unsupported driver %q", domain.ErrInvalidInput, cfg.Driver)
	}
}

// open connects and verifies the database, creating the SQLite directory
// when needed.
func open(cfg domain.RepositoryConfig) (*sql.DB, error) {
	driver, dsn, err := dataSource(cfg)
	if err != nil {
		return nil, err
	}

	if driver == "sqlite" && cfg.SQLitePath != "" && cfg.SQLitePath != ":memory:" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}
	return db, nil
}
