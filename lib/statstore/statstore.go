// Package statstore journals crawl outcomes and proxy checks in sqlite so
// sessions can be inspected after the fact.
package statstore

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"stealthcrawl/lib/statstore/db"
)

var tracer = otel.Tracer("stealthcrawl.lib.statstore")

type Config struct {
	File      string `json:"file"`
	Url       string `json:"url"`
	AuthToken string `json:"auth_token"`
}

// OpenDB opens a local sqlite file or, when a url is configured, a remote
// libsql database.
func (config Config) OpenDB() (*sql.DB, error) {
	if config.Url == "" {
		if config.File == "" {
			return nil, fmt.Errorf("a database path was not specified")
		}

		_, statErr := os.Stat(config.File)
		if os.IsNotExist(statErr) {
			f, err := os.Create(config.File)
			if err != nil {
				return nil, err
			}
			f.Close()
		}

		database, err := sql.Open("sqlite", config.File)
		if err != nil {
			return nil, err
		}
		// see this stackoverflow post for information on why the following
		// lines exist: https://stackoverflow.com/questions/35804884/sqlite-concurrent-writing-performance
		database.SetMaxOpenConns(1)
		_, err = database.Exec("PRAGMA journal_mode=WAL")
		if err != nil {
			return nil, err
		}
		return database, nil
	}

	values := url.Values{}
	if config.AuthToken != "" {
		values.Add("authToken", config.AuthToken)
	}
	return sql.Open("libsql", config.Url+"?"+values.Encode())
}

type Store struct {
	db *sql.DB
}

func NewStore(database *sql.DB) Store {
	return Store{db: database}
}

// Open opens the configured database and ensures the schema exists.
func Open(config Config) (Store, error) {
	database, err := config.OpenDB()
	if err != nil {
		return Store{}, err
	}
	_, err = database.Exec(db.Schema)
	if err != nil {
		database.Close()
		return Store{}, err
	}
	return Store{db: database}, nil
}

func (s Store) Close() error {
	return s.db.Close()
}

type FetchOutcome struct {
	Session  string
	URL      string
	Proxy    string
	Status   int
	Attempts int
	Elapsed  time.Duration
	Success  bool
	Error    string
}

func (s Store) RecordFetch(ctx context.Context, outcome FetchOutcome) error {
	ctx, span := tracer.Start(ctx, "RecordFetch")
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
INSERT INTO fetch_outcome
    (session, url, proxy, status, attempts, elapsed_ms, success, error, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		outcome.Session,
		outcome.URL,
		outcome.Proxy,
		outcome.Status,
		outcome.Attempts,
		outcome.Elapsed.Milliseconds(),
		outcome.Success,
		outcome.Error,
		time.Now().Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert fetch outcome")
		return err
	}
	return nil
}

// SessionHistory returns every recorded outcome for a session, oldest first.
func (s Store) SessionHistory(ctx context.Context, session string) ([]FetchOutcome, error) {
	ctx, span := tracer.Start(ctx, "SessionHistory")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
SELECT session, url, proxy, status, attempts, elapsed_ms, success, error
FROM fetch_outcome
WHERE session = ?
ORDER BY id ASC`, session)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query fetch outcomes")
		return nil, err
	}
	defer rows.Close()

	var out []FetchOutcome
	for rows.Next() {
		var outcome FetchOutcome
		var elapsedMs int64
		err := rows.Scan(
			&outcome.Session,
			&outcome.URL,
			&outcome.Proxy,
			&outcome.Status,
			&outcome.Attempts,
			&elapsedMs,
			&outcome.Success,
			&outcome.Error,
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to scan fetch outcome")
			return nil, err
		}
		outcome.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		out = append(out, outcome)
	}
	return out, rows.Err()
}

type ProxyCheck struct {
	Endpoint     string
	Healthy      bool
	ResponseTime float64
	CheckedAt    time.Time
}

func (s Store) RecordProxyCheck(ctx context.Context, check ProxyCheck) error {
	ctx, span := tracer.Start(ctx, "RecordProxyCheck")
	defer span.End()

	checkedAt := check.CheckedAt
	if checkedAt.IsZero() {
		checkedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO proxy_check (endpoint, healthy, response_time, checked_at)
VALUES (?, ?, ?, ?)`,
		check.Endpoint,
		check.Healthy,
		check.ResponseTime,
		checkedAt.Unix(),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to insert proxy check")
		return err
	}
	return nil
}

// ProxyChecks returns the recorded checks for an endpoint, oldest first.
func (s Store) ProxyChecks(ctx context.Context, endpoint string) ([]ProxyCheck, error) {
	ctx, span := tracer.Start(ctx, "ProxyChecks")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
SELECT endpoint, healthy, response_time, checked_at
FROM proxy_check
WHERE endpoint = ?
ORDER BY id ASC`, endpoint)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to query proxy checks")
		return nil, err
	}
	defer rows.Close()

	var out []ProxyCheck
	for rows.Next() {
		var check ProxyCheck
		var checkedAt int64
		err := rows.Scan(&check.Endpoint, &check.Healthy, &check.ResponseTime, &checkedAt)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to scan proxy check")
			return nil, err
		}
		check.CheckedAt = time.Unix(checkedAt, 0)
		out = append(out, check)
	}
	return out, rows.Err()
}
