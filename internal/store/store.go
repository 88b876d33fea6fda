package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/crawlkit/internal/crawler"
)

// ErrNotFound is returned when no crawl exists for an ID.
var ErrNotFound = errors.New("store: crawl not found")

// DBPool is an interface that abstracts the pgxpool.Pool to allow for mocking in tests.
type DBPool interface {
	Ping(ctx context.Context) error
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store persists crawl results in PostgreSQL.
type Store struct {
	pool DBPool
	log  *zap.Logger
}

// New creates a new store instance and verifies the connection.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS crawl_results (
    crawl_id          UUID PRIMARY KEY,
    url               TEXT NOT NULL,
    final_url         TEXT NOT NULL DEFAULT '',
    status            INTEGER NOT NULL DEFAULT 0,
    mime_type         TEXT NOT NULL DEFAULT '',
    title             TEXT NOT NULL DEFAULT '',
    redirect_chain    TEXT[] NOT NULL DEFAULT '{}',
    data              JSONB,
    script_error      TEXT NOT NULL DEFAULT '',
    blocked_by_robots BOOLEAN NOT NULL DEFAULT FALSE,
    error             TEXT NOT NULL DEFAULT '',
    error_code        INTEGER NOT NULL DEFAULT 0,
    started_at        TIMESTAMPTZ NOT NULL,
    duration_ms       BIGINT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS crawl_links (
    crawl_id UUID NOT NULL REFERENCES crawl_results (crawl_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    url      TEXT NOT NULL,
    PRIMARY KEY (crawl_id, position)
);
CREATE TABLE IF NOT EXISTS crawl_console (
    crawl_id UUID NOT NULL REFERENCES crawl_results (crawl_id) ON DELETE CASCADE,
    position INTEGER NOT NULL,
    level    TEXT NOT NULL,
    message  TEXT NOT NULL,
    PRIMARY KEY (crawl_id, position)
);`

// EnsureSchema creates the crawl tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

const sqlUpsertResult = `
        INSERT INTO crawl_results (crawl_id, url, final_url, status, mime_type, title, redirect_chain, data, script_error, blocked_by_robots, error, error_code, started_at, duration_ms)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
        ON CONFLICT (crawl_id) DO UPDATE SET
            final_url = EXCLUDED.final_url,
            status = EXCLUDED.status,
            mime_type = EXCLUDED.mime_type,
            title = EXCLUDED.title,
            redirect_chain = EXCLUDED.redirect_chain,
            data = EXCLUDED.data,
            script_error = EXCLUDED.script_error,
            blocked_by_robots = EXCLUDED.blocked_by_robots,
            error = EXCLUDED.error,
            error_code = EXCLUDED.error_code,
            duration_ms = EXCLUDED.duration_ms;
    `

var (
	linkColumns    = []string{"crawl_id", "position", "url"}
	consoleColumns = []string{"crawl_id", "position", "level", "message"}
)

// SaveResult writes a crawl result and its links and console output in one
// transaction. Saving the same crawl again replaces it.
func (s *Store) SaveResult(ctx context.Context, r *crawler.Result) error {
	if r == nil || r.CrawlID == "" {
		return errors.New("store: result has no crawl id")
	}
	data, err := marshalData(r.Data)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if rollbackErr := tx.Rollback(ctx); rollbackErr != nil && !errors.Is(rollbackErr, pgx.ErrTxClosed) {
			s.log.Error("Failed to rollback transaction", zap.Error(rollbackErr))
		}
	}()

	redirects := r.RedirectChain
	if redirects == nil {
		redirects = []string{}
	}
	if _, err := tx.Exec(ctx, sqlUpsertResult,
		r.CrawlID, r.URL, r.FinalURL, r.StatusCode, r.MIMEType, r.Title,
		redirects, data, r.ScriptError, r.BlockedByRobots, r.Error, r.ErrorCode,
		r.StartedAt.UTC(), r.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("failed to upsert crawl result: %w", err)
	}

	// Replace, not merge, the child rows.
	if _, err := tx.Exec(ctx, `DELETE FROM crawl_links WHERE crawl_id = $1;`, r.CrawlID); err != nil {
		return fmt.Errorf("failed to clear links: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM crawl_console WHERE crawl_id = $1;`, r.CrawlID); err != nil {
		return fmt.Errorf("failed to clear console: %w", err)
	}

	if len(r.Links) > 0 {
		rows := make([][]interface{}, len(r.Links))
		for i, link := range r.Links {
			rows[i] = []interface{}{r.CrawlID, i, link}
		}
		if err := copyRows(ctx, tx, "crawl_links", linkColumns, rows); err != nil {
			return err
		}
	}
	if len(r.Console) > 0 {
		rows := make([][]interface{}, len(r.Console))
		for i, msg := range r.Console {
			rows[i] = []interface{}{r.CrawlID, i, msg.Level, msg.Text}
		}
		if err := copyRows(ctx, tx, "crawl_console", consoleColumns, rows); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	s.log.Debug("Saved crawl result", zap.String("crawl_id", r.CrawlID), zap.String("url", r.URL))
	return nil
}

func copyRows(ctx context.Context, tx pgx.Tx, table string, columns []string, rows [][]interface{}) error {
	n, err := tx.CopyFrom(ctx, pgx.Identifier{table}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy %s: %w", table, err)
	}
	if int(n) != len(rows) {
		return fmt.Errorf("mismatch in copied %s count: expected %d, got %d", table, len(rows), n)
	}
	return nil
}

// marshalData encodes the parse output, nil for no data.
func marshalData(v interface{}) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode crawl data: %w", err)
	}
	return b, nil
}

const sqlGetResult = `
        SELECT url, final_url, status, mime_type, title, redirect_chain, data, script_error, blocked_by_robots, error, error_code, started_at, duration_ms
        FROM crawl_results
        WHERE crawl_id = $1;
    `

// GetResult loads a stored crawl.
func (s *Store) GetResult(ctx context.Context, crawlID string) (*crawler.Result, error) {
	r := &crawler.Result{CrawlID: crawlID}
	var (
		data       []byte
		durationMS int64
	)
	err := s.pool.QueryRow(ctx, sqlGetResult, crawlID).Scan(
		&r.URL, &r.FinalURL, &r.StatusCode, &r.MIMEType, &r.Title,
		&r.RedirectChain, &data, &r.ScriptError, &r.BlockedByRobots,
		&r.Error, &r.ErrorCode, &r.StartedAt, &durationMS,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl result: %w", err)
	}
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if len(data) > 0 {
		if err := json.Unmarshal(data, &r.Data); err != nil {
			return nil, fmt.Errorf("failed to decode crawl data: %w", err)
		}
	}

	if r.Links, err = s.links(ctx, crawlID); err != nil {
		return nil, err
	}
	if r.Console, err = s.console(ctx, crawlID); err != nil {
		return nil, err
	}
	return r, nil
}

func (s *Store) links(ctx context.Context, crawlID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT url FROM crawl_links WHERE crawl_id = $1 ORDER BY position ASC;`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	var links []string
	for rows.Next() {
		var link string
		if err := rows.Scan(&link); err != nil {
			return nil, fmt.Errorf("failed to scan link row: %w", err)
		}
		links = append(links, link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return links, nil
}

func (s *Store) console(ctx context.Context, crawlID string) ([]crawler.ConsoleMessage, error) {
	rows, err := s.pool.Query(ctx, `SELECT level, message FROM crawl_console WHERE crawl_id = $1 ORDER BY position ASC;`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("failed to query console: %w", err)
	}
	defer rows.Close()

	var out []crawler.ConsoleMessage
	for rows.Next() {
		var m crawler.ConsoleMessage
		if err := rows.Scan(&m.Level, &m.Text); err != nil {
			return nil, fmt.Errorf("failed to scan console row: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return out, nil
}
