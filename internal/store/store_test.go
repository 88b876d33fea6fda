package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/crawlkit/internal/crawler"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

// ArgumentMatcherFunc is a helper to create inline mock matchers.
type ArgumentMatcherFunc func(interface{}) bool

func (f ArgumentMatcherFunc) Match(v interface{}) bool {
	return f(v)
}

var utcTime = ArgumentMatcherFunc(func(v interface{}) bool {
	ts, ok := v.(time.Time)
	return ok && ts.Location() == time.UTC
})

const (
	sqlDeleteLinks   = `DELETE FROM crawl_links WHERE crawl_id = $1;`
	sqlDeleteConsole = `DELETE FROM crawl_console WHERE crawl_id = $1;`
	sqlSelectLinks   = `SELECT url FROM crawl_links WHERE crawl_id = $1 ORDER BY position ASC;`
	sqlSelectConsole = `SELECT level, message FROM crawl_console WHERE crawl_id = $1 ORDER BY position ASC;`
)

func newMockStore(t *testing.T, logger *zap.Logger) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing().WillReturnError(nil)
	store, err := New(context.Background(), mockPool, logger)
	require.NoError(t, err)
	return store, mockPool
}

func sampleResult() *crawler.Result {
	loc := time.FixedZone("UTC+2", 2*60*60)
	return &crawler.Result{
		CrawlID:       uuid.NewString(),
		URL:           "https://example.com/start",
		FinalURL:      "https://example.com/landing",
		StatusCode:    200,
		MIMEType:      "text/html",
		Title:         "landing",
		Links:         []string{"https://example.com/a", "https://example.com/b"},
		RedirectChain: []string{"https://example.com/landing"},
		Console:       []crawler.ConsoleMessage{{Level: "log", Text: "hello"}},
		Data:          map[string]interface{}{"count": 2},
		StartedAt:     time.Date(2026, 3, 1, 12, 0, 0, 0, loc),
		Duration:      1500 * time.Millisecond,
	}
}

// -- Test Cases --

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	store, mockPool := newMockStore(t, zap.NewNop())

	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, store.EnsureSchema(context.Background()))

	execErr := errors.New("permission denied")
	mockPool.ExpectExec(flexibleSQLMatcher(schemaSQL)).WillReturnError(execErr)
	assert.ErrorIs(t, store.EnsureSchema(context.Background()), execErr)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestSaveResult(t *testing.T) {
	ctx := context.Background()

	t.Run("should persist a full result without rollback errors", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newMockStore(t, zap.New(observedZapCore))
		r := sampleResult()

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).
			WithArgs(
				r.CrawlID, r.URL, r.FinalURL, r.StatusCode, r.MIMEType, r.Title,
				r.RedirectChain, []byte(`{"count":2}`), "", false, "", 0,
				utcTime, int64(1500),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteLinks)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteConsole)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"crawl_links"}, linkColumns).WillReturnResult(2)
		mockPool.ExpectCopyFrom(pgx.Identifier{"crawl_console"}, consoleColumns).WillReturnResult(1)
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.SaveResult(ctx, r))
		assert.NoError(t, mockPool.ExpectationsWereMet())
		assert.Empty(t, observedLogs.All(), "Expected no errors logged on successful commit")
	})

	t.Run("should skip child rows and store null data for a failed crawl", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		r := &crawler.Result{
			CrawlID:   uuid.NewString(),
			URL:       "https://example.com/",
			Error:     "net error -102",
			ErrorCode: -102,
			StartedAt: time.Now(),
		}

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).
			WithArgs(
				r.CrawlID, r.URL, "", 0, "", "",
				[]string{}, []byte(nil), "", false, r.Error, -102,
				utcTime, int64(0),
			).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteLinks)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteConsole)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCommit()
		mockPool.ExpectRollback().WillReturnError(pgx.ErrTxClosed)

		require.NoError(t, store.SaveResult(ctx, r))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should reject a result without an id", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		assert.Error(t, store.SaveResult(ctx, &crawler.Result{URL: "https://example.com/"}))
		assert.Error(t, store.SaveResult(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should handle transaction begin failure", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		beginErr := errors.New("cannot begin tx")
		mockPool.ExpectBegin().WillReturnError(beginErr)

		err := store.SaveResult(ctx, sampleResult())
		assert.ErrorIs(t, err, beginErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if copying links fails", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		r := sampleResult()
		copyErr := errors.New("copy from failed")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).
			WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
				pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteLinks)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectExec(flexibleSQLMatcher(sqlDeleteConsole)).WithArgs(r.CrawlID).
			WillReturnResult(pgxmock.NewResult("DELETE", 0))
		mockPool.ExpectCopyFrom(pgx.Identifier{"crawl_links"}, linkColumns).WillReturnError(copyErr)
		mockPool.ExpectRollback()

		err := store.SaveResult(ctx, r)
		assert.ErrorIs(t, err, copyErr)
		assert.Contains(t, err.Error(), "crawl_links")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should rollback if the upsert fails", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		upsertErr := errors.New("constraint violation")

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).WillReturnError(upsertErr)
		mockPool.ExpectRollback()

		assert.ErrorIs(t, store.SaveResult(ctx, sampleResult()), upsertErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should log a failed rollback", func(t *testing.T) {
		observedZapCore, observedLogs := observer.New(zapcore.ErrorLevel)
		store, mockPool := newMockStore(t, zap.New(observedZapCore))

		mockPool.ExpectBegin()
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertResult)).WillReturnError(errors.New("boom"))
		mockPool.ExpectRollback().WillReturnError(errors.New("connection lost"))

		assert.Error(t, store.SaveResult(ctx, sampleResult()))
		assert.Equal(t, 1, observedLogs.FilterMessage("Failed to rollback transaction").Len())
	})
}

func TestGetResult(t *testing.T) {
	ctx := context.Background()
	resultColumns := []string{"url", "final_url", "status", "mime_type", "title", "redirect_chain", "data", "script_error", "blocked_by_robots", "error", "error_code", "started_at", "duration_ms"}

	t.Run("should retrieve a result with its links and console", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		id := uuid.NewString()
		started := time.Now().UTC()

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetResult)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(resultColumns).AddRow(
				"https://example.com/start", "https://example.com/landing", 200, "text/html", "landing",
				[]string{"https://example.com/landing"}, []byte(`{"count":2}`), "", false, "", 0,
				started, int64(250),
			))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectLinks)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"url"}).
				AddRow("https://example.com/a").
				AddRow("https://example.com/b"))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectConsole)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows([]string{"level", "message"}).AddRow("warning", "careful"))

		r, err := store.GetResult(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, r.CrawlID)
		assert.Equal(t, "landing", r.Title)
		assert.Equal(t, 200, r.StatusCode)
		assert.Equal(t, []string{"https://example.com/landing"}, r.RedirectChain)
		assert.Equal(t, map[string]interface{}{"count": float64(2)}, r.Data)
		assert.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, r.Links)
		assert.Equal(t, []crawler.ConsoleMessage{{Level: "warning", Text: "careful"}}, r.Console)
		assert.Equal(t, 250*time.Millisecond, r.Duration)
		assert.True(t, r.StartedAt.Equal(started))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should return ErrNotFound for an unknown crawl", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetResult)).
			WithArgs("missing").
			WillReturnError(pgx.ErrNoRows)

		_, err := store.GetResult(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("should wrap link query failures", func(t *testing.T) {
		store, mockPool := newMockStore(t, zap.NewNop())
		id := uuid.NewString()
		queryErr := errors.New("relation does not exist")

		mockPool.ExpectQuery(flexibleSQLMatcher(sqlGetResult)).
			WithArgs(id).
			WillReturnRows(pgxmock.NewRows(resultColumns).AddRow(
				"https://example.com/", "", 0, "", "", []string{}, []byte(nil), "", false, "failed", -2,
				time.Now(), int64(0),
			))
		mockPool.ExpectQuery(flexibleSQLMatcher(sqlSelectLinks)).WithArgs(id).WillReturnError(queryErr)

		_, err := store.GetResult(ctx, id)
		assert.ErrorIs(t, err, queryErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}
