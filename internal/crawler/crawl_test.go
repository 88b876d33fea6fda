package crawler

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/crawlkit/internal/browser/frame"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsexec"
	"github.com/xkilldash9x/crawlkit/internal/browser/resource"
	"github.com/xkilldash9x/crawlkit/internal/config"
)

func newCrawlServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "User-agent: *\nDisallow: /private\n")
	})
	mux.HandleFunc("/start", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/landing", http.StatusFound)
	})
	mux.HandleFunc("/landing", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, htmlPage("landing", `<a href="/one">1</a><a href="/two">2</a><script>window.marker = 7;</script>`))
	})
	mux.HandleFunc("/jump", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, htmlPage("jump", `<script>location.replace("/landing");</script>`))
	})
	mux.HandleFunc("/private", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, htmlPage("private", ""))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig() *config.Config {
	cfg := config.NewDefaultConfig()
	cfg.NetworkCfg.Timeout = 5 * time.Second
	cfg.ScriptCfg.RunPageScripts = true
	cfg.ScriptCfg.Timeout = 2 * time.Second
	cfg.CrawlerCfg.NavigationTimeout = 5 * time.Second
	return cfg
}

const parseScript = `{
	parse: function() {
		console.log("parsing " + document.title);
		return {
			title: document.title,
			links: document.querySelectorAll("a").length,
			marker: window.marker
		};
	}
}`

func TestCrawl_EndToEnd(t *testing.T) {
	srv := newCrawlServer(t)
	registry := frame.NewRegistry()

	result, err := Crawl(context.Background(), testConfig(), srv.URL+"/start", CrawlOptions{
		UserScript: parseScript,
		Registry:   registry,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	require.NotNil(t, result)

	assert.NotEmpty(t, result.CrawlID)
	assert.Empty(t, result.Error)
	assert.False(t, result.Failed())
	assert.Equal(t, srv.URL+"/start", result.URL)
	assert.Equal(t, srv.URL+"/landing", result.FinalURL)
	assert.Equal(t, http.StatusOK, result.StatusCode)
	assert.Equal(t, "text/html", result.MIMEType)
	assert.Equal(t, "landing", result.Title)
	if diff := cmp.Diff([]string{srv.URL + "/one", srv.URL + "/two"}, result.Links); diff != "" {
		t.Errorf("links mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{srv.URL + "/landing"}, result.RedirectChain); diff != "" {
		t.Errorf("redirect chain mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, map[string]interface{}{
		"title":  "landing",
		"links":  int64(2),
		"marker": int64(7),
	}, result.Data)
	assert.Contains(t, result.Console, ConsoleMessage{Level: jsexec.LevelLog, Text: "parsing landing"})
	assert.Positive(t, result.Duration)
	assert.Zero(t, registry.Len(), "the page leaves the registry once the crawl is done")
}

func TestCrawl_FollowsScriptNavigation(t *testing.T) {
	srv := newCrawlServer(t)
	result, err := Crawl(context.Background(), testConfig(), srv.URL+"/jump", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/landing", result.FinalURL)
	assert.Equal(t, "landing", result.Title)
}

func TestCrawl_RobotsDisallowed(t *testing.T) {
	srv := newCrawlServer(t)
	result, err := Crawl(context.Background(), testConfig(), srv.URL+"/private", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.True(t, result.BlockedByRobots)
	assert.True(t, result.Failed())
	assert.Equal(t, resource.ErrCodeAborted, result.ErrorCode)
	assert.Empty(t, result.Title)

	cfg := testConfig()
	cfg.CrawlerCfg.RespectRobots = false
	result, err = Crawl(context.Background(), cfg, srv.URL+"/private", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.False(t, result.BlockedByRobots)
	assert.Equal(t, "private", result.Title)
}

func TestCrawl_NavigationTimeout(t *testing.T) {
	srv := newCrawlServer(t)
	cfg := testConfig()
	cfg.CrawlerCfg.NavigationTimeout = 200 * time.Millisecond

	start := time.Now()
	result, err := Crawl(context.Background(), cfg, srv.URL+"/slow", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, resource.ErrCodeTimedOut, result.ErrorCode)
	assert.Contains(t, result.Error, "navigation timed out")
}

func TestCrawl_LoadFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	cfg := testConfig()
	cfg.CrawlerCfg.RespectRobots = false
	result, err := Crawl(context.Background(), cfg, deadURL+"/", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.True(t, result.Failed())
	assert.NotZero(t, result.ErrorCode)
	assert.Empty(t, result.FinalURL)
}

func TestCrawl_ParseErrorIsReported(t *testing.T) {
	srv := newCrawlServer(t)
	result, err := Crawl(context.Background(), testConfig(), srv.URL+"/landing", CrawlOptions{
		UserScript: `{ parse: function() { throw new Error("no data") } }`,
		Logger:     zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.False(t, result.Failed())
	assert.Equal(t, "landing", result.Title)
	assert.Contains(t, result.ScriptError, "no data")
	assert.Nil(t, result.Data)
}

func TestCrawl_UserScriptFromConfig(t *testing.T) {
	srv := newCrawlServer(t)
	path := filepath.Join(t.TempDir(), "crawler.js")
	require.NoError(t, os.WriteFile(path, []byte(`{ parse: function() { return navigator.userAgent; }, userAgent: "from-file/1.0" }`), 0o600))

	cfg := testConfig()
	cfg.ScriptCfg.UserScript = path
	result, err := Crawl(context.Background(), cfg, srv.URL+"/landing", CrawlOptions{Logger: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Equal(t, "from-file/1.0", result.Data)

	cfg.ScriptCfg.UserScript = path + ".missing"
	_, err = Crawl(context.Background(), cfg, srv.URL+"/landing", CrawlOptions{})
	assert.Error(t, err)
}

func TestCrawl_Errors(t *testing.T) {
	_, err := Crawl(context.Background(), testConfig(), "ftp://example.com/", CrawlOptions{})
	assert.ErrorIs(t, err, ErrInvalidURL)

	srv := newCrawlServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cfg := testConfig()
	cfg.CrawlerCfg.RespectRobots = false
	_, err = Crawl(ctx, cfg, srv.URL+"/landing", CrawlOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCrawl_Eval(t *testing.T) {
	srv := newCrawlServer(t)
	result, err := Crawl(context.Background(), testConfig(), srv.URL+"/landing", CrawlOptions{
		Eval:   `document.querySelector("a").href + "|" + window.marker`,
		Logger: zaptest.NewLogger(t),
	})
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/one|7", result.Eval)
	assert.Empty(t, result.ScriptError)

	result, err = Crawl(context.Background(), testConfig(), srv.URL+"/landing", CrawlOptions{Eval: `missing.value`})
	require.NoError(t, err)
	assert.Contains(t, result.ScriptError, "ReferenceError")

	cfg := testConfig()
	cfg.ScriptCfg.Enabled = false
	_, err = Crawl(context.Background(), cfg, srv.URL+"/landing", CrawlOptions{Eval: `1`})
	assert.ErrorIs(t, err, ErrScriptDisabled)
}
