package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/crawlkit/internal/crawler"
)

func TestRunEval(t *testing.T) {
	srv := newSiteServer(t)

	t.Run("value is printed", func(t *testing.T) {
		var out bytes.Buffer
		err := runEval(context.Background(), zaptest.NewLogger(t), testCrawlConfig(), srv.URL+"/beta", `document.title + "!"`, false, &out)
		require.NoError(t, err)

		var r crawler.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &r))
		assert.Equal(t, "beta!", r.Eval)
		assert.Empty(t, r.ScriptError)
		assert.Equal(t, 1, strings.Count(out.String(), "\n"))
	})

	t.Run("pretty output", func(t *testing.T) {
		var out bytes.Buffer
		err := runEval(context.Background(), zaptest.NewLogger(t), testCrawlConfig(), srv.URL+"/beta", `1 + 1`, true, &out)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "\n  \"eval\": 2")
	})

	t.Run("script error is reported in the result", func(t *testing.T) {
		var out bytes.Buffer
		err := runEval(context.Background(), zaptest.NewLogger(t), testCrawlConfig(), srv.URL+"/beta", `missing.value`, false, &out)
		require.NoError(t, err)
		var r crawler.Result
		require.NoError(t, json.Unmarshal(out.Bytes(), &r))
		assert.Contains(t, r.ScriptError, "ReferenceError")
	})

	t.Run("scripting disabled", func(t *testing.T) {
		cfg := testCrawlConfig()
		cfg.ScriptCfg.Enabled = false
		var out bytes.Buffer
		err := runEval(context.Background(), zaptest.NewLogger(t), cfg, srv.URL+"/beta", `1`, false, &out)
		require.ErrorIs(t, err, crawler.ErrScriptDisabled)
		assert.Empty(t, out.String())
	})
}

func TestEvalCmd_Args(t *testing.T) {
	_, err := executeRoot(t, nil, "eval", "https://example.com", "-c", writeConfig(t, ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s), received 1")
}
