package jsbind

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/crawlkit/internal/browser/dom"
	"github.com/xkilldash9x/crawlkit/internal/browser/jsexec"
	"github.com/xkilldash9x/crawlkit/internal/browser/scheduler"
)

// -- Mock Host --

type MockHost struct {
	mock.Mock
	doc *dom.Document
}

func (m *MockHost) Document() *dom.Document { return m.doc }

func (m *MockHost) Navigate(target *url.URL, replace bool) error {
	return m.Called(target.String(), replace).Error(0)
}

func (m *MockHost) Reload() error { return m.Called().Error(0) }

func (m *MockHost) PushState(target *url.URL, replace bool) error {
	return m.Called(target.String(), replace).Error(0)
}

func (m *MockHost) HistoryLength() int { return m.Called().Int(0) }
func (m *MockHost) Online() bool       { return m.Called().Bool(0) }
func (m *MockHost) UserAgent() string  { return m.Called().String(0) }

type fixture struct {
	bridge  *Bridge
	host    *MockHost
	runner  *scheduler.ManualRunner
	console []string
}

func newFixture(t *testing.T, runPageScripts bool) *fixture {
	t.Helper()
	f := &fixture{host: &MockHost{}, runner: scheduler.NewManualRunner()}
	rt := jsexec.New(jsexec.Options{
		Timeout: time.Second,
		Logger:  zaptest.NewLogger(t),
		Console: func(level, msg string) { f.console = append(f.console, level+":"+msg) },
	})
	f.bridge = New(rt, f.host, Options{Runner: f.runner, RunPageScripts: runPageScripts, Logger: zaptest.NewLogger(t)})
	t.Cleanup(f.bridge.Close)
	return f
}

// load installs a new document for rawURL and parses body into it.
func (f *fixture) load(t *testing.T, rawURL, body string) *dom.Document {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	doc := dom.NewDocument(u, "text/html", zaptest.NewLogger(t))
	require.NoError(t, doc.Attach())
	f.host.doc = doc
	f.bridge.SetDocument(doc)
	w := dom.NewWriter(doc, "text/html", "utf-8")
	w.Begin()
	w.AddData([]byte(body))
	w.End()
	return doc
}

func (f *fixture) eval(t *testing.T, source string) interface{} {
	t.Helper()
	v, err := f.bridge.Runtime().Evaluate(context.Background(), "test.js", source)
	require.NoError(t, err)
	return v
}

const testPage = `<!DOCTYPE html>
<html><head><title>  Test   Page </title></head>
<body>
  <div id="main" class="content">
    <p class="item">one</p>
    <p class="item">two</p>
    <a id="next" href="/next?page=2">next</a>
  </div>
</body></html>`

func TestDocumentAPI(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/start", testPage)

	assert.Equal(t, "Test Page", f.eval(t, `document.title`))
	assert.Equal(t, "https://example.com/start", f.eval(t, `document.URL`))
	assert.Equal(t, "complete", f.eval(t, `document.readyState`))
	assert.Equal(t, "BODY", f.eval(t, `document.body.tagName`))
	assert.Equal(t, "HTML", f.eval(t, `document.documentElement.tagName`))
	assert.Equal(t, int64(2), f.eval(t, `document.querySelectorAll("p.item").length`))
	assert.Equal(t, "two", f.eval(t, `document.querySelectorAll("p.item")[1].textContent`))
	assert.Equal(t, "content", f.eval(t, `document.getElementById("main").className`))
	assert.Nil(t, f.eval(t, `document.querySelector("table")`))
	assert.Equal(t, int64(3), f.eval(t, `document.getElementsByTagName("p").length + document.getElementsByTagName("a").length`))
	assert.Equal(t, []interface{}{"one", "two"}, f.eval(t, `document.evaluate("//p[@class='item']").map(e => e.textContent)`))
}

func TestElementIdentity(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)

	assert.Equal(t, true, f.eval(t, `document.getElementById("main") === document.querySelector("#main")`))
	assert.Equal(t, true, f.eval(t, `document.querySelector("p").parentElement === document.getElementById("main")`))
	assert.Equal(t, int64(3), f.eval(t, `document.getElementById("main").children.length`))
	assert.Equal(t, int64(2), f.eval(t, `document.getElementById("main").querySelectorAll(".item").length`))
}

func TestElementHref(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/dir/page", testPage)
	assert.Equal(t, "https://example.com/next?page=2", f.eval(t, `document.getElementById("next").href`))
	assert.Equal(t, "/next?page=2", f.eval(t, `document.getElementById("next").getAttribute("href")`))
}

func TestElementMutations(t *testing.T) {
	f := newFixture(t, false)
	doc := f.load(t, "https://example.com/", testPage)

	f.eval(t, `
		var main = document.getElementById("main");
		main.setAttribute("data-seen", "yes");
		main.id = "renamed";
		document.querySelector("p").textContent = "changed";
		document.querySelectorAll("p")[1].remove();
	`)
	require.NoError(t, doc.UpdateStyle())

	out, err := doc.HTML()
	require.NoError(t, err)
	assert.Contains(t, out, `data-seen="yes"`)
	assert.Contains(t, out, `id="renamed"`)
	assert.Contains(t, out, `<p class="item">changed</p>`)
	assert.NotContains(t, out, "two")
	assert.Equal(t, true, f.eval(t, `document.getElementById("renamed").hasAttribute("data-seen")`))

	f.eval(t, `
		var el = document.createElement("span");
		el.textContent = "added";
		document.body.appendChild(el);
	`)
	out, err = doc.HTML()
	require.NoError(t, err)
	assert.Contains(t, out, "<span>added</span>")
}

func TestMutationsAfterShutdownThrow(t *testing.T) {
	f := newFixture(t, false)
	doc := f.load(t, "https://example.com/", testPage)
	f.eval(t, `var kept = document.getElementById("main");`)
	require.NoError(t, doc.Shutdown())

	_, err := f.bridge.Runtime().Evaluate(context.Background(), "late.js", `kept.setAttribute("x", "1")`)
	var scriptErr *jsexec.ScriptError
	require.ErrorAs(t, err, &scriptErr)
	assert.Contains(t, scriptErr.Message, "shut down")
}

func TestInvalidSelectorThrows(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)

	caught := f.eval(t, `try { document.querySelector("p[[["); "no" } catch (e) { e.message }`)
	assert.Contains(t, caught, "invalid selector")
}

func TestLocation(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com:8443/a/b?q=1#frag", testPage)

	assert.Equal(t, "https://example.com:8443/a/b?q=1#frag", f.eval(t, `location.href`))
	assert.Equal(t, "https:", f.eval(t, `location.protocol`))
	assert.Equal(t, "example.com", f.eval(t, `location.hostname`))
	assert.Equal(t, "8443", f.eval(t, `location.port`))
	assert.Equal(t, "/a/b", f.eval(t, `location.pathname`))
	assert.Equal(t, "?q=1", f.eval(t, `location.search`))
	assert.Equal(t, "#frag", f.eval(t, `location.hash`))
	assert.Equal(t, "https://example.com:8443", f.eval(t, `location.origin`))

	f.host.On("Navigate", "https://example.com:8443/other", false).Return(nil).Once()
	f.host.On("Navigate", "https://elsewhere.test/", true).Return(nil).Once()
	f.host.On("Navigate", "https://example.com:8443/a/b?q=1#top", false).Return(nil).Once()
	f.host.On("Reload").Return(nil).Once()
	f.eval(t, `
		location.href = "/other";
		location.replace("https://elsewhere.test/");
		location.hash = "top";
		location.reload();
	`)
	f.host.AssertExpectations(t)
}

func TestLocationNavigateFailureThrows(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)
	f.host.On("Navigate", "https://example.com/blocked", false).Return(errors.New("detached"))

	caught := f.eval(t, `try { location.assign("/blocked"); "no" } catch (e) { e.message }`)
	assert.Contains(t, caught, "navigation to 'https://example.com/blocked' failed")
}

func TestClickFollowsLinks(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)
	f.host.On("Navigate", "https://example.com/next?page=2", false).Return(nil).Once()

	f.eval(t, `document.getElementById("next").click(); document.querySelector("p").click();`)
	f.host.AssertExpectations(t)
}

func TestHistoryAndNavigator(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/list", testPage)
	f.host.On("PushState", "https://example.com/list?page=2", false).Return(nil).Once()
	f.host.On("PushState", "https://example.com/list", true).Return(nil).Once()
	f.host.On("HistoryLength").Return(3)
	f.host.On("UserAgent").Return("crawlkit-test/1.0")
	f.host.On("Online").Return(false)

	f.eval(t, `history.pushState({}, "", "?page=2"); history.replaceState(null, "")`)
	assert.Equal(t, int64(3), f.eval(t, `history.length`))
	assert.Equal(t, "crawlkit-test/1.0", f.eval(t, `navigator.userAgent`))
	assert.Equal(t, false, f.eval(t, `navigator.onLine`))
	assert.Equal(t, true, f.eval(t, `window === self && window.document === document`))
	f.host.AssertExpectations(t)
}

func TestPageScriptsRunDuringParse(t *testing.T) {
	f := newFixture(t, true)
	f.load(t, "https://example.com/", `<html><body>
		<p id="a">first</p>
		<script>var seenState = document.readyState; console.log("inline", document.getElementById("a").textContent);</script>
		<script src="/external.js"></script>
		<script type="text/template">console.log("not js")</script>
		<script>throw new Error("page bug")</script>
	</body></html>`)

	assert.Equal(t, "interactive", f.eval(t, `seenState`))
	require.Len(t, f.console, 2)
	assert.Equal(t, "log:inline first", f.console[0])
	assert.Contains(t, f.console[1], "error:")
	assert.Contains(t, f.console[1], "page bug")
}

func TestPageScriptsDisabled(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", `<script>var ran = true;</script>`)
	assert.Equal(t, "undefined", f.eval(t, `typeof ran`))
}

func TestDocumentCloseStopsParsing(t *testing.T) {
	f := newFixture(t, false)
	u, _ := url.Parse("https://example.com/")
	doc := dom.NewDocument(u, "text/html", nil)
	require.NoError(t, doc.Attach())
	f.bridge.SetDocument(doc)
	w := dom.NewWriter(doc, "text/html", "")
	w.Begin()
	require.True(t, doc.Parsing())

	f.eval(t, `document.close()`)
	assert.False(t, doc.Parsing())
}

func TestTimers(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f.eval(t, `
		var fired = [];
		setTimeout(function(tag) { fired.push(tag); }, 5, "a");
		var cancelled = setTimeout(function() { fired.push("never"); }, 5);
		clearTimeout(cancelled);
		setTimeout("fired.push('string')", 1);
	`)
	assert.Equal(t, 2, f.bridge.PendingTimers())

	require.NoError(t, f.runner.RunUntil(ctx, func() bool { return f.bridge.PendingTimers() == 0 }))
	assert.ElementsMatch(t, []interface{}{"a", "string"}, f.eval(t, `fired`))
}

func TestTimersDroppedOnNewDocument(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)
	f.eval(t, `var late = false; setTimeout(function() { late = true; }, 1);`)

	f.load(t, "https://example.com/second", testPage)
	assert.Equal(t, 0, f.bridge.PendingTimers())

	time.Sleep(20 * time.Millisecond)
	f.runner.RunUntilIdle()
	assert.Equal(t, false, f.eval(t, `late`))
}

func TestTimerErrorsReachTheConsole(t *testing.T) {
	f := newFixture(t, false)
	f.load(t, "https://example.com/", testPage)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	f.eval(t, `setTimeout(function() { throw new Error("timer bug"); }, 1)`)
	require.NoError(t, f.runner.RunUntil(ctx, func() bool { return len(f.console) > 0 }))
	assert.Contains(t, f.console[0], "timer bug")
}
