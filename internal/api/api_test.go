package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-docworker/internal/metrics"
	"github.com/tendant/simple-docworker/internal/process"
	"github.com/tendant/simple-docworker/internal/status"
	"github.com/tendant/simple-docworker/internal/storage"
	"github.com/tendant/simple-docworker/internal/store"
	"github.com/tendant/simple-docworker/internal/submit"
	"github.com/tendant/simple-docworker/pkg/schema"
)

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, jobID, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, jobID)
	return nil
}

type fakeWatcher struct {
	mu      sync.Mutex
	subject string
	fn      func([]byte)
	stopped bool
	ready   chan struct{}
}

func newFakeWatcher() *fakeWatcher { return &fakeWatcher{ready: make(chan struct{})} }

func (w *fakeWatcher) Watch(subject string, fn func([]byte)) (func(), error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.subject, w.fn = subject, fn
	close(w.ready)
	return func() {
		w.mu.Lock()
		w.stopped = true
		w.mu.Unlock()
	}, nil
}

func (w *fakeWatcher) send(t *testing.T, n schema.Notification) {
	t.Helper()
	b, err := json.Marshal(n)
	require.NoError(t, err)
	w.mu.Lock()
	fn := w.fn
	w.mu.Unlock()
	fn(b)
}

type env struct {
	e       *echo.Echo
	store   *store.BadgerStore
	queue   *recordingQueue
	watcher *fakeWatcher
}

func newEnv(t *testing.T, checks map[string]Check) *env {
	t.Helper()
	s, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	files, err := storage.NewLocalResolver(t.TempDir())
	require.NoError(t, err)

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	q := &recordingQueue{}
	w := newFakeWatcher()
	e := New(Deps{
		Uploader:       submit.New(s, files, q, quiet, m),
		Status:         status.NewService(s, quiet, m),
		Jobs:           s,
		Files:          files,
		Watcher:        w,
		Checks:         checks,
		Metrics:        m.Handler(),
		Logger:         quiet,
		MaxUploadBytes: 1 << 10,
		WSRate:         1000,
	})
	return &env{e: e, store: s, queue: q, watcher: w}
}

func (en *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	en.e.ServeHTTP(rec, req)
	return rec
}

func multipartRequest(t *testing.T, field, name, body string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, mw.WriteField("owner_id", "user-1"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/documents", &buf)
	req.Header.Set(echo.HeaderContentType, mw.FormDataContentType())
	return req
}

const letter = "Dear team, the invoice of $250 is attached. Contact billing@example.com with questions."

func TestUploadThenPollThenDownload(t *testing.T) {
	en := newEnv(t, nil)

	rec := en.do(multipartRequest(t, "file", "quarterly letter.txt", letter))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var accepted schema.UploadAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))
	assert.Equal(t, schema.TaskPending, accepted.Status)
	assert.Equal(t, "/api/v1/files/"+accepted.TaskID, accepted.URL)
	assert.Equal(t, []string{accepted.TaskID}, en.queue.ids)

	rec = en.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/"+accepted.TaskID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap schema.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, schema.TaskPending, snap.Status)
	assert.True(t, snap.IsPending)

	rec = en.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+accepted.TaskID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var view schema.DocumentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "quarterly_letter.txt", view.FileName)
	assert.Equal(t, "user-1", view.OwnerID)

	rec = en.do(httptest.NewRequest(http.MethodGet, accepted.URL, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, letter, rec.Body.String())
	assert.Contains(t, rec.Header().Get(echo.HeaderContentDisposition), "quarterly_letter.txt")
}

func TestUploadRejections(t *testing.T) {
	en := newEnv(t, nil)

	rec := en.do(multipartRequest(t, "", "", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = en.do(multipartRequest(t, "file", "big.txt", strings.Repeat("x", 2<<10)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	rec = en.do(multipartRequest(t, "file", "empty.txt", ""))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, en.queue.ids)
}

func TestUploadAcceptedWhenQueueIsDown(t *testing.T) {
	en := newEnv(t, nil)
	en.queue.err = errors.New("nats: timeout")

	rec := en.do(multipartRequest(t, "file", "a.txt", letter))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var accepted schema.UploadAccepted
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &accepted))

	job, err := en.store.Get(context.Background(), accepted.TaskID)
	require.NoError(t, err)
	assert.Equal(t, process.StatusPending, job.Status)
}

func TestUnknownIDs(t *testing.T) {
	en := newEnv(t, nil)

	rec := en.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/nope", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var snap schema.StatusSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, schema.TaskUnknown, snap.Status)
	assert.Equal(t, "task status unavailable", snap.Message)

	assert.Equal(t, http.StatusNotFound, en.do(httptest.NewRequest(http.MethodGet, "/api/v1/documents/nope", nil)).Code)
	assert.Equal(t, http.StatusNotFound, en.do(httptest.NewRequest(http.MethodGet, "/api/v1/files/nope", nil)).Code)
}

func TestHealthAndMetrics(t *testing.T) {
	healthy := newEnv(t, map[string]Check{"store": func(context.Context) error { return nil }})
	rec := healthy.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	degraded := newEnv(t, map[string]Check{"nats": func(context.Context) error { return errors.New("disconnected") }})
	rec = degraded.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "disconnected")

	healthy.do(httptest.NewRequest(http.MethodGet, "/api/v1/tasks/x", nil))
	rec = healthy.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `docworker_status_queries_total{status="UNKNOWN"} 1`)
}

func dialTask(t *testing.T, srv *httptest.Server, id string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tasks/" + id
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	return conn
}

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func TestWebsocketRelaysUntilTerminal(t *testing.T) {
	en := newEnv(t, nil)
	ctx := context.Background()
	require.NoError(t, en.store.Create(ctx, process.NewJob("doc-ws", "doc-ws/a.txt", process.Metadata{}, time.Now())))
	srv := httptest.NewServer(en.e)
	defer srv.Close()

	conn := dialTask(t, srv, "doc-ws")

	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "status", f.Type)
	var snap schema.StatusSnapshot
	require.NoError(t, json.Unmarshal(f.Payload, &snap))
	assert.Equal(t, schema.TaskPending, snap.Status)

	<-en.watcher.ready
	assert.Equal(t, "notifications_doc-ws", en.watcher.subject)

	en.watcher.send(t, schema.Notification{TaskID: "doc-ws", Status: schema.NotificationRetrying, Message: "retrying in 2m0s"})
	require.NoError(t, conn.ReadJSON(&f))
	assert.Equal(t, "notification", f.Type)
	assert.Contains(t, string(f.Payload), "RETRYING")

	en.watcher.send(t, schema.Notification{TaskID: "doc-ws", Status: schema.NotificationCompleted, Analysis: &schema.Analysis{WordCount: 42}})
	require.NoError(t, conn.ReadJSON(&f))
	assert.Contains(t, string(f.Payload), `"word_count":42`)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, websocket.CloseNormalClosure, ce.Code)
	assert.Equal(t, "COMPLETED", ce.Text)
}

func TestWebsocketClosesForTerminalJob(t *testing.T) {
	en := newEnv(t, nil)
	ctx := context.Background()
	job := process.NewJob("doc-done", "doc-done/a.txt", process.Metadata{}, time.Now())
	require.NoError(t, job.BeginAttempt("", time.Now()))
	require.NoError(t, job.Fail("unsupported format", time.Now()))
	require.NoError(t, en.store.Create(ctx, job))
	srv := httptest.NewServer(en.e)
	defer srv.Close()

	conn := dialTask(t, srv, "doc-done")
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	assert.Contains(t, string(f.Payload), `"status":"FAILURE"`)

	_, _, err := conn.ReadMessage()
	var ce *websocket.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "FAILURE", ce.Text)
}
