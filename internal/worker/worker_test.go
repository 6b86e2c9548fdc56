// Package worker_test contains tests for the NATS worker.
package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/refcast-service/internal/events"
	"github.com/book-expert/refcast-service/internal/importer"
	"github.com/book-expert/refcast-service/internal/scene"
	"github.com/book-expert/refcast-service/internal/view"
	"github.com/book-expert/refcast-service/internal/worker"
)

const (
	inputSubject  = "refcast.import.requested"
	layoutSubject = "refcast.layout.created"
	dlqSubject    = "refcast.import.dlq"
	waitTimeout   = 10 * time.Second
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	return log
}

func RunServerOnPort(t *testing.T, port int) (*server.Server, string) {
	t.Helper()

	opts := &server.Options{
		Port:      port,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}
	natsServer, err := server.NewServer(opts)
	require.NoError(t, err)

	natsServer.Start()

	if !natsServer.ReadyForConnections(4 * time.Second) {
		t.Fatal("NATS server did not start")
	}

	return natsServer, natsServer.ClientURL()
}

type harness struct {
	natsConn *nats.Conn
	js       jetstream.JetStream
	layouts  *nats.Subscription
	dlq      *nats.Subscription
	failed   *nats.Subscription
}

func testSettings(t *testing.T, layoutBucket string) worker.Settings {
	t.Helper()

	defaults := importer.DefaultOptions()
	defaults.Workers = 2

	return worker.Settings{
		Stream:            "REFCAST_JOBS",
		Subject:           inputSubject,
		Durable:           "refcast-workers",
		OutputStream:      "REFCAST_EVENTS",
		OutputSubject:     layoutSubject,
		DeadLetterSubject: dlqSubject,
		MediaBucket:       "REFCAST_MEDIA",
		LayoutBucket:      layoutBucket,
		TempDir:           t.TempDir(),
		FetchMaxWait:      200 * time.Millisecond,
		Defaults:          defaults,
	}
}

// runWorker starts a worker with planner and returns a function that stops
// it and reports Run's result.
func runWorker(
	t *testing.T,
	natsConn *nats.Conn,
	settings worker.Settings,
	planner worker.Importer,
	log *logger.Logger,
) func() error {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())

	natsWorker, err := worker.New(ctx, natsConn, settings, planner, log)
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- natsWorker.Run(ctx) }()

	var (
		stopped bool
		runErr  error
	)

	stop := func() error {
		if !stopped {
			cancel()
			runErr = <-done
			stopped = true
		}

		return runErr
	}

	t.Cleanup(func() { _ = stop() })

	return stop
}

func newHarness(t *testing.T) (*harness, *logger.Logger) {
	t.Helper()

	natsServer, natsURL := RunServerOnPort(t, -1)
	t.Cleanup(natsServer.Shutdown)

	log := newTestLogger(t)

	natsConn, err := worker.Connect(natsURL, log)
	require.NoError(t, err)
	t.Cleanup(natsConn.Close)

	js, err := jetstream.New(natsConn)
	require.NoError(t, err)

	layouts, err := natsConn.SubscribeSync(layoutSubject)
	require.NoError(t, err)

	dlq, err := natsConn.SubscribeSync(dlqSubject)
	require.NoError(t, err)

	failed, err := natsConn.SubscribeSync(events.SubjectImportFailed)
	require.NoError(t, err)

	return &harness{natsConn: natsConn, js: js, layouts: layouts, dlq: dlq, failed: failed}, log
}

// startWorker runs a worker against an embedded server until the test ends.
func startWorker(t *testing.T, layoutBucket string) *harness {
	t.Helper()

	h, log := newHarness(t)
	stop := runWorker(t, h.natsConn, testSettings(t, layoutBucket), importer.New(nil, nil, log), log)

	t.Cleanup(func() { require.NoError(t, stop()) })

	return h
}

// blockingImporter holds every import until its context is canceled.
type blockingImporter struct {
	started chan struct{}
}

func (b *blockingImporter) Import(ctx context.Context, _ []string, _ importer.Options) (*scene.Layout, error) {
	select {
	case b.started <- struct{}{}:
	default:
	}

	<-ctx.Done()

	return nil, ctx.Err()
}

func (h *harness) request(t *testing.T, event events.ImportRequestedEvent) {
	t.Helper()

	data, err := json.Marshal(event)
	require.NoError(t, err)

	_, err = h.js.Publish(context.Background(), inputSubject, data)
	require.NoError(t, err)
}

func nextLayoutEvent(t *testing.T, sub *nats.Subscription) events.LayoutCreatedEvent {
	t.Helper()

	msg, err := sub.NextMsg(waitTimeout)
	require.NoError(t, err)

	var created events.LayoutCreatedEvent
	require.NoError(t, json.Unmarshal(msg.Data, &created))

	return created
}

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()

	var buffer bytes.Buffer
	require.NoError(t, png.Encode(&buffer, image.NewNRGBA(image.Rect(0, 0, width, height))))

	return buffer.Bytes()
}

func TestWorker_StoresLayoutInBucket(t *testing.T) {
	t.Parallel()

	h := startWorker(t, "REFCAST_LAYOUTS")

	dir := t.TempDir()
	front := filepath.Join(dir, "front.png")
	require.NoError(t, os.WriteFile(front, encodePNG(t, 40, 20), 0o600))

	scale := 0.5
	h.request(t, events.ImportRequestedEvent{
		Header:   events.EventHeader{WorkflowID: "wf-1", TenantID: "tenant-a"},
		Paths:    []string{front, filepath.Join(dir, "missing.png")},
		Settings: &events.ImportSettings{Mode: "Box", Scale: &scale},
	})

	created := nextLayoutEvent(t, h.layouts)
	assert.Equal(t, "wf-1", created.Header.WorkflowID)
	assert.NotEmpty(t, created.Header.EventID)
	assert.Equal(t, "Box", created.Mode)
	assert.Equal(t, 6, created.PlaneCount)
	assert.Equal(t, []string{filepath.Join(dir, "missing.png")}, created.FailedPaths)
	assert.Empty(t, created.Layout)
	require.Contains(t, created.LayoutKey, "tenant-a/wf-1/layout_")

	store, err := h.js.ObjectStore(context.Background(), "REFCAST_LAYOUTS")
	require.NoError(t, err)

	data, err := store.GetBytes(context.Background(), created.LayoutKey)
	require.NoError(t, err)

	layout, err := scene.Decode(bytes.NewReader(data), scene.JSON)
	require.NoError(t, err)
	require.Len(t, layout.Planes, 6)
	assert.InDelta(t, 20, layout.Planes[0].Width, 1e-9)
}

func TestWorker_DownloadsObjectKeysAndInlinesLayout(t *testing.T) {
	t.Parallel()

	h := startWorker(t, "")

	media, err := h.js.ObjectStore(context.Background(), "REFCAST_MEDIA")
	require.NoError(t, err)

	_, err = media.PutBytes(context.Background(), "uploads/chair_left.png", encodePNG(t, 16, 8))
	require.NoError(t, err)

	_, err = media.PutBytes(context.Background(), "uploads/IMG_0042.png", encodePNG(t, 16, 8))
	require.NoError(t, err)

	h.request(t, events.ImportRequestedEvent{
		Header:     events.EventHeader{WorkflowID: "wf-2"},
		ObjectKeys: []string{"uploads/chair_left.png", "uploads/IMG_0042.png"},
		Settings:   &events.ImportSettings{Mode: "smart"},
	})

	created := nextLayoutEvent(t, h.layouts)
	assert.Empty(t, created.LayoutKey)
	assert.Equal(t, []string{"uploads/IMG_0042.png"}, created.Undetected)
	require.NotEmpty(t, created.Layout)

	layout, err := scene.Decode(bytes.NewReader(created.Layout), scene.JSON)
	require.NoError(t, err)
	require.Len(t, layout.Planes, 1)
	assert.Equal(t, view.Left, layout.Planes[0].View)
	assert.Equal(t, "uploads/chair_left.png", layout.Planes[0].Source)
	assert.Equal(t, "uploads/chair_left.png", layout.Materials[0].Texture)
	assert.Equal(t, "Ref_Left_chair_left.png", layout.Planes[0].Name)
}

func TestWorker_DeadLettersBadRequests(t *testing.T) {
	t.Parallel()

	h := startWorker(t, "REFCAST_LAYOUTS")

	_, err := h.js.Publish(context.Background(), inputSubject, []byte("{not json"))
	require.NoError(t, err)

	msg, err := h.dlq.NextMsg(waitTimeout)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(msg.Data))

	h.request(t, events.ImportRequestedEvent{Header: events.EventHeader{WorkflowID: "wf-empty"}})

	_, err = h.dlq.NextMsg(waitTimeout)
	require.NoError(t, err)

	failedMsg, err := h.failed.NextMsg(waitTimeout)
	require.NoError(t, err)

	var failed events.ImportFailedEvent
	require.NoError(t, json.Unmarshal(failedMsg.Data, &failed))
	assert.Equal(t, "wf-empty", failed.Header.WorkflowID)
	assert.Contains(t, failed.Reason, worker.ErrEmptyRequest.Error())

	h.request(t, events.ImportRequestedEvent{
		Header:   events.EventHeader{WorkflowID: "wf-bad-pivot"},
		Paths:    []string{"front.png"},
		Settings: &events.ImportSettings{Pivot: "middle"},
	})

	_, err = h.dlq.NextMsg(waitTimeout)
	require.NoError(t, err)

	_, err = h.layouts.NextMsg(200 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)
}

func TestWorker_RedeliversJobInterruptedByShutdown(t *testing.T) {
	t.Parallel()

	h, log := newHarness(t)
	settings := testSettings(t, "")

	blocking := &blockingImporter{started: make(chan struct{}, 1)}
	stopBlocking := runWorker(t, h.natsConn, settings, blocking, log)

	front := filepath.Join(t.TempDir(), "front.png")
	require.NoError(t, os.WriteFile(front, encodePNG(t, 8, 4), 0o600))

	h.request(t, events.ImportRequestedEvent{
		Header: events.EventHeader{WorkflowID: "wf-shutdown"},
		Paths:  []string{front},
	})

	select {
	case <-blocking.started:
	case <-time.After(waitTimeout):
		t.Fatal("import did not start")
	}

	require.NoError(t, stopBlocking())

	_, err := h.dlq.NextMsg(300 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)

	_, err = h.failed.NextMsg(100 * time.Millisecond)
	require.ErrorIs(t, err, nats.ErrTimeout)

	runWorker(t, h.natsConn, settings, importer.New(nil, nil, log), log)

	created := nextLayoutEvent(t, h.layouts)
	assert.Equal(t, "wf-shutdown", created.Header.WorkflowID)
	assert.Equal(t, 1, created.PlaneCount)
}
