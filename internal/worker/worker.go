// Package worker provides a NATS worker that plans reference layouts on request.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/book-expert/refcast-service/internal/events"
	"github.com/book-expert/refcast-service/internal/importer"
	"github.com/book-expert/refcast-service/internal/scene"
)

const (
	// NatsConnectTimeoutSeconds defines the timeout for NATS connection attempts.
	NatsConnectTimeoutSeconds = 10
	// NatsMaxReconnectAttempts defines the maximum number of reconnect attempts for NATS.
	NatsMaxReconnectAttempts = 5
	// NatsFetchMaxWaitSeconds defines the maximum time to wait for messages during a fetch operation.
	NatsFetchMaxWaitSeconds = 5
	// MessageProcessingTimeout bounds a single import job.
	MessageProcessingTimeout = 600 * time.Second

	defaultDirPermission = 0o750
	stepTimeout          = 10 * time.Second
)

var (
	// ErrEmptyRequest indicates an import request without paths or object keys.
	ErrEmptyRequest = errors.New("import request names no inputs")
	// ErrNoMediaStore indicates object keys sent to a worker without a media bucket.
	ErrNoMediaStore = errors.New("no media bucket configured")
)

// Importer plans a layout from local files.
type Importer interface {
	Import(ctx context.Context, paths []string, options importer.Options) (*scene.Layout, error)
}

// Settings name the streams, subjects and buckets the worker uses.
type Settings struct {
	Stream            string
	Subject           string
	Durable           string
	OutputStream      string
	OutputSubject     string
	DeadLetterSubject string
	// MediaBucket holds inputs referenced by object key. Empty disables keys.
	MediaBucket string
	// LayoutBucket receives the layout manifests. Empty sends them inline.
	LayoutBucket string
	// TempDir receives downloaded media. Empty means os.TempDir().
	TempDir string
	// FetchMaxWait bounds one fetch; zero means NatsFetchMaxWaitSeconds.
	FetchMaxWait time.Duration
	Defaults     importer.Options
}

// NatsWorker consumes import requests and publishes the planned layouts.
type NatsWorker struct {
	jetstream   jetstream.JetStream
	consumer    jetstream.Consumer
	mediaStore  jetstream.ObjectStore
	layoutStore jetstream.ObjectStore
	importer    Importer
	logger      *logger.Logger
	settings    Settings
}

// Connect dials the NATS server with the service's reconnect policy.
func Connect(natsURL string, log *logger.Logger) (*nats.Conn, error) {
	natsConn, err := nats.Connect(
		natsURL,
		nats.Timeout(NatsConnectTimeoutSeconds*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(NatsMaxReconnectAttempts),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Infof("Connected to NATS server at %s", natsURL)

	return natsConn, nil
}

// New ensures the streams, consumer and buckets exist and returns a worker
// bound to them.
func New(
	ctx context.Context,
	natsConn *nats.Conn,
	settings Settings,
	planner Importer,
	log *logger.Logger,
) (*NatsWorker, error) {
	if settings.FetchMaxWait <= 0 {
		settings.FetchMaxWait = NatsFetchMaxWaitSeconds * time.Second
	}

	js, err := jetstream.New(natsConn)
	if err != nil {
		return nil, fmt.Errorf("get JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     settings.Stream,
		Subjects: []string{settings.Subject},
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream '%s': %w", settings.Stream, err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     settings.OutputStream,
		Subjects: outputSubjects(settings),
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream '%s': %w", settings.OutputStream, err)
	}

	consumer, err := js.CreateOrUpdateConsumer(ctx, settings.Stream, jetstream.ConsumerConfig{
		Durable:       settings.Durable,
		FilterSubject: settings.Subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure consumer '%s': %w", settings.Durable, err)
	}

	log.Infof("Consumer '%s' is ready.", settings.Durable)

	worker := &NatsWorker{
		jetstream: js,
		consumer:  consumer,
		importer:  planner,
		logger:    log,
		settings:  settings,
	}

	worker.mediaStore, err = ensureObjectStore(ctx, js, settings.MediaBucket)
	if err != nil {
		return nil, err
	}

	worker.layoutStore, err = ensureObjectStore(ctx, js, settings.LayoutBucket)
	if err != nil {
		return nil, err
	}

	return worker, nil
}

func outputSubjects(settings Settings) []string {
	subjects := []string{settings.OutputSubject}

	for _, subject := range []string{events.SubjectImportStarted, events.SubjectImportFailed, settings.DeadLetterSubject} {
		if subject != "" && subject != settings.OutputSubject {
			subjects = append(subjects, subject)
		}
	}

	return subjects
}

func ensureObjectStore(ctx context.Context, js jetstream.JetStream, bucket string) (jetstream.ObjectStore, error) {
	if bucket == "" {
		return nil, nil
	}

	store, err := js.CreateOrUpdateObjectStore(ctx, jetstream.ObjectStoreConfig{Bucket: bucket})
	if err != nil {
		return nil, fmt.Errorf("ensure object store '%s': %w", bucket, err)
	}

	return store, nil
}

// Run starts the worker's message processing loop. It returns when ctx is done.
func (w *NatsWorker) Run(ctx context.Context) error {
	w.logger.Infof("Worker is running, listening for jobs on '%s'...", w.settings.Subject)

	for {
		select {
		case <-ctx.Done():
			w.logger.Infof("Context canceled, worker shutting down.")

			return nil
		default:
		}

		batch, err := w.consumer.Fetch(1, jetstream.FetchMaxWait(w.settings.FetchMaxWait))
		if err != nil {
			w.logger.Errorf("Fetch messages: %v", err)

			continue
		}

		for msg := range batch.Messages() {
			w.handleMsg(ctx, msg)
		}

		if batchErr := batch.Error(); batchErr != nil && !errors.Is(batchErr, nats.ErrTimeout) {
			w.logger.Errorf("Fetch batch: %v", batchErr)
		}
	}
}

func (w *NatsWorker) handleMsg(ctx context.Context, msg jetstream.Msg) {
	startTime := time.Now()

	var event events.ImportRequestedEvent

	err := json.Unmarshal(msg.Data(), &event)
	if err != nil {
		w.handleFailure(ctx, msg, nil, fmt.Errorf("failed to unmarshal ImportRequestedEvent: %w", err))

		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, MessageProcessingTimeout)
	defer cancel()

	w.logger.Infof("Processing import for workflow %s", event.Header.WorkflowID)

	created, err := w.processAndPublishLayout(jobCtx, &event)
	if err != nil && (ctx.Err() != nil || errors.Is(err, context.Canceled)) {
		w.logger.Warnf("Import for workflow %s interrupted, returning it for redelivery: %v", event.Header.WorkflowID, err)

		nakErr := msg.Nak()
		if nakErr != nil {
			w.logger.Errorf("failed to nak message for workflow %s: %v", event.Header.WorkflowID, nakErr)
		}

		return
	}

	if err != nil {
		w.handleFailure(ctx, msg, &event, err)

		return
	}

	w.logger.Successf(
		"Planned %d planes for workflow %s and published LayoutCreatedEvent in %s",
		created.PlaneCount, event.Header.WorkflowID, time.Since(startTime),
	)

	ackErr := msg.Ack()
	if ackErr != nil {
		w.logger.Errorf("failed to acknowledge message for workflow %s: %v", event.Header.WorkflowID, ackErr)
	}
}

func (w *NatsWorker) processAndPublishLayout(
	ctx context.Context,
	event *events.ImportRequestedEvent,
) (*events.LayoutCreatedEvent, error) {
	if len(event.Paths)+len(event.ObjectKeys) == 0 {
		return nil, ErrEmptyRequest
	}

	options, err := w.settings.Defaults.WithSettings(event.Settings)
	if err != nil {
		return nil, fmt.Errorf("request settings: %w", err)
	}

	w.publish(ctx, events.SubjectImportStarted, events.ImportStartedEvent{
		Header:     newHeader(event.Header),
		InputCount: len(event.Paths) + len(event.ObjectKeys),
	})

	paths := append([]string(nil), event.Paths...)

	var downloaded map[string]string

	if len(event.ObjectKeys) > 0 {
		jobDir, mkErr := os.MkdirTemp(w.settings.TempDir, "refcast_job_")
		if mkErr != nil {
			return nil, fmt.Errorf("create job directory: %w", mkErr)
		}
		defer w.removeAll(jobDir)

		downloaded, err = w.downloadMedia(ctx, jobDir, event.ObjectKeys)
		if err != nil {
			return nil, err
		}

		for _, key := range event.ObjectKeys {
			paths = append(paths, downloaded[key])
		}
	}

	layout, err := w.importer.Import(ctx, paths, options)
	if err != nil {
		return nil, fmt.Errorf("import: %w", err)
	}

	relabelDownloads(layout, downloaded)

	created := &events.LayoutCreatedEvent{
		Header:     newHeader(event.Header),
		Mode:       layout.Mode,
		PlaneCount: len(layout.Planes),
		Undetected: layout.Undetected,
	}

	for _, failure := range layout.Failures {
		created.FailedPaths = append(created.FailedPaths, failure.Path)
	}

	data, err := scene.Marshal(layout, scene.JSON)
	if err != nil {
		return nil, err
	}

	if w.layoutStore != nil {
		created.LayoutKey = path.Join(event.Header.TenantID, event.Header.WorkflowID, "layout_"+uuid.NewString()+".json")

		_, err = w.layoutStore.PutBytes(ctx, created.LayoutKey, data)
		if err != nil {
			return nil, fmt.Errorf("failed to upload layout to object store: %w", err)
		}
	} else {
		created.Layout = data
	}

	eventJSON, err := json.Marshal(created)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal LayoutCreatedEvent: %w", err)
	}

	_, err = w.jetstream.Publish(ctx, w.settings.OutputSubject, eventJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to publish LayoutCreatedEvent: %w", err)
	}

	return created, nil
}

// downloadMedia copies each object into its own directory under jobDir so
// that the original base name survives. It maps keys to local paths.
func (w *NatsWorker) downloadMedia(ctx context.Context, jobDir string, keys []string) (map[string]string, error) {
	if w.mediaStore == nil {
		return nil, ErrNoMediaStore
	}

	local := make(map[string]string, len(keys))

	for index, key := range keys {
		data, err := w.mediaStore.GetBytes(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to get '%s' from object store: %w", key, err)
		}

		dir := filepath.Join(jobDir, strconv.Itoa(index))

		err = os.MkdirAll(dir, defaultDirPermission)
		if err != nil {
			return nil, fmt.Errorf("create download directory: %w", err)
		}

		localPath := filepath.Join(dir, path.Base(key))

		err = os.WriteFile(localPath, data, 0o600)
		if err != nil {
			return nil, fmt.Errorf("write '%s': %w", key, err)
		}

		local[key] = localPath
	}

	return local, nil
}

// relabelDownloads replaces temporary download paths in layout with the
// object keys they came from.
func relabelDownloads(layout *scene.Layout, downloaded map[string]string) {
	if len(downloaded) == 0 {
		return
	}

	keys := make(map[string]string, len(downloaded))
	for key, localPath := range downloaded {
		keys[localPath] = key
	}

	relabel := func(value string) string {
		if key, ok := keys[value]; ok {
			return key
		}

		return value
	}

	for index := range layout.Planes {
		layout.Planes[index].Source = relabel(layout.Planes[index].Source)
		layout.Planes[index].Texture = relabel(layout.Planes[index].Texture)
	}

	for index := range layout.Materials {
		layout.Materials[index].Texture = relabel(layout.Materials[index].Texture)
		layout.Materials[index].Preview = relabel(layout.Materials[index].Preview)
	}

	for index := range layout.Failures {
		layout.Failures[index].Path = relabel(layout.Failures[index].Path)
	}

	for index := range layout.Undetected {
		layout.Undetected[index] = relabel(layout.Undetected[index])
	}
}

func (w *NatsWorker) handleFailure(
	ctx context.Context,
	msg jetstream.Msg,
	event *events.ImportRequestedEvent,
	jobErr error,
) {
	w.logger.Errorf("Import failed: %v", jobErr)

	ctx = context.WithoutCancel(ctx)

	if event != nil {
		w.publish(ctx, events.SubjectImportFailed, events.ImportFailedEvent{
			Header: newHeader(event.Header),
			Reason: jobErr.Error(),
		})
	}

	if w.settings.DeadLetterSubject != "" {
		publishCtx, cancel := context.WithTimeout(ctx, stepTimeout)
		_, pubErr := w.jetstream.Publish(publishCtx, w.settings.DeadLetterSubject, msg.Data())

		cancel()

		if pubErr != nil {
			w.logger.Errorf("Failed to publish message to dead-letter subject: %v", pubErr)
		}
	}

	ackErr := msg.Ack()
	if ackErr != nil {
		w.logger.Errorf("failed to acknowledge failed message: %v", ackErr)
	}
}

// publish sends a lifecycle event; failures are logged and otherwise ignored.
func (w *NatsWorker) publish(ctx context.Context, subject string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		w.logger.Warnf("Marshal %s event: %v", subject, err)

		return
	}

	publishCtx, cancel := context.WithTimeout(ctx, stepTimeout)
	defer cancel()

	_, err = w.jetstream.Publish(publishCtx, subject, data)
	if err != nil {
		w.logger.Warnf("Publish %s event: %v", subject, err)
	}
}

func (w *NatsWorker) removeAll(dir string) {
	err := os.RemoveAll(dir)
	if err != nil {
		w.logger.Warnf("Failed to remove job directory %s: %v", dir, err)
	}
}

func newHeader(source events.EventHeader) events.EventHeader {
	return events.EventHeader{
		Timestamp:  time.Now().UTC(),
		WorkflowID: source.WorkflowID,
		UserID:     source.UserID,
		TenantID:   source.TenantID,
		EventID:    uuid.NewString(),
	}
}
