// Package media copies gateway media into durable storage after ingestion.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/matheus3301/wpprelay/internal/gateway"
	"github.com/matheus3301/wpprelay/internal/storage"
	"github.com/matheus3301/wpprelay/internal/store"
	"go.uber.org/zap"
)

// ErrEmptyMedia is reported when the gateway returns no bytes.
var ErrEmptyMedia = errors.New("empty media")

// Downloader fetches and decrypts received media.
type Downloader interface {
	DownloadMedia(ctx context.Context, instance string, req gateway.MediaRequest) ([]byte, error)
}

// MessageWriter replaces a stored message's media reference.
type MessageWriter interface {
	UpdateMessageMedia(ctx context.Context, id, url, mime string) (*store.Message, error)
}

// Notifier announces a message whose media reference changed.
type Notifier interface {
	MessageUpdated(instance string, m *store.Message)
}

// Job is one message whose media should be made durable.
type Job struct {
	MessageID string
	Instance  string
	Request   gateway.MediaRequest
}

// Result is the outcome of a Job. On failure the message keeps its
// transient reference.
type Result struct {
	MessageID string
	URL       string
	Mime      string
	Err       error
}

// Options tunes the hook.
type Options struct {
	Workers int
	Timeout time.Duration
}

// Hook runs media jobs on a bounded number of goroutines.
type Hook struct {
	downloader Downloader
	storage    storage.Store
	writer     MessageWriter
	notifier   Notifier
	timeout    time.Duration
	logger     *zap.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

// New creates a media hook.
func New(dl Downloader, st storage.Store, w MessageWriter, n Notifier, opts Options, logger *zap.Logger) *Hook {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hook{
		downloader: dl,
		storage:    st,
		writer:     w,
		notifier:   n,
		timeout:    opts.Timeout,
		logger:     logger,
		sem:        make(chan struct{}, opts.Workers),
	}
}

// Schedule queues job and returns a channel that receives its single
// result. The job outlives ctx's cancellation but keeps its values.
func (h *Hook) Schedule(ctx context.Context, job Job) <-chan Result {
	out := make(chan Result, 1)
	ctx = context.WithoutCancel(ctx)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.sem <- struct{}{}
		defer func() { <-h.sem }()

		res := h.process(ctx, job)
		if res.Err != nil {
			h.logger.Warn("media post-processing failed, keeping transient reference",
				zap.String("instance", job.Instance),
				zap.String("message_id", job.MessageID),
				zap.Error(res.Err),
			)
		}
		out <- res
		close(out)
	}()
	return out
}

func (h *Hook) process(ctx context.Context, job Job) Result {
	res := Result{MessageID: job.MessageID}
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	data, err := h.downloader.DownloadMedia(ctx, job.Instance, job.Request)
	if err != nil {
		res.Err = fmt.Errorf("download: %w", err)
		return res
	}
	if len(data) == 0 {
		res.Err = ErrEmptyMedia
		return res
	}

	mime, ext := detect(data, job.Request.Media.Mimetype, job.Request.Media.FileName)
	key := job.Instance + "/" + job.MessageID + ext
	if err := h.storage.UploadFile(ctx, key, bytes.NewReader(data), mime); err != nil {
		res.Err = fmt.Errorf("upload: %w", err)
		return res
	}
	url := h.storage.PublicURL(key)

	msg, err := h.writer.UpdateMessageMedia(ctx, job.MessageID, url, mime)
	if err != nil {
		res.Err = fmt.Errorf("update message: %w", err)
		return res
	}
	res.URL = url
	res.Mime = mime

	h.logger.Debug("media stored",
		zap.String("instance", job.Instance),
		zap.String("message_id", job.MessageID),
		zap.String("mime", mime),
		zap.Int("bytes", len(data)),
	)
	if h.notifier != nil && msg != nil {
		h.notifier.MessageUpdated(job.Instance, msg)
	}
	return res
}

// detect sniffs the content type, preferring the declared one when the
// bytes are not recognized.
func detect(data []byte, declared, fileName string) (string, string) {
	m := mimetype.Detect(data)
	if m.Is("application/octet-stream") && declared != "" {
		if lm := mimetype.Lookup(declared); lm != nil {
			m = lm
		} else {
			ext := filepath.Ext(fileName)
			return declared, ext
		}
	}
	ext := m.Extension()
	if ext == "" {
		ext = filepath.Ext(fileName)
	}
	return m.String(), ext
}

// Wait blocks until every scheduled job has finished.
func (h *Hook) Wait() {
	h.wg.Wait()
}
