package app

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

type deliveryJob struct {
	url           string
	payload       TokenResponse
	correlationID string
}

// Deliverer pushes freshly issued credentials to registered callback URLs on
// a bounded worker pool. Delivery is best effort: bounded retries with
// exponential backoff, then the job is logged and dropped. Callers of
// DeliverAsync are never blocked and never see delivery errors.
type Deliverer struct {
	client      *http.Client
	jobs        chan deliveryJob
	wg          sync.WaitGroup
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	grace       time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
}

// NewDeliverer constructs the pool and starts its workers.
func NewDeliverer(cfg CallbackConfig, logger *slog.Logger) *Deliverer {
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &Deliverer{
		client:      &http.Client{Timeout: cfg.RequestTimeout.Std()},
		jobs:        make(chan deliveryJob, queueSize),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff.Std(),
		maxBackoff:  cfg.MaxBackoff.Std(),
		grace:       cfg.ShutdownGrace.Std(),
		logger:      logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	logger.Info("callback delivery started", "workers", cfg.Workers, "max_attempts", cfg.MaxAttempts, "backoff", d.backoff)
	return d
}

// DeliverAsync enqueues a credential push and returns immediately. A full
// queue drops the job rather than blocking the issuance path.
func (d *Deliverer) DeliverAsync(url string, payload TokenResponse, correlationID string) {
	job := deliveryJob{url: url, payload: payload, correlationID: correlationID}
	select {
	case d.jobs <- job:
	default:
		d.logger.Error("callback queue full, dropping delivery", "url", url, "trace_id", correlationID)
	}
}

// Shutdown stops intake and waits for in-flight deliveries up to the
// configured grace period.
func (d *Deliverer) Shutdown(ctx context.Context) error {
	d.closeOnce.Do(func() { close(d.jobs) })

	grace := d.grace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("callback delivery drained")
		return nil
	case <-ctx.Done():
		d.logger.Warn("callback delivery shutdown timed out")
		return ctx.Err()
	}
}

func (d *Deliverer) worker() {
	defer d.wg.Done()
	for job := range d.jobs {
		d.deliver(job)
	}
}

func (d *Deliverer) deliver(job deliveryJob) {
	body, err := json.Marshal(job.payload)
	if err != nil {
		d.logger.Error("marshal callback payload", "error", err, "trace_id", job.correlationID)
		return
	}

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		status, err := d.attempt(job.url, body)
		if err == nil && status >= 200 && status < 300 {
			d.logger.Info("credential delivered", "url", job.url, "attempt", attempt, "trace_id", job.correlationID)
			return
		}
		if err != nil {
			d.logger.Warn("callback delivery failed", "url", job.url, "attempt", attempt, "error", err, "trace_id", job.correlationID)
		} else {
			d.logger.Warn("callback returned non-2xx", "url", job.url, "attempt", attempt, "status", status, "trace_id", job.correlationID)
		}
		if attempt < d.maxAttempts {
			time.Sleep(d.delay(attempt))
		}
	}
	d.logger.Error("credential delivery abandoned", "url", job.url, "attempts", d.maxAttempts, "trace_id", job.correlationID)
}

func (d *Deliverer) attempt(url string, body []byte) (int, error) {
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// delay computes backoff * 2^(attempt-1) with a ceiling.
func (d *Deliverer) delay(attempt int) time.Duration {
	backoff := d.backoff
	if backoff <= 0 {
		backoff = time.Second
	}
	delay := backoff << (attempt - 1)
	if d.maxBackoff > 0 && delay > d.maxBackoff {
		return d.maxBackoff
	}
	return delay
}
