package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"era5-downloader/internal/metrics"
)

const maxErrorBody = 64 * 1024

// Client talks to the CDS retrieve API: submit a job, poll it, fetch the
// result link, download the payload.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new archive client with the given configuration.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.WithDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: defaultTransport(cfg),
		}
	}

	return &Client{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.Named("archive"),
	}, nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// Retrieve runs one job to completion and returns its payload. Running out
// of JobTimeout is reported as KindTransient; the caller's own cancellation
// is returned as is.
func (c *Client) Retrieve(parentCtx context.Context, req Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, &Error{Kind: KindRejected, Op: "submit", Err: fmt.Errorf("invalid request: %w", err)}
	}

	ctx, cancel := context.WithTimeout(parentCtx, c.cfg.JobTimeout)
	defer cancel()

	res, err := c.retrieve(ctx, req)
	if err != nil && KindOf(err) == 0 && errors.Is(err, context.DeadlineExceeded) && parentCtx.Err() == nil {
		return nil, &Error{
			Kind:    KindTransient,
			Op:      "wait",
			Message: fmt.Sprintf("job not finished within %s", c.cfg.JobTimeout),
			Err:     err,
		}
	}
	return res, err
}

func (c *Client) retrieve(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()

	dataset := req.Dataset
	if dataset == "" {
		dataset = c.cfg.Dataset
	}

	job, err := c.submit(ctx, dataset, req)
	if err != nil {
		return nil, err
	}
	// the job leaves the queue whatever happens next
	defer c.release(job.JobID)

	log := c.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("variable", req.Variable.LongName),
		zap.String("dates", req.Dates()),
	)
	log.Info("archive job submitted", zap.String("status", job.Status))

	if err := c.wait(ctx, job, log); err != nil {
		return nil, withJob(err, job.JobID)
	}

	href, err := c.resultLink(ctx, job.JobID)
	if err != nil {
		return nil, err
	}

	payload, err := c.download(ctx, job.JobID, href)
	if err != nil {
		return nil, err
	}
	metrics.DownloadedBytesTotal.Add(float64(len(payload)))

	log.Info("archive job completed",
		zap.Int("bytes", len(payload)),
		zap.Duration("duration", time.Since(start)),
	)
	return &Result{JobID: job.JobID, Payload: payload}, nil
}

func (c *Client) submit(ctx context.Context, dataset string, req Request) (*jobStatus, error) {
	loc := req.Location.Normalized()
	body, err := json.Marshal(executeRequest{Inputs: executeInputs{
		Variable:   []string{req.Variable.LongName},
		Location:   inputLocation{Latitude: loc.Lat, Longitude: loc.Lon},
		Date:       []string{req.Dates()},
		DataFormat: "csv",
	}})
	if err != nil {
		return nil, fmt.Errorf("archive: marshal request: %w", err)
	}

	u := c.cfg.BaseURL + "/retrieve/v1/processes/" + url.PathEscape(dataset) + "/execution"

	// Submitting creates a job, so it is sent once; retries happen a level up.
	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	httpReq, err := c.newRequest(reqCtx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		kind := KindTransient
		if !isTransientNetError(err) {
			kind = KindRejected
		}
		return nil, &Error{Kind: kind, Op: "submit", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError("submit", resp, "")
	}

	var job jobStatus
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, &Error{Kind: KindTransient, Op: "submit", Err: fmt.Errorf("decode response: %w", err)}
	}
	if job.JobID == "" {
		return nil, &Error{Kind: KindTransient, Op: "submit", Message: "response carries no job id"}
	}
	return &job, nil
}

// wait polls until the job leaves the queue.
func (c *Client) wait(ctx context.Context, job *jobStatus, log *zap.Logger) error {
	status := job.Status
	for {
		switch status {
		case statusSuccessful:
			return nil
		case statusFailed, statusRejected, statusDismissed:
			return c.jobFailure(ctx, job.JobID, status)
		}

		timer := time.NewTimer(c.cfg.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		var next jobStatus
		if err := c.getJSON(ctx, "poll", job.JobID, c.jobURL(job.JobID), &next); err != nil {
			return err
		}
		if next.Status != status {
			log.Debug("archive job status", zap.String("status", next.Status))
		}
		status = next.Status
	}
}

// jobFailure reads the reason a job ended without a result.
func (c *Client) jobFailure(ctx context.Context, jobID, status string) error {
	e := &Error{Kind: KindRejected, Op: "poll", JobID: jobID, Message: "job " + status}

	var res jobResults
	err := c.getJSON(ctx, "results", jobID, c.jobURL(jobID)+"/results", &res)
	if ae, ok := err.(*Error); ok && ae.Message != "" {
		e.Message = "job " + status + ": " + ae.Message
		if k, ok := classifyMessage(ae.Message); ok {
			e.Kind = k
		}
	}
	return e
}

func (c *Client) resultLink(ctx context.Context, jobID string) (string, error) {
	var res jobResults
	if err := c.getJSON(ctx, "results", jobID, c.jobURL(jobID)+"/results", &res); err != nil {
		return "", err
	}
	href := res.Asset.Value.Href
	if href == "" {
		return "", &Error{Kind: KindTransient, Op: "results", JobID: jobID, Message: "no asset link"}
	}

	// relative links are resolved against the API root
	base, err := url.Parse(c.cfg.BaseURL + "/")
	if err != nil {
		return "", fmt.Errorf("archive: parse base url: %w", err)
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", &Error{Kind: KindRejected, Op: "results", JobID: jobID, Err: err}
	}
	return base.ResolveReference(ref).String(), nil
}

func (c *Client) download(ctx context.Context, jobID, href string) ([]byte, error) {
	resp, err := c.doWithRetry(ctx, "download", func(ctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(ctx, http.MethodGet, href, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return nil, withJob(err, jobID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError("download", resp, jobID)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxPayloadBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &Error{Kind: KindTransient, Op: "download", JobID: jobID, Err: err}
	}
	if int64(len(payload)) > c.cfg.MaxPayloadBytes {
		return nil, &Error{Kind: KindQuota, Op: "download", JobID: jobID,
			Message: fmt.Sprintf("payload larger than %d bytes", c.cfg.MaxPayloadBytes)}
	}
	if resp.ContentLength > 0 && int64(len(payload)) != resp.ContentLength {
		return nil, &Error{Kind: KindTransient, Op: "download", JobID: jobID,
			Message: fmt.Sprintf("short read: %d of %d bytes", len(payload), resp.ContentLength)}
	}
	return payload, nil
}

// release deletes the job so it stops counting against the queue. Best
// effort, and independent of the caller's context.
func (c *Client) release(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := c.newRequest(ctx, http.MethodDelete, c.jobURL(jobID), nil)
	if err != nil {
		return
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("archive job release failed", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

func (c *Client) getJSON(ctx context.Context, op, jobID, u string, out any) error {
	resp, err := c.doWithRetry(ctx, op, func(ctx context.Context) (*http.Response, error) {
		req, err := c.newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		return c.httpClient.Do(req)
	})
	if err != nil {
		return withJob(err, jobID)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(op, resp, jobID)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransient, Op: op, JobID: jobID, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("archive: build HTTP request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	return req, nil
}

func (c *Client) statusError(op string, resp *http.Response, jobID string) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	e := classifyStatus(op, resp.StatusCode, body, parseRetryAfter(resp))
	e.JobID = jobID

	c.logger.Warn("archive error response",
		zap.String("op", op),
		zap.String("job_id", jobID),
		zap.Int("status", resp.StatusCode),
		zap.Stringer("kind", e.Kind),
		zap.String("message", e.Message),
	)
	return e
}

func (c *Client) jobURL(jobID string) string {
	return c.cfg.BaseURL + "/retrieve/v1/jobs/" + url.PathEscape(jobID)
}

func withJob(err error, jobID string) error {
	if ae, ok := err.(*Error); ok && ae.JobID == "" {
		ae.JobID = jobID
	}
	return err
}
