package archive

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"era5-downloader/internal/archive/archivetest"
	"era5-downloader/internal/era5"
)

var t2m = era5.Variable{LongName: "2m_temperature", ShortCode: "t2m"}

func newTestClient(t *testing.T, srv *archivetest.Server, token string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      srv.BaseURL(),
		APIKey:       token,
		PollInterval: time.Millisecond,
		BaseBackoff:  time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func januaryRequest() Request {
	return Request{
		Variable: t2m,
		Location: era5.Location{Lat: 48.8566, Lon: 2.3522},
		Window: era5.Span{
			From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			To:   time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
		},
	}
}

func TestNewClientValidation(t *testing.T) {
	t.Parallel()

	_, err := NewClient(Config{}, zaptest.NewLogger(t))
	if err == nil {
		t.Fatalf("expected validation error, got nil")
	}
	_, err = NewClient(Config{BaseURL: "http://localhost"}, nil)
	if err == nil {
		t.Fatalf("expected missing key error, got nil")
	}
}

func TestRetrieveSuccess(t *testing.T) {
	t.Parallel()

	srv := archivetest.NewServer()
	defer srv.Close()
	srv.PendingPolls = 2
	srv.ShortCodes["2m_temperature"] = "t2m"

	c := newTestClient(t, srv, archivetest.Token)

	res, err := c.Retrieve(context.Background(), januaryRequest())
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}

	subs := srv.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected 1 submission, got %d", len(subs))
	}
	sub := subs[0]
	if sub.Dataset != DefaultDataset {
		t.Fatalf("unexpected dataset %q", sub.Dataset)
	}
	if sub.Variable != "2m_temperature" {
		t.Fatalf("unexpected variable %q", sub.Variable)
	}
	if sub.Latitude != 48.86 || sub.Longitude != 2.35 {
		t.Fatalf("location not normalized: %v,%v", sub.Latitude, sub.Longitude)
	}
	if got := sub.From.Format("2006-01-02") + "/" + sub.To.Format("2006-01-02"); got != "2024-01-01/2024-01-02" {
		t.Fatalf("unexpected dates %s", got)
	}
	if res.JobID != sub.JobID {
		t.Fatalf("job id mismatch: %s vs %s", res.JobID, sub.JobID)
	}

	lines := strings.Split(strings.TrimSpace(string(res.Payload)), "\n")
	if lines[0] != "valid_time,t2m,latitude,longitude" {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if len(lines) != 1+48 {
		t.Fatalf("expected 48 hourly rows, got %d", len(lines)-1)
	}
}

func TestRetrieveClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		token      string
		submit     []archivetest.Failure
		jobFailure string
		kind       Kind
		sentinel   error
		retryAfter time.Duration
	}{
		{
			name:       "rate limited",
			submit:     []archivetest.Failure{{Status: 429, Detail: "slow down", RetryAfter: 3}},
			kind:       KindTransient,
			sentinel:   era5.ErrTransient,
			retryAfter: 3 * time.Second,
		},
		{
			name:     "server error",
			submit:   []archivetest.Failure{{Status: 503, Detail: "maintenance"}},
			kind:     KindTransient,
			sentinel: era5.ErrTransient,
		},
		{
			name:     "queue full",
			submit:   []archivetest.Failure{{Status: 400, Detail: "The queue is full, try again later"}},
			kind:     KindTransient,
			sentinel: era5.ErrTransient,
		},
		{
			name:     "too large",
			submit:   []archivetest.Failure{{Status: 413, Detail: "request too large"}},
			kind:     KindQuota,
			sentinel: era5.ErrQuotaExceeded,
		},
		{
			name:     "bad token",
			token:    "wrong",
			kind:     KindAuth,
			sentinel: era5.ErrRejected,
		},
		{
			name:     "bad request",
			submit:   []archivetest.Failure{{Status: 400, Detail: "invalid variable"}},
			kind:     KindRejected,
			sentinel: era5.ErrRejected,
		},
		{
			name:       "job over cost limits",
			jobFailure: "Your request is over the cost limits",
			kind:       KindQuota,
			sentinel:   era5.ErrQuotaExceeded,
		},
		{
			name:       "job failed",
			jobFailure: "variable not available at this location",
			kind:       KindRejected,
			sentinel:   era5.ErrRejected,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			srv := archivetest.NewServer()
			defer srv.Close()
			srv.FailSubmissions(tt.submit...)
			if tt.jobFailure != "" {
				srv.FailJobs("2m_temperature", tt.jobFailure)
			}

			token := tt.token
			if token == "" {
				token = archivetest.Token
			}
			c := newTestClient(t, srv, token)

			_, err := c.Retrieve(context.Background(), januaryRequest())
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := KindOf(err); got != tt.kind {
				t.Fatalf("expected kind %s, got %s (%v)", tt.kind, got, err)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Fatalf("expected errors.Is(%v), got %v", tt.sentinel, err)
			}
			if got := RetryAfter(err); got != tt.retryAfter {
				t.Fatalf("expected retry-after %s, got %s", tt.retryAfter, got)
			}
		})
	}
}

func TestRetrieveCanceled(t *testing.T) {
	t.Parallel()

	srv := archivetest.NewServer()
	defer srv.Close()
	srv.PendingPolls = 1 << 20

	c := newTestClient(t, srv, archivetest.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := c.Retrieve(ctx, januaryRequest())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestRetrieveInvalidRequest(t *testing.T) {
	t.Parallel()

	srv := archivetest.NewServer()
	defer srv.Close()
	c := newTestClient(t, srv, archivetest.Token)

	req := januaryRequest()
	req.Location.Lat = 123
	_, err := c.Retrieve(context.Background(), req)
	if !errors.Is(err, era5.ErrRejected) {
		t.Fatalf("expected rejected, got %v", err)
	}
	if len(srv.Submissions()) != 0 {
		t.Fatalf("server should not be called for invalid request")
	}
}

func TestRetrieveReleasesFailedJob(t *testing.T) {
	t.Parallel()

	srv := archivetest.NewServer()
	defer srv.Close()
	srv.FailJobs("2m_temperature", "variable not available at this location")

	c := newTestClient(t, srv, archivetest.Token)

	if _, err := c.Retrieve(context.Background(), januaryRequest()); err == nil {
		t.Fatalf("expected error")
	}
	subs, dismissed := srv.Submissions(), srv.Dismissed()
	if len(dismissed) != 1 || dismissed[0] != subs[0].JobID {
		t.Fatalf("expected job %s released, got %v", subs[0].JobID, dismissed)
	}
}

func TestRetrieveJobTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	srv := archivetest.NewServer()
	defer srv.Close()
	srv.PendingPolls = 1 << 20

	c, err := NewClient(Config{
		BaseURL:      srv.BaseURL(),
		APIKey:       archivetest.Token,
		PollInterval: time.Millisecond,
		BaseBackoff:  time.Millisecond,
		JobTimeout:   50 * time.Millisecond,
	}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Retrieve(context.Background(), januaryRequest())
	if got := KindOf(err); got != KindTransient {
		t.Fatalf("expected transient, got %s (%v)", got, err)
	}
	if !errors.Is(err, era5.ErrTransient) {
		t.Fatalf("expected errors.Is(ErrTransient), got %v", err)
	}
	if len(srv.Dismissed()) != 1 {
		t.Fatalf("timed out job was not released")
	}
}
