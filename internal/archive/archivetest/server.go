// Package archivetest runs an in-process stand-in for the CDS retrieve API.
package archivetest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

const Token = "test-token"

// Submission is one accepted execution request.
type Submission struct {
	JobID     string
	Dataset   string
	Variable  string
	Latitude  float64
	Longitude float64
	From, To  time.Time // inclusive days
}

// Failure is returned for the next matching submissions.
type Failure struct {
	Status     int
	Detail     string
	RetryAfter int // seconds
}

// Server fakes submit, poll, results and download. Jobs complete after
// PendingPolls polls and carry one CSV row per hour of the requested days,
// up to Latest.
type Server struct {
	*httptest.Server

	mu           sync.Mutex
	jobs         map[string]*job
	submissions  []Submission
	dismissed    []string
	submitFails  []Failure
	jobFailures  map[string]string // long name -> failure detail
	PendingPolls int
	// Latest caps generated rows; zero means no cap.
	Latest time.Time
	// ShortCodes maps long names to CSV column names. Unknown names use the long name.
	ShortCodes map[string]string
	// Value generates the value for an hour.
	Value func(variable string, t time.Time) float64
}

type job struct {
	sub   Submission
	polls int
	state string
	fail  string
}

func NewServer() *Server {
	s := &Server{
		jobs:        make(map[string]*job),
		jobFailures: make(map[string]string),
		ShortCodes:  map[string]string{},
		Value:       DefaultValue,
	}

	r := chi.NewRouter()
	r.Use(s.auth)
	r.Route("/api/retrieve/v1", func(r chi.Router) {
		r.Post("/processes/{dataset}/execution", s.execute)
		r.Get("/jobs/{id}", s.status)
		r.Delete("/jobs/{id}", s.dismiss)
		r.Get("/jobs/{id}/results", s.results)
	})
	r.Get("/download/{id}.csv", s.download)

	s.Server = httptest.NewServer(r)
	return s
}

// BaseURL is the API root to configure the client with.
func (s *Server) BaseURL() string { return s.URL + "/api" }

// DefaultValue is a deterministic value per hour.
func DefaultValue(_ string, t time.Time) float64 {
	return float64(t.Unix()/3600%1000) / 10
}

// FailSubmissions queues failures returned by the next submissions.
func (s *Server) FailSubmissions(f ...Failure) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitFails = append(s.submitFails, f...)
}

// FailJobs makes every job for the variable end in "failed" with detail.
func (s *Server) FailJobs(longName, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobFailures[longName] = detail
}

// Submissions returns the accepted submissions in arrival order.
func (s *Server) Submissions() []Submission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Submission, len(s.submissions))
	copy(out, s.submissions)
	return out
}

// Dismissed returns the ids of deleted jobs in deletion order.
func (s *Server) Dismissed() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dismissed...)
}

func (s *Server) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("PRIVATE-TOKEN") != Token {
			writeProblem(w, http.StatusUnauthorized, "Authentication failed", "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type executeBody struct {
	Inputs struct {
		Variable []string `json:"variable"`
		Location struct {
			Latitude  float64 `json:"latitude"`
			Longitude float64 `json:"longitude"`
		} `json:"location"`
		Date       []string `json:"date"`
		DataFormat string   `json:"data_format"`
	} `json:"inputs"`
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	var body executeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}
	if len(body.Inputs.Variable) != 1 || len(body.Inputs.Date) != 1 {
		writeProblem(w, http.StatusBadRequest, "Invalid request", "one variable and one date range expected")
		return
	}
	from, to, err := parseDates(body.Inputs.Date[0])
	if err != nil {
		writeProblem(w, http.StatusBadRequest, "Invalid request", err.Error())
		return
	}

	s.mu.Lock()
	if len(s.submitFails) > 0 {
		f := s.submitFails[0]
		s.submitFails = s.submitFails[1:]
		s.mu.Unlock()
		if f.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(f.RetryAfter))
		}
		writeProblem(w, f.Status, http.StatusText(f.Status), f.Detail)
		return
	}

	sub := Submission{
		JobID:     uuid.NewString(),
		Dataset:   chi.URLParam(r, "dataset"),
		Variable:  body.Inputs.Variable[0],
		Latitude:  body.Inputs.Location.Latitude,
		Longitude: body.Inputs.Location.Longitude,
		From:      from,
		To:        to,
	}
	j := &job{sub: sub, state: "accepted", fail: s.jobFailures[sub.Variable]}
	s.jobs[sub.JobID] = j
	s.submissions = append(s.submissions, sub)
	s.advance(j)
	state := j.state
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"jobID": sub.JobID, "status": state})
}

// advance moves a job one step; callers hold mu.
func (s *Server) advance(j *job) {
	if j.state != "accepted" && j.state != "running" {
		return
	}
	if j.polls < s.PendingPolls {
		j.polls++
		j.state = "running"
		return
	}
	if j.fail != "" {
		j.state = "failed"
		return
	}
	j.state = "successful"
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*job, bool) {
	j, ok := s.jobs[chi.URLParam(r, "id")]
	if !ok {
		writeProblem(w, http.StatusNotFound, "Job not found", chi.URLParam(r, "id"))
	}
	return j, ok
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.advance(j)
	resp := map[string]string{"jobID": j.sub.JobID, "status": j.state}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) dismiss(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.lookup(w, r); ok {
		j.state = "dismissed"
		s.dismissed = append(s.dismissed, j.sub.JobID)
		w.WriteHeader(http.StatusOK)
	}
}

func (s *Server) results(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j, ok := s.lookup(w, r)
	if !ok {
		s.mu.Unlock()
		return
	}
	state, fail, id := j.state, j.fail, j.sub.JobID
	s.mu.Unlock()

	switch state {
	case "successful", "dismissed":
		resp := map[string]any{"asset": map[string]any{"value": map[string]any{
			"href": s.URL + "/download/" + id + ".csv",
			"type": "text/csv",
		}}}
		writeJSON(w, http.StatusOK, resp)
	case "failed":
		writeProblem(w, http.StatusBadRequest, "The job has failed", fail)
	default:
		writeProblem(w, http.StatusNotFound, "Results not ready", "job is "+state)
	}
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	j, ok := s.jobs[chi.URLParam(r, "id")]
	var sub Submission
	if ok {
		sub = j.sub
	}
	latest := s.Latest
	column := s.ShortCodes[sub.Variable]
	value := s.Value
	s.mu.Unlock()

	if !ok {
		http.NotFound(w, r)
		return
	}
	if column == "" {
		column = sub.Variable
	}

	var b strings.Builder
	fmt.Fprintf(&b, "valid_time,%s,latitude,longitude\n", column)
	end := sub.To.Add(24 * time.Hour)
	for t := sub.From; t.Before(end); t = t.Add(time.Hour) {
		if !latest.IsZero() && t.After(latest) {
			break
		}
		fmt.Fprintf(&b, "%s,%g,%g,%g\n",
			t.Format("2006-01-02 15:04:05"), value(sub.Variable, t), sub.Latitude, sub.Longitude)
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Length", strconv.Itoa(b.Len()))
	_, _ = w.Write([]byte(b.String()))
}

func parseDates(s string) (time.Time, time.Time, error) {
	from, to, ok := strings.Cut(s, "/")
	if !ok {
		to = from
	}
	f, err := time.Parse("2006-01-02", from)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	t, err := time.Parse("2006-01-02", to)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if t.Before(f) {
		return time.Time{}, time.Time{}, fmt.Errorf("date range %q is reversed", s)
	}
	return f, t, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "about:blank",
		"title":  title,
		"status": status,
		"detail": detail,
	})
}
