package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions plus descriptors
// like "@hourly" and an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// Request crosses the scheduling boundary. ID correlates the response.
type Request struct {
	ID     string
	Op     string
	Params json.RawMessage
}

// Response answers one Request.
type Response struct {
	ID     string
	Output string
	Err    error
}

// FireFunc receives the prompt of a job whose schedule came due.
type FireFunc func(jobID, prompt string)

type job struct {
	ID       string       `json:"id"`
	Schedule string       `json:"schedule"`
	Prompt   string       `json:"prompt"`
	EntryID  cron.EntryID `json:"-"`
	Created  time.Time    `json:"created_at"`
}

// Service 持有 cron 调度器并通过带关联的通道处理调度请求
// Service owns the cron runner and answers scheduling requests on
// correlated channels. It never executes agent work itself; due jobs
// are handed to the FireFunc.
type Service struct {
	cron   *cron.Cron
	fire   FireFunc
	logger *slog.Logger

	requests chan Request

	mu      sync.Mutex
	jobs    map[string]*job
	waiters map[string]chan Response

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

func NewService(fire FireFunc, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cron:     cron.New(cron.WithParser(cronParser)),
		fire:     fire,
		logger:   logger.With("component", "scheduler"),
		requests: make(chan Request, 16),
		jobs:     make(map[string]*job),
		waiters:  make(map[string]chan Response),
	}
}

// Start launches the cron runner and the request loop.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.cron.Start()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case req := <-s.requests:
				s.resolve(req.ID, s.handle(req))
			}
		}
	}()
	s.logger.Info("scheduler started")
}

// Stop halts the cron runner and waits for in-flight requests.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Dispatch sends one request across the boundary and waits for its
// correlated response. The caller bounds the wait through ctx.
func (s *Service) Dispatch(ctx context.Context, op string, params json.RawMessage) (string, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	s.mu.Lock()
	s.waiters[id] = ch
	s.mu.Unlock()

	select {
	case s.requests <- Request{ID: id, Op: op, Params: params}:
	case <-ctx.Done():
		s.dropWaiter(id)
		return "", ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp.Output, resp.Err
	case <-ctx.Done():
		s.dropWaiter(id)
		return "", ctx.Err()
	}
}

func (s *Service) dropWaiter(id string) {
	s.mu.Lock()
	delete(s.waiters, id)
	s.mu.Unlock()
}

func (s *Service) resolve(id string, resp Response) {
	s.mu.Lock()
	ch, ok := s.waiters[id]
	delete(s.waiters, id)
	s.mu.Unlock()
	if ok {
		resp.ID = id
		ch <- resp
	}
}

func (s *Service) handle(req Request) Response {
	switch req.Op {
	case "create":
		return s.handleCreate(req)
	case "list":
		return s.handleList()
	case "cancel":
		return s.handleCancel(req)
	default:
		return Response{Err: fmt.Errorf("unknown scheduler op %q", req.Op)}
	}
}

func (s *Service) handleCreate(req Request) Response {
	var in struct {
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return Response{Err: fmt.Errorf("create params: %w", err)}
	}
	in.Schedule = strings.TrimSpace(in.Schedule)
	in.Prompt = strings.TrimSpace(in.Prompt)
	if in.Schedule == "" || in.Prompt == "" {
		return Response{Err: fmt.Errorf("create requires schedule and prompt")}
	}
	if _, err := cronParser.Parse(in.Schedule); err != nil {
		return Response{Err: fmt.Errorf("parse schedule %q: %w", in.Schedule, err)}
	}

	j := &job{
		ID:       "job_" + uuid.NewString()[:8],
		Schedule: in.Schedule,
		Prompt:   in.Prompt,
		Created:  time.Now().UTC(),
	}
	entryID, err := s.cron.AddFunc(in.Schedule, func() {
		s.logger.Info("job due", "job_id", j.ID, "schedule", j.Schedule)
		if s.fire != nil {
			s.fire(j.ID, j.Prompt)
		}
	})
	if err != nil {
		return Response{Err: fmt.Errorf("register schedule: %w", err)}
	}
	j.EntryID = entryID

	s.mu.Lock()
	s.jobs[j.ID] = j
	s.mu.Unlock()

	s.logger.Info("job created", "job_id", j.ID, "schedule", j.Schedule)
	return Response{Output: fmt.Sprintf("Scheduled %s: %q at %q", j.ID, j.Prompt, j.Schedule)}
}

func (s *Service) handleList() Response {
	s.mu.Lock()
	jobs := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()

	if len(jobs) == 0 {
		return Response{Output: "No scheduled jobs."}
	}
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].Created.Before(jobs[k].Created) })

	var b strings.Builder
	for _, j := range jobs {
		fmt.Fprintf(&b, "%s  %s  %s\n", j.ID, j.Schedule, j.Prompt)
	}
	return Response{Output: strings.TrimRight(b.String(), "\n")}
}

func (s *Service) handleCancel(req Request) Response {
	var in struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(req.Params, &in); err != nil {
		return Response{Err: fmt.Errorf("cancel params: %w", err)}
	}

	s.mu.Lock()
	j, ok := s.jobs[in.JobID]
	if ok {
		delete(s.jobs, in.JobID)
	}
	s.mu.Unlock()
	if !ok {
		return Response{Err: fmt.Errorf("no such job %q", in.JobID)}
	}
	s.cron.Remove(j.EntryID)
	s.logger.Info("job cancelled", "job_id", j.ID)
	return Response{Output: fmt.Sprintf("Cancelled %s.", j.ID)}
}
