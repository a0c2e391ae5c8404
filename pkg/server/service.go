package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/llm"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/search"
)

// Service owns research jobs: it persists them, runs each one in a
// background worker and exposes read access to status, report and logs.
type Service struct {
	DB  *database.PostgresDB
	Cfg *config.Config
	LLM *llm.Client
}

func NewService(db *database.PostgresDB, cfg *config.Config, client *llm.Client) *Service {
	return &Service{DB: db, Cfg: cfg, LLM: client}
}

type Job struct {
	ID        uuid.UUID       `json:"id"`
	Topic     string          `json:"topic"`
	Status    string          `json:"status"`
	Report    *string         `json:"report,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	Config    json.RawMessage `json:"config"`
}

type CreateJobRequest struct {
	Topic   string `json:"topic"`
	Depth   int    `json:"depth"`
	Breadth int    `json:"breadth"`
}

// CreateJob inserts a pending job and starts its worker. Depth and breadth
// fall back to the configured defaults when the request leaves them zero.
func (s *Service) CreateJob(ctx context.Context, req CreateJobRequest) (*Job, error) {
	if req.Depth < 1 {
		req.Depth = s.Cfg.ResearchDepth
	}
	if req.Breadth < 1 {
		req.Breadth = s.Cfg.ResearchBreadth
	}

	job, err := s.insertJob(ctx, req.Topic, req.Depth, req.Breadth)
	if err != nil {
		return nil, err
	}

	go s.runWorker(job.ID, research.Request{
		Query:   research.Query{Original: req.Topic},
		Depth:   req.Depth,
		Breadth: req.Breadth,
	})

	return job, nil
}

// CreateJobFromQueries starts a job seeded with pre-built queries, used by
// the conversation-to-research hand-off. The topic is recorded for display.
func (s *Service) CreateJobFromQueries(ctx context.Context, topic string, queries []research.Query, depth, breadth int) (*Job, error) {
	if depth < 1 {
		depth = s.Cfg.ResearchDepth
	}
	if breadth < 1 {
		breadth = s.Cfg.ResearchBreadth
	}

	job, err := s.insertJob(ctx, topic, depth, breadth)
	if err != nil {
		return nil, err
	}

	go s.runWorker(job.ID, research.Request{
		Query:           research.Query{Original: topic},
		Depth:           depth,
		Breadth:         breadth,
		OverrideQueries: queries,
	})

	return job, nil
}

func (s *Service) insertJob(ctx context.Context, topic string, depth, breadth int) (*Job, error) {
	configJSON, _ := json.Marshal(map[string]any{
		"depth":   depth,
		"breadth": breadth,
	})

	query := `
		INSERT INTO research_jobs (id, topic, status, config)
		VALUES ($1, $2, 'pending', $3)
		RETURNING id, topic, status, created_at, updated_at
	`

	job := &Job{Config: configJSON}
	err := s.DB.Pool.QueryRow(ctx, query, uuid.New(), topic, configJSON).Scan(
		&job.ID, &job.Topic, &job.Status, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	return job, nil
}

func (s *Service) GetJob(ctx context.Context, id uuid.UUID) (*Job, error) {
	query := `
		SELECT id, topic, status, report, created_at, updated_at, config
		FROM research_jobs
		WHERE id = $1
	`
	job := &Job{}
	err := s.DB.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.Topic, &job.Status, &job.Report, &job.CreatedAt, &job.UpdatedAt, &job.Config,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

func (s *Service) ListJobs(ctx context.Context) ([]Job, error) {
	query := `
		SELECT id, topic, status, report, created_at, updated_at, config
		FROM research_jobs
		ORDER BY created_at DESC
		LIMIT 50
	`
	rows, err := s.DB.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var job Job
		if err := rows.Scan(&job.ID, &job.Topic, &job.Status, &job.Report, &job.CreatedAt, &job.UpdatedAt, &job.Config); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type LogEntry struct {
	ID        int             `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Level     string          `json:"level"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata"`
}

func (s *Service) GetJobLogs(ctx context.Context, jobID uuid.UUID) ([]LogEntry, error) {
	query := `
		SELECT id, timestamp, level, message, metadata
		FROM research_logs
		WHERE job_id = $1
		ORDER BY id ASC
	`
	rows, err := s.DB.Pool.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get logs: %w", err)
	}
	defer rows.Close()

	var logs []LogEntry
	for rows.Next() {
		var l LogEntry
		if err := rows.Scan(&l.ID, &l.Timestamp, &l.Level, &l.Message, &l.Metadata); err != nil {
			continue
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Service) runWorker(jobID uuid.UUID, req research.Request) {
	ctx := context.Background()

	_, _ = s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = 'running', updated_at = NOW() WHERE id = $1", jobID)

	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID))

	engine := research.NewEngine(research.EngineConfig{
		SearchAPIKey: s.Cfg.SearchAPIKey,
		SearchOptions: &search.Options{
			BaseURL:  s.Cfg.SearchBaseURL,
			Interval: time.Duration(s.Cfg.SearchRateIntervalMs) * time.Millisecond,
			Logger:   dbLogger,
		},
		LLM:        s.LLM,
		Logger:     dbLogger,
		OnProgress: s.persistProgress(jobID, dbLogger),
	})

	res := engine.Research(ctx, req)
	if res.Err != "" {
		s.failJob(ctx, jobID, fmt.Sprintf("Research failed: %s", res.Err))
		return
	}

	_, err := s.DB.Pool.Exec(ctx,
		"UPDATE research_jobs SET status = 'completed', report = $2, updated_at = NOW() WHERE id = $1",
		jobID, res.MarkdownContent)
	if err != nil {
		dbLogger.Error("Failed to save final report", "error", err)
	}
}

// persistProgress returns a callback that mirrors each progress snapshot
// into the job's state column so clients can poll it.
func (s *Service) persistProgress(jobID uuid.UUID, logger *slog.Logger) research.ProgressFunc {
	return func(p research.Progress) {
		stateJSON, err := json.Marshal(p)
		if err != nil {
			logger.Error("Failed to marshal progress", "error", err)
			return
		}

		_, err = s.DB.Pool.Exec(context.Background(),
			"UPDATE research_jobs SET state = $2, updated_at = NOW() WHERE id = $1",
			jobID, stateJSON)
		if err != nil {
			logger.Error("Failed to save progress", "error", err)
		}
	}
}

func (s *Service) failJob(ctx context.Context, jobID uuid.UUID, reason string) {
	dbLogger := slog.New(NewDBLogHandler(s.DB, jobID))
	dbLogger.Error(reason)

	_, _ = s.DB.Pool.Exec(ctx, "UPDATE research_jobs SET status = 'failed', updated_at = NOW() WHERE id = $1", jobID)
}
