// jobadmin is the operator CLI for the generation queue: list jobs by
// staleness or status, inspect one job, or force-fail a job stuck in a
// non-terminal state.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"filmgen/internal/domain"
	"filmgen/internal/jobstore"
)

func main() {
	var (
		staleFlag      bool
		staleMinutes   int
		statusFlag     string
		typeFlag       string
		inspectFlag    string
		failFlag       string
		failReasonFlag string
		limitFlag      int
	)

	flag.BoolVar(&staleFlag, "stale", false, "list non-terminal jobs with no recent heartbeat")
	flag.IntVar(&staleMinutes, "stale-minutes", 5, "staleness cutoff in minutes")
	flag.StringVar(&statusFlag, "status", "", "list jobs in this status (queued|generating|completed|failed)")
	flag.StringVar(&typeFlag, "type", "", "restrict -status to one job type (script|image|clip)")
	flag.StringVar(&inspectFlag, "inspect", "", "job ID to print (UUID)")
	flag.StringVar(&failFlag, "fail", "", "job ID to force-fail (UUID)")
	flag.StringVar(&failReasonFlag, "reason", "failed by operator", "failure reason recorded with -fail")
	flag.IntVar(&limitFlag, "limit", 50, "max rows for -stale and -status")
	flag.Parse()

	if !staleFlag && statusFlag == "" && inspectFlag == "" && failFlag == "" {
		exitWithError(errors.New("one of -stale, -status, -inspect, or -fail must be provided"))
	}

	dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if dbURL == "" {
		exitWithError(errors.New("DATABASE_URL is required"))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		exitWithError(fmt.Errorf("failed to connect database: %w", err))
	}
	defer pool.Close()

	store := jobstore.NewPostgresStore(pool)

	switch {
	case staleFlag:
		listStale(ctx, store, staleMinutes, limitFlag)
	case statusFlag != "":
		listByStatus(ctx, store, statusFlag, typeFlag, limitFlag)
	case inspectFlag != "":
		inspect(ctx, store, inspectFlag)
	case failFlag != "":
		forceFail(ctx, store, failFlag, failReasonFlag)
	}
}

func listStale(ctx context.Context, store jobstore.Store, minutes, limit int) {
	jobs, err := store.ListStale(ctx, minutes, limit)
	if err != nil {
		exitWithError(fmt.Errorf("failed to list stale jobs: %w", err))
	}
	if len(jobs) == 0 {
		fmt.Printf("no in-flight jobs older than %dm\n", minutes)
		return
	}
	printJobs(jobs)
}

func listByStatus(ctx context.Context, store jobstore.Store, statusArg, typeArg string, limit int) {
	status := domain.JobStatus(statusArg)
	switch status {
	case domain.JobStatusQueued, domain.JobStatusGenerating, domain.JobStatusCompleted, domain.JobStatusFailed:
	default:
		exitWithError(fmt.Errorf("unknown status %q", statusArg))
	}
	jobType := domain.JobType(typeArg)
	switch jobType {
	case "", domain.JobTypeScript, domain.JobTypeImage, domain.JobTypeClip:
	default:
		exitWithError(fmt.Errorf("unknown job type %q", typeArg))
	}

	jobs, err := store.ListByStatus(ctx, status, jobType, limit)
	if err != nil {
		exitWithError(fmt.Errorf("failed to list jobs: %w", err))
	}
	if len(jobs) == 0 {
		fmt.Printf("no %s jobs\n", status)
		return
	}
	printJobs(jobs)
}

func printJobs(jobs []domain.GenerationJob) {
	for _, job := range jobs {
		ref := "-"
		if r, ok := domain.PredictionRefFrom(job.Result); ok {
			ref = r.PredictionID
		}
		fmt.Printf("%s  %-10s  %-6s  owner=%s  target=%s  prediction=%s  updated=%s\n",
			job.ID, job.Status, job.Type, job.OwnerID, job.TargetID, ref,
			job.UpdatedAt.Format(time.RFC3339))
	}
}

func inspect(ctx context.Context, store jobstore.Store, idArg string) {
	id := parseID(idArg)
	job, err := store.Get(ctx, id)
	if err != nil {
		exitWithError(fmt.Errorf("failed to load job: %w", err))
	}
	out, err := json.MarshalIndent(map[string]any{
		"id":            job.ID,
		"owner_id":      job.OwnerID,
		"job_type":      job.Type,
		"target_id":     job.TargetID,
		"status":        job.Status,
		"result":        job.Result,
		"error_message": job.ErrorMessage,
		"created_at":    job.CreatedAt,
		"updated_at":    job.UpdatedAt,
	}, "", "  ")
	if err != nil {
		exitWithError(fmt.Errorf("failed to encode job: %w", err))
	}
	fmt.Println(string(out))
}

func forceFail(ctx context.Context, store jobstore.Store, idArg, reason string) {
	id := parseID(idArg)
	err := store.Fail(ctx, id, reason)
	switch {
	case errors.Is(err, jobstore.ErrTerminal):
		exitWithError(fmt.Errorf("job %s is already terminal", id))
	case errors.Is(err, domain.ErrNotFound):
		exitWithError(fmt.Errorf("job %s not found", id))
	case err != nil:
		exitWithError(fmt.Errorf("failed to fail job: %w", err))
	}
	fmt.Printf("job %s marked failed: %s\n", id, reason)
}

func parseID(arg string) uuid.UUID {
	id, err := uuid.Parse(strings.TrimSpace(arg))
	if err != nil {
		exitWithError(fmt.Errorf("invalid job ID %q: %w", arg, err))
	}
	return id
}

func exitWithError(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
