// Package loadtest simulates concurrent board users against a running sync
// server.
//
// Each simulated user connects through the regular client, receives the
// snapshot, and issues a mix of mutations against its own local view.
// Per-operation latency is aggregated into percentile statistics. Rejections
// are expected under contention (tasks vanish under concurrent deletes) and
// are counted separately from hard errors.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/boardsync/boardsync/internal/board"
	"github.com/boardsync/boardsync/internal/client"
	"github.com/boardsync/boardsync/internal/session"
)

// Config controls one load test run.
type Config struct {
	// URL of the server websocket endpoint.
	URL string

	// Users is the number of concurrent simulated users.
	Users int

	// OpsPerUser is how many mutations each user issues.
	OpsPerUser int

	// RequestTimeout bounds each individual mutation.
	RequestTimeout time.Duration

	// Seed makes the operation mix reproducible.
	Seed int64

	// Logger for run progress.
	Logger *logrus.Logger
}

// DefaultConfig returns a modest smoke-test shape.
func DefaultConfig() *Config {
	return &Config{
		Users:          10,
		OpsPerUser:     20,
		RequestTimeout: 10 * time.Second,
		Seed:           42,
		Logger:         logrus.StandardLogger(),
	}
}

// LatencyStats captures aggregated per-operation metrics from a run.
type LatencyStats struct {
	Min       time.Duration
	Max       time.Duration
	Mean      time.Duration
	P50       time.Duration
	P95       time.Duration
	P99       time.Duration
	TotalOps  int
	Rejected  int
	Errors    int
	Durations []time.Duration
}

// Run connects cfg.Users simulated users and drives cfg.OpsPerUser mutations
// each, returning aggregated latency statistics.
func Run(ctx context.Context, cfg *Config) (*LatencyStats, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("loadtest requires a server URL")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	var wg sync.WaitGroup
	resultsChan := make(chan userResult, cfg.Users)

	for i := 0; i < cfg.Users; i++ {
		wg.Add(1)
		go func(userIdx int) {
			defer wg.Done()
			resultsChan <- runUser(ctx, cfg, userIdx)
		}(i)
	}

	wg.Wait()
	close(resultsChan)

	var allDurations []time.Duration
	var rejected, errorCount int
	for res := range resultsChan {
		allDurations = append(allDurations, res.durations...)
		rejected += res.rejected
		errorCount += res.errors
		if res.fatal != nil {
			errorCount++
			cfg.Logger.WithError(res.fatal).WithField("user", res.userIdx).Warn("simulated user aborted")
		}
	}

	if len(allDurations) == 0 {
		return nil, fmt.Errorf("no operations completed")
	}

	stats := computeLatencyStats(allDurations)
	stats.Rejected = rejected
	stats.Errors = errorCount
	return stats, nil
}

type userResult struct {
	userIdx   int
	durations []time.Duration
	rejected  int
	errors    int
	fatal     error
}

// runUser drives one simulated user through its operation budget.
func runUser(ctx context.Context, cfg *Config, userIdx int) userResult {
	res := userResult{userIdx: userIdx}
	rng := rand.New(rand.NewSource(cfg.Seed + int64(userIdx)))

	quiet := logrus.New()
	quiet.SetLevel(logrus.ErrorLevel)

	snapshot := make(chan struct{}, 1)
	c := client.New(&client.Config{
		URL: cfg.URL,
		User: session.User{
			ID:   fmt.Sprintf("loadtest-%d", userIdx),
			Name: fmt.Sprintf("Load User %d", userIdx),
		},
		RequestTimeout: cfg.RequestTimeout,
		Logger:         quiet,
		OnBoardChange: func(board.Board) {
			select {
			case snapshot <- struct{}{}:
			default:
			}
		},
	})

	if err := c.Connect(ctx); err != nil {
		res.fatal = fmt.Errorf("connect failed: %w", err)
		return res
	}
	defer c.Close()

	select {
	case <-snapshot:
	case <-ctx.Done():
		res.fatal = ctx.Err()
		return res
	case <-time.After(10 * time.Second):
		res.fatal = fmt.Errorf("no snapshot within 10s")
		return res
	}

	for op := 0; op < cfg.OpsPerUser; op++ {
		if ctx.Err() != nil {
			res.fatal = ctx.Err()
			return res
		}

		start := time.Now()
		err := issueOperation(ctx, c, rng, userIdx, op)
		elapsed := time.Since(start)

		switch {
		case err == nil:
			res.durations = append(res.durations, elapsed)
		case errors.Is(err, errNothingToDo):
			// Board drained by concurrent deletes; skip this slot.
		case isRejection(err):
			res.rejected++
		default:
			res.errors++
		}
	}

	return res
}

var errNothingToDo = errors.New("no task available for operation")

// issueOperation picks one weighted mutation against the user's local view.
// Mix: half moves, a third creates, the rest updates and deletes.
func issueOperation(ctx context.Context, c *client.Client, rng *rand.Rand, userIdx, op int) error {
	b := c.Board()
	roll := rng.Intn(100)

	switch {
	case roll < 33 || b.TaskCount() == 0:
		task := board.Task{
			Title:    fmt.Sprintf("Load task u%d-%d", userIdx, op),
			Priority: board.PriorityLow,
			Type:     board.TypeTask,
		}
		col := b[rng.Intn(len(b))]
		_, err := c.CreateTask(ctx, task, col.ID)
		return err

	case roll < 83:
		taskID, fromCol := pickTask(b, rng)
		if taskID == "" {
			return errNothingToDo
		}
		toCol := b[rng.Intn(len(b))]
		return c.MoveTask(ctx, taskID, fromCol, toCol.ID, rng.Intn(len(toCol.Tasks)+1))

	case roll < 93:
		taskID, _ := pickTask(b, rng)
		if taskID == "" {
			return errNothingToDo
		}
		col, idx, ok := b.FindTask(taskID)
		if !ok {
			return errNothingToDo
		}
		task := col.Tasks[idx]
		task.Description = fmt.Sprintf("touched by u%d op %d", userIdx, op)
		return c.UpdateTask(ctx, task)

	default:
		taskID, _ := pickTask(b, rng)
		if taskID == "" {
			return errNothingToDo
		}
		return c.DeleteTask(ctx, taskID)
	}
}

// pickTask selects a uniformly random task from the board.
func pickTask(b board.Board, rng *rand.Rand) (taskID, columnID string) {
	total := b.TaskCount()
	if total == 0 {
		return "", ""
	}
	n := rng.Intn(total)
	for _, col := range b {
		if n < len(col.Tasks) {
			return col.Tasks[n].ID, col.ID
		}
		n -= len(col.Tasks)
	}
	return "", ""
}

// isRejection reports whether the error is expected contention rather than
// a transport or server failure.
func isRejection(err error) bool {
	if errors.Is(err, client.ErrOperationPending) ||
		errors.Is(err, board.ErrTaskNotFound) ||
		errors.Is(err, board.ErrColumnNotFound) {
		return true
	}
	// Server-side refusals surface as rejection errors from the request.
	return err != nil && strings.Contains(err.Error(), "server rejected")
}

// computeLatencyStats calculates percentiles from the collected durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:       sorted[0],
		Max:       sorted[len(sorted)-1],
		Mean:      sum / time.Duration(len(durations)),
		P50:       sorted[len(sorted)*50/100],
		P95:       sorted[len(sorted)*95/100],
		P99:       sorted[len(sorted)*99/100],
		TotalOps:  len(durations),
		Durations: sorted,
	}
}

// String renders the statistics for CLI output.
func (s *LatencyStats) String() string {
	return fmt.Sprintf(
		"Operations: %d (rejected: %d, errors: %d)\n"+
			"  Min:  %v\n"+
			"  P50:  %v\n"+
			"  Mean: %v\n"+
			"  P95:  %v\n"+
			"  P99:  %v\n"+
			"  Max:  %v",
		s.TotalOps, s.Rejected, s.Errors,
		s.Min, s.P50, s.Mean, s.P95, s.P99, s.Max,
	)
}
