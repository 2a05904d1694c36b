// Package store persists episode batch results in PostgreSQL.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/jordan16ellis/fw-coll-env/internal/barrier"
	"github.com/jordan16ellis/fw-coll-env/internal/episode"
	"github.com/jordan16ellis/fw-coll-env/internal/simulation"
	"github.com/jordan16ellis/fw-coll-env/internal/store/migrations"
)

// ErrRunNotFound is returned when a run id has no stored row.
var ErrRunNotFound = errors.New("run not found")

// Run identifies one batch of episodes.
type Run struct {
	ID              string        `json:"run_id"`
	CreatedAt       time.Time     `json:"created_at"`
	Seed            uint64        `json:"seed"`
	Filtered        bool          `json:"filtered"`
	GridFingerprint string        `json:"grid_fingerprint"`
	Filter          *barrier.Spec `json:"filter,omitempty"`
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and returns a Store handle.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate applies the embedded goose migrations through the pool's connection config.
func (s *Store) Migrate(ctx context.Context) error {
	connStr := stdlib.RegisterConnConfig(s.pool.Config().ConnConfig)
	defer stdlib.UnregisterConnConfig(connStr)
	sqlDB, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("opening sql connection for migrations: %w", err)
	}
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}

// SaveRun stores the run header and all of its results in one transaction.
func (s *Store) SaveRun(ctx context.Context, run Run, results []episode.Result) error {
	var filterSpec []byte
	if run.Filter != nil {
		raw, err := json.Marshal(run.Filter)
		if err != nil {
			return fmt.Errorf("encoding filter spec: %w", err)
		}
		filterSpec = raw
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning run %s: %w", run.ID, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`INSERT INTO runs (run_id, seed, filtered, grid_fingerprint, filter_spec)
		 VALUES ($1, $2, $3, $4, $5)`,
		run.ID, int64(run.Seed), run.Filtered, run.GridFingerprint, filterSpec,
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	//1.- Queue every episode in one round trip.
	batch := &pgx.Batch{}
	for _, res := range results {
		final, err := json.Marshal(res.Final)
		if err != nil {
			return fmt.Errorf("encoding final stats of %s: %w", res.EpisodeID, err)
		}
		batch.Queue(
			`INSERT INTO episodes (run_id, episode_id, episode_index, outcome, steps, overrides,
			   sim_time, min_separation, collided, first_collision, wall_time_ns, final_stats)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			run.ID, res.EpisodeID, res.Index, string(res.Outcome), res.Steps, res.Overrides,
			res.SimTime, res.MinSeparation, res.Collided, res.FirstCollision, int64(res.WallTime), final,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("inserting episodes of run %s: %w", run.ID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run header.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	var (
		run        Run
		seed       int64
		filterSpec []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT run_id, created_at, seed, filtered, grid_fingerprint, filter_spec
		 FROM runs WHERE run_id = $1`, runID,
	).Scan(&run.ID, &run.CreatedAt, &seed, &run.Filtered, &run.GridFingerprint, &filterSpec)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("querying run %s: %w", runID, err)
	}
	run.Seed = uint64(seed)
	if len(filterSpec) > 0 {
		var spec barrier.Spec
		if err := json.Unmarshal(filterSpec, &spec); err != nil {
			return Run{}, fmt.Errorf("decoding filter spec of run %s: %w", runID, err)
		}
		run.Filter = &spec
	}
	return run, nil
}

// ListEpisodes returns the stored results of a run ordered by episode index.
func (s *Store) ListEpisodes(ctx context.Context, runID string) ([]episode.Result, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT episode_id, episode_index, outcome, steps, overrides, sim_time,
		        min_separation, collided, first_collision, wall_time_ns, final_stats
		 FROM episodes WHERE run_id = $1 ORDER BY episode_index`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("querying episodes of run %s: %w", runID, err)
	}
	defer rows.Close()

	var results []episode.Result
	for rows.Next() {
		var (
			res     episode.Result
			outcome string
			wallNs  int64
			final   []byte
		)
		if err := rows.Scan(&res.EpisodeID, &res.Index, &outcome, &res.Steps, &res.Overrides, &res.SimTime,
			&res.MinSeparation, &res.Collided, &res.FirstCollision, &wallNs, &final); err != nil {
			return nil, fmt.Errorf("scanning episode of run %s: %w", runID, err)
		}
		var stats simulation.Stats
		if err := json.Unmarshal(final, &stats); err != nil {
			return nil, fmt.Errorf("decoding final stats of %s: %w", res.EpisodeID, err)
		}
		res.Final = stats
		res.Outcome = episode.Outcome(outcome)
		res.WallTime = time.Duration(wallNs)
		res.Seed = run.Seed
		res.Filtered = run.Filtered
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating episodes of run %s: %w", runID, err)
	}
	return results, nil
}

// Summary aggregates a stored run in SQL.
func (s *Store) Summary(ctx context.Context, runID string) (episode.Summary, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return episode.Summary{}, err
	}
	summary := episode.Summary{Filtered: run.Filtered}
	var (
		minSep  *float64
		simTime *float64
	)
	err = s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE outcome = $2),
		        count(*) FILTER (WHERE outcome = $3),
		        count(*) FILTER (WHERE collided),
		        coalesce(sum(steps), 0),
		        coalesce(sum(overrides), 0),
		        min(min_separation),
		        avg(sim_time)
		 FROM episodes WHERE run_id = $1`,
		runID, string(episode.OutcomeGoalReached), string(episode.OutcomeTimedOut),
	).Scan(&summary.Episodes, &summary.GoalReached, &summary.TimedOut, &summary.Collisions,
		&summary.Steps, &summary.Overrides, &minSep, &simTime)
	if err != nil {
		return episode.Summary{}, fmt.Errorf("summarising run %s: %w", runID, err)
	}
	if minSep != nil {
		summary.MinSeparation = *minSep
	}
	if simTime != nil {
		summary.MeanSimTime = *simTime
	}
	return summary, nil
}

// DeleteRun removes a run and, by cascade, its episodes.
func (s *Store) DeleteRun(ctx context.Context, runID string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("deleting run %s: %w", runID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}
