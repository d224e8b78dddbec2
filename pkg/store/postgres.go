package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/crawlpoint/crawlpoint/pkg/apierr"
	"github.com/crawlpoint/crawlpoint/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore connects to PostgreSQL and verifies the connection.
func NewPostgresStore(dsn string, maxOpenConns int) (*PostgresStore, error) {
	db, err := sqlx.Connect("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreWithDB wraps an existing database handle. Used by tests.
func NewPostgresStoreWithDB(db *sql.DB, driverName string) *PostgresStore {
	return &PostgresStore{db: sqlx.NewDb(db, driverName)}
}

// Close closes the database
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Actor operations

type actorRow struct {
	ID           string    `db:"id"`
	Name         string    `db:"name"`
	Title        string    `db:"title"`
	Description  string    `db:"description"`
	PrincipalID  string    `db:"principal_id"`
	Image        string    `db:"image"`
	MemoryMbytes int       `db:"memory_mbytes"`
	TimeoutSecs  int       `db:"timeout_secs"`
	CreatedAt    time.Time `db:"created_at"`
	ModifiedAt   time.Time `db:"modified_at"`
}

func (r *actorRow) toActor() *types.Actor {
	return &types.Actor{
		ID:          r.ID,
		Name:        r.Name,
		Title:       r.Title,
		Description: r.Description,
		PrincipalID: r.PrincipalID,
		DefaultRunOptions: types.RunOptions{
			Image:        r.Image,
			MemoryMbytes: r.MemoryMbytes,
			TimeoutSecs:  r.TimeoutSecs,
		},
		CreatedAt:  r.CreatedAt,
		ModifiedAt: r.ModifiedAt,
	}
}

func (s *PostgresStore) CreateActor(ctx context.Context, actor *types.Actor) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO actors (id, name, title, description, principal_id, image, memory_mbytes, timeout_secs, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		actor.ID, actor.Name, actor.Title, actor.Description, actor.PrincipalID,
		actor.DefaultRunOptions.Image, actor.DefaultRunOptions.MemoryMbytes,
		actor.DefaultRunOptions.TimeoutSecs, actor.CreatedAt, actor.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.TypeConflict, "actor name already exists: %s", actor.Name)
		}
		return fmt.Errorf("failed to create actor: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActor(ctx context.Context, id string) (*types.Actor, error) {
	var row actorRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM actors WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("actor", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get actor: %w", err)
	}
	return row.toActor(), nil
}

func (s *PostgresStore) GetActorByName(ctx context.Context, principalID, name string) (*types.Actor, error) {
	var row actorRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM actors WHERE principal_id = $1 AND name = $2`, principalID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("actor", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get actor by name: %w", err)
	}
	return row.toActor(), nil
}

func (s *PostgresStore) ListActors(ctx context.Context, principalID string) ([]*types.Actor, error) {
	var rows []actorRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM actors WHERE principal_id = $1 ORDER BY created_at`, principalID)
	if err != nil {
		return nil, fmt.Errorf("failed to list actors: %w", err)
	}
	actors := make([]*types.Actor, 0, len(rows))
	for i := range rows {
		actors = append(actors, rows[i].toActor())
	}
	return actors, nil
}

func (s *PostgresStore) UpdateActor(ctx context.Context, actor *types.Actor) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE actors SET name = $2, title = $3, description = $4, image = $5,
			memory_mbytes = $6, timeout_secs = $7, modified_at = $8
		WHERE id = $1`,
		actor.ID, actor.Name, actor.Title, actor.Description,
		actor.DefaultRunOptions.Image, actor.DefaultRunOptions.MemoryMbytes,
		actor.DefaultRunOptions.TimeoutSecs, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update actor: %w", err)
	}
	return requireRow(res, "actor", actor.ID)
}

func (s *PostgresStore) DeleteActor(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM actors WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete actor: %w", err)
	}
	return requireRow(res, "actor", id)
}

// Run operations

type runRow struct {
	ID             string     `db:"id"`
	ActorID        string     `db:"actor_id"`
	PrincipalID    string     `db:"principal_id"`
	Status         string     `db:"status"`
	StatusMessage  string     `db:"status_message"`
	StartedAt      *time.Time `db:"started_at"`
	FinishedAt     *time.Time `db:"finished_at"`
	DatasetID      string     `db:"dataset_id"`
	KVStoreID      string     `db:"key_value_store_id"`
	RequestQueueID string     `db:"request_queue_id"`
	TimeoutSecs    int        `db:"timeout_secs"`
	MemoryMbytes   int        `db:"memory_mbytes"`
	ExitCode       *int       `db:"exit_code"`
	InputBodyLen   int        `db:"input_body_len"`
	ResurrectCount int        `db:"resurrect_count"`
	DurationMillis int64      `db:"duration_millis"`
	CreatedAt      time.Time  `db:"created_at"`
}

func (r *runRow) toRun() *types.Run {
	return &types.Run{
		ID:                     r.ID,
		ActorID:                r.ActorID,
		PrincipalID:            r.PrincipalID,
		Status:                 types.RunStatus(r.Status),
		StatusMessage:          r.StatusMessage,
		StartedAt:              r.StartedAt,
		FinishedAt:             r.FinishedAt,
		DefaultDatasetID:       r.DatasetID,
		DefaultKeyValueStoreID: r.KVStoreID,
		DefaultRequestQueueID:  r.RequestQueueID,
		TimeoutSecs:            r.TimeoutSecs,
		MemoryMbytes:           r.MemoryMbytes,
		ExitCode:               r.ExitCode,
		Stats: types.RunStats{
			InputBodyLen:   r.InputBodyLen,
			ResurrectCount: r.ResurrectCount,
			DurationMillis: r.DurationMillis,
		},
		CreatedAt: r.CreatedAt,
	}
}

const runColumns = `id, actor_id, principal_id, status, status_message, started_at, finished_at,
	dataset_id, key_value_store_id, request_queue_id, timeout_secs, memory_mbytes, exit_code,
	input_body_len, resurrect_count, duration_millis, created_at`

func (s *PostgresStore) CreateRun(ctx context.Context, run *types.Run) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		run.ID, run.ActorID, run.PrincipalID, string(run.Status), run.StatusMessage,
		run.StartedAt, run.FinishedAt, run.DefaultDatasetID, run.DefaultKeyValueStoreID,
		run.DefaultRequestQueueID, run.TimeoutSecs, run.MemoryMbytes, run.ExitCode,
		run.Stats.InputBodyLen, run.Stats.ResurrectCount, run.Stats.DurationMillis, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, id string) (*types.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return row.toRun(), nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, principalID string, offset, limit int) ([]*types.Run, int64, error) {
	var total int64
	if err := s.db.GetContext(ctx, &total,
		`SELECT count(*) FROM runs WHERE principal_id = $1`, principalID); err != nil {
		return nil, 0, fmt.Errorf("failed to count runs: %w", err)
	}

	var rows []runRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT `+runColumns+` FROM runs WHERE principal_id = $1
		ORDER BY created_at DESC OFFSET $2 LIMIT $3`, principalID, offset, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list runs: %w", err)
	}
	runs := make([]*types.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toRun())
	}
	return runs, total, nil
}

// ClaimPendingRun claims the oldest READY run with a skip-locked row read.
// SKIP LOCKED is the primitive that guarantees at-most-one worker per run:
// concurrent claimers never block on or select the same row.
func (s *PostgresStore) ClaimPendingRun(ctx context.Context) (*types.Run, error) {
	var row runRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE runs SET status = 'RUNNING', started_at = now()
		WHERE id = (
			SELECT id FROM runs WHERE status = 'READY'
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING `+runColumns)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim pending run: %w", err)
	}
	return row.toRun(), nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, id string, status types.RunStatus, statusMessage string, exitCode *int) (*types.Run, error) {
	var updated *types.Run
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row runRow
		err := tx.GetContext(ctx, &row,
			`SELECT `+runColumns+` FROM runs WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.NotFound("run", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock run: %w", err)
		}

		from := types.RunStatus(row.Status)
		if !types.ValidTransition(from, status) {
			return apierr.New(apierr.TypeInvalidTransition,
				"cannot transition run %s from %s to %s", id, from, status)
		}

		resurrecting := from.Terminal() && status == types.RunStatusRunning

		var finishedAt *time.Time
		startedAt := row.StartedAt
		resurrectCount := row.ResurrectCount
		durationMillis := row.DurationMillis
		if status.Terminal() {
			now := time.Now().UTC()
			finishedAt = &now
			if startedAt != nil {
				durationMillis = now.Sub(*startedAt).Milliseconds()
			}
		} else if resurrecting {
			now := time.Now().UTC()
			startedAt = &now
			resurrectCount++
			exitCode = nil
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE runs SET status = $2, status_message = $3, started_at = $4,
				finished_at = $5, exit_code = $6, resurrect_count = $7, duration_millis = $8
			WHERE id = $1`,
			id, string(status), statusMessage, startedAt, finishedAt, exitCode,
			resurrectCount, durationMillis)
		if err != nil {
			return fmt.Errorf("failed to update run status: %w", err)
		}

		row.Status = string(status)
		row.StatusMessage = statusMessage
		row.StartedAt = startedAt
		row.FinishedAt = finishedAt
		row.ExitCode = exitCode
		row.ResurrectCount = resurrectCount
		row.DurationMillis = durationMillis
		updated = row.toRun()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *PostgresStore) UpdateRunStats(ctx context.Context, id string, stats types.RunStats) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET input_body_len = $2, resurrect_count = $3, duration_millis = $4
		WHERE id = $1`,
		id, stats.InputBodyLen, stats.ResurrectCount, stats.DurationMillis)
	if err != nil {
		return fmt.Errorf("failed to update run stats: %w", err)
	}
	return requireRow(res, "run", id)
}

func (s *PostgresStore) FailOrphanedRuns(ctx context.Context, grace time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = 'FAILED', status_message = 'orphaned', finished_at = now()
		WHERE status = 'RUNNING'
		  AND started_at IS NOT NULL
		  AND started_at + make_interval(secs => timeout_secs + $1) < now()`,
		grace.Seconds())
	if err != nil {
		return 0, fmt.Errorf("failed to fail orphaned runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Dataset operations

type datasetRow struct {
	ID          string         `db:"id"`
	Name        sql.NullString `db:"name"`
	PrincipalID string         `db:"principal_id"`
	ItemCount   int64          `db:"item_count"`
	CreatedAt   time.Time      `db:"created_at"`
	ModifiedAt  time.Time      `db:"modified_at"`
}

func (r *datasetRow) toDataset() *types.Dataset {
	return &types.Dataset{
		ID:          r.ID,
		Name:        r.Name.String,
		PrincipalID: r.PrincipalID,
		ItemCount:   r.ItemCount,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.ModifiedAt,
	}
}

func nullName(name string) sql.NullString {
	return sql.NullString{String: name, Valid: name != ""}
}

func (s *PostgresStore) CreateDataset(ctx context.Context, ds *types.Dataset) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO datasets (id, name, principal_id, item_count, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ds.ID, nullName(ds.Name), ds.PrincipalID, ds.ItemCount, ds.CreatedAt, ds.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.TypeConflict, "dataset name already exists: %s", ds.Name)
		}
		return fmt.Errorf("failed to create dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id string) (*types.Dataset, error) {
	var row datasetRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM datasets WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("dataset", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset: %w", err)
	}
	return row.toDataset(), nil
}

func (s *PostgresStore) GetDatasetByName(ctx context.Context, principalID, name string) (*types.Dataset, error) {
	var row datasetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM datasets WHERE principal_id = $1 AND name = $2`, principalID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("dataset", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get dataset by name: %w", err)
	}
	return row.toDataset(), nil
}

func (s *PostgresStore) DeleteDataset(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM datasets WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete dataset: %w", err)
	}
	return requireRow(res, "dataset", id)
}

func (s *PostgresStore) PushDatasetItems(ctx context.Context, id string, n int, write func(base int64) error) (int64, error) {
	var base int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &base,
			`SELECT item_count FROM datasets WHERE id = $1 FOR UPDATE`, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.NotFound("dataset", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock dataset: %w", err)
		}

		// The row lock serializes concurrent pushes; itemCount only advances
		// after every blob write landed.
		if err := write(base); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE datasets SET item_count = item_count + $2, modified_at = now() WHERE id = $1`,
			id, n)
		if err != nil {
			return fmt.Errorf("failed to advance item count: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return base, nil
}

// Key-value store operations

type kvStoreRow struct {
	ID          string         `db:"id"`
	Name        sql.NullString `db:"name"`
	PrincipalID string         `db:"principal_id"`
	CreatedAt   time.Time      `db:"created_at"`
	ModifiedAt  time.Time      `db:"modified_at"`
}

func (r *kvStoreRow) toKeyValueStore() *types.KeyValueStore {
	return &types.KeyValueStore{
		ID:          r.ID,
		Name:        r.Name.String,
		PrincipalID: r.PrincipalID,
		CreatedAt:   r.CreatedAt,
		ModifiedAt:  r.ModifiedAt,
	}
}

func (s *PostgresStore) CreateKeyValueStore(ctx context.Context, kvs *types.KeyValueStore) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO key_value_stores (id, name, principal_id, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5)`,
		kvs.ID, nullName(kvs.Name), kvs.PrincipalID, kvs.CreatedAt, kvs.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.TypeConflict, "key-value store name already exists: %s", kvs.Name)
		}
		return fmt.Errorf("failed to create key-value store: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetKeyValueStore(ctx context.Context, id string) (*types.KeyValueStore, error) {
	var row kvStoreRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM key_value_stores WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("key-value store", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key-value store: %w", err)
	}
	return row.toKeyValueStore(), nil
}

func (s *PostgresStore) GetKeyValueStoreByName(ctx context.Context, principalID, name string) (*types.KeyValueStore, error) {
	var row kvStoreRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM key_value_stores WHERE principal_id = $1 AND name = $2`, principalID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("key-value store", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get key-value store by name: %w", err)
	}
	return row.toKeyValueStore(), nil
}

func (s *PostgresStore) TouchKeyValueStore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE key_value_stores SET modified_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to touch key-value store: %w", err)
	}
	return requireRow(res, "key-value store", id)
}

func (s *PostgresStore) DeleteKeyValueStore(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM key_value_stores WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete key-value store: %w", err)
	}
	return requireRow(res, "key-value store", id)
}

// Request queue operations

type queueRow struct {
	ID                  string         `db:"id"`
	Name                sql.NullString `db:"name"`
	PrincipalID         string         `db:"principal_id"`
	TotalRequestCount   int64          `db:"total_request_count"`
	HandledRequestCount int64          `db:"handled_request_count"`
	PendingRequestCount int64          `db:"pending_request_count"`
	HadMultipleClients  bool           `db:"had_multiple_clients"`
	CreatedAt           time.Time      `db:"created_at"`
	ModifiedAt          time.Time      `db:"modified_at"`
}

func (r *queueRow) toQueue() *types.RequestQueue {
	return &types.RequestQueue{
		ID:                  r.ID,
		Name:                r.Name.String,
		PrincipalID:         r.PrincipalID,
		TotalRequestCount:   r.TotalRequestCount,
		HandledRequestCount: r.HandledRequestCount,
		PendingRequestCount: r.PendingRequestCount,
		HadMultipleClients:  r.HadMultipleClients,
		CreatedAt:           r.CreatedAt,
		ModifiedAt:          r.ModifiedAt,
	}
}

func (s *PostgresStore) CreateRequestQueue(ctx context.Context, q *types.RequestQueue) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_queues (id, name, principal_id, total_request_count,
			handled_request_count, pending_request_count, had_multiple_clients, created_at, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		q.ID, nullName(q.Name), q.PrincipalID, q.TotalRequestCount,
		q.HandledRequestCount, q.PendingRequestCount, q.HadMultipleClients,
		q.CreatedAt, q.ModifiedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apierr.New(apierr.TypeConflict, "request queue name already exists: %s", q.Name)
		}
		return fmt.Errorf("failed to create request queue: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRequestQueue(ctx context.Context, id string) (*types.RequestQueue, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM request_queues WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("request queue", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request queue: %w", err)
	}
	return row.toQueue(), nil
}

func (s *PostgresStore) GetRequestQueueByName(ctx context.Context, principalID, name string) (*types.RequestQueue, error) {
	var row queueRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM request_queues WHERE principal_id = $1 AND name = $2`, principalID, name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("request queue", name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request queue by name: %w", err)
	}
	return row.toQueue(), nil
}

func (s *PostgresStore) DeleteRequestQueue(ctx context.Context, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM requests WHERE queue_id = $1`, id); err != nil {
			return fmt.Errorf("failed to delete queue requests: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM request_queues WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to delete request queue: %w", err)
		}
		return requireRow(res, "request queue", id)
	})
}

func (s *PostgresStore) MarkQueueMultiClient(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE request_queues SET had_multiple_clients = true WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark queue multi-client: %w", err)
	}
	return nil
}

// Request operations

type requestRow struct {
	ID            string     `db:"id"`
	QueueID       string     `db:"queue_id"`
	UniqueKey     string     `db:"unique_key"`
	URL           string     `db:"url"`
	Method        string     `db:"method"`
	Payload       string     `db:"payload"`
	Headers       []byte     `db:"headers"`
	UserData      []byte     `db:"user_data"`
	RetryCount    int        `db:"retry_count"`
	NoRetry       bool       `db:"no_retry"`
	ErrorMessages []byte     `db:"error_messages"`
	HandledAt     *time.Time `db:"handled_at"`
	OrderNo       int64      `db:"order_no"`
	LockedUntil   *time.Time `db:"locked_until"`
	LockedBy      string     `db:"locked_by"`
}

func (r *requestRow) toRequest() (*types.Request, error) {
	req := &types.Request{
		ID:          r.ID,
		QueueID:     r.QueueID,
		UniqueKey:   r.UniqueKey,
		URL:         r.URL,
		Method:      r.Method,
		Payload:     r.Payload,
		RetryCount:  r.RetryCount,
		NoRetry:     r.NoRetry,
		HandledAt:   r.HandledAt,
		OrderNo:     r.OrderNo,
		LockedUntil: r.LockedUntil,
		LockedBy:    r.LockedBy,
	}
	if len(r.Headers) > 0 {
		if err := json.Unmarshal(r.Headers, &req.Headers); err != nil {
			return nil, fmt.Errorf("failed to decode request headers: %w", err)
		}
	}
	if len(r.UserData) > 0 {
		req.UserData = json.RawMessage(r.UserData)
	}
	if len(r.ErrorMessages) > 0 {
		if err := json.Unmarshal(r.ErrorMessages, &req.ErrorMessages); err != nil {
			return nil, fmt.Errorf("failed to decode request error messages: %w", err)
		}
	}
	return req, nil
}

func encodeRequest(req *types.Request) (headers, userData, errorMessages []byte, err error) {
	if req.Headers != nil {
		headers, err = json.Marshal(req.Headers)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode request headers: %w", err)
		}
	}
	if req.UserData != nil {
		userData = []byte(req.UserData)
	}
	if req.ErrorMessages != nil {
		errorMessages, err = json.Marshal(req.ErrorMessages)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to encode request error messages: %w", err)
		}
	}
	return headers, userData, errorMessages, nil
}

func (s *PostgresStore) InsertRequest(ctx context.Context, req *types.Request) (*types.Request, bool, error) {
	headers, userData, errorMessages, err := encodeRequest(req)
	if err != nil {
		return nil, false, err
	}

	var out *types.Request
	var inserted bool
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO requests (id, queue_id, unique_key, url, method, payload, headers,
				user_data, retry_count, no_retry, error_messages, handled_at, order_no,
				locked_until, locked_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
			ON CONFLICT (queue_id, unique_key) DO NOTHING`,
			req.ID, req.QueueID, req.UniqueKey, req.URL, req.Method, req.Payload, headers,
			userData, req.RetryCount, req.NoRetry, errorMessages, req.HandledAt, req.OrderNo,
			req.LockedUntil, req.LockedBy)
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}

		n, _ := res.RowsAffected()
		if n == 0 {
			// Dedup hit: return the surviving row.
			var row requestRow
			err := tx.GetContext(ctx, &row,
				`SELECT * FROM requests WHERE queue_id = $1 AND unique_key = $2`,
				req.QueueID, req.UniqueKey)
			if err != nil {
				return fmt.Errorf("failed to load existing request: %w", err)
			}
			out, err = row.toRequest()
			return err
		}

		inserted = true
		_, err = tx.ExecContext(ctx, `
			UPDATE request_queues
			SET total_request_count = total_request_count + 1,
				pending_request_count = pending_request_count + 1,
				modified_at = now()
			WHERE id = $1`, req.QueueID)
		if err != nil {
			return fmt.Errorf("failed to bump queue counters: %w", err)
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, inserted, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, queueID, id string) (*types.Request, error) {
	var row requestRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM requests WHERE queue_id = $1 AND id = $2`, queueID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apierr.NotFound("request", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get request: %w", err)
	}
	return row.toRequest()
}

func (s *PostgresStore) GetRequestsByID(ctx context.Context, queueID string, ids []string) ([]*types.Request, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query, args, err := sqlx.In(
		`SELECT * FROM requests WHERE queue_id = ? AND id IN (?)`, queueID, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to build request query: %w", err)
	}
	var rows []requestRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to get requests: %w", err)
	}

	byID := make(map[string]*types.Request, len(rows))
	for i := range rows {
		req, err := rows[i].toRequest()
		if err != nil {
			return nil, err
		}
		byID[req.ID] = req
	}

	// Preserve the caller's id order.
	out := make([]*types.Request, 0, len(byID))
	for _, id := range ids {
		if req, ok := byID[id]; ok {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *PostgresStore) ListPendingRequests(ctx context.Context, queueID string, limit int) ([]*types.Request, error) {
	var rows []requestRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT * FROM requests
		WHERE queue_id = $1 AND handled_at IS NULL
		ORDER BY order_no ASC
		LIMIT $2`, queueID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending requests: %w", err)
	}
	out := make([]*types.Request, 0, len(rows))
	for i := range rows {
		req, err := rows[i].toRequest()
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, nil
}

func (s *PostgresStore) UpdateRequest(ctx context.Context, req *types.Request, markHandled bool) error {
	headers, userData, errorMessages, err := encodeRequest(req)
	if err != nil {
		return err
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE requests SET retry_count = $3, no_retry = $4, error_messages = $5,
				user_data = $6, headers = $7, handled_at = $8, locked_until = $9, locked_by = $10
			WHERE queue_id = $1 AND id = $2`,
			req.QueueID, req.ID, req.RetryCount, req.NoRetry, errorMessages,
			userData, headers, req.HandledAt, req.LockedUntil, req.LockedBy)
		if err != nil {
			return fmt.Errorf("failed to update request: %w", err)
		}
		if err := requireRow(res, "request", req.ID); err != nil {
			return err
		}

		if markHandled {
			_, err = tx.ExecContext(ctx, `
				UPDATE request_queues
				SET handled_request_count = handled_request_count + 1,
					pending_request_count = pending_request_count - 1,
					modified_at = now()
				WHERE id = $1`, req.QueueID)
			if err != nil {
				return fmt.Errorf("failed to bump queue counters: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) SetRequestLock(ctx context.Context, queueID, id string, lockedUntil *time.Time, lockedBy string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE requests SET locked_until = $3, locked_by = $4
		WHERE queue_id = $1 AND id = $2`, queueID, id, lockedUntil, lockedBy)
	if err != nil {
		return fmt.Errorf("failed to set request lock mirror: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, queueID, id string) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var handled *time.Time
		err := tx.GetContext(ctx, &handled,
			`SELECT handled_at FROM requests WHERE queue_id = $1 AND id = $2 FOR UPDATE`,
			queueID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return apierr.NotFound("request", id)
		}
		if err != nil {
			return fmt.Errorf("failed to lock request: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM requests WHERE queue_id = $1 AND id = $2`, queueID, id); err != nil {
			return fmt.Errorf("failed to delete request: %w", err)
		}

		if handled == nil {
			_, err = tx.ExecContext(ctx, `
				UPDATE request_queues
				SET total_request_count = total_request_count - 1,
					pending_request_count = pending_request_count - 1,
					modified_at = now()
				WHERE id = $1`, queueID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE request_queues
				SET total_request_count = total_request_count - 1,
					handled_request_count = handled_request_count - 1,
					modified_at = now()
				WHERE id = $1`, queueID)
		}
		if err != nil {
			return fmt.Errorf("failed to bump queue counters: %w", err)
		}
		return nil
	})
}

// requireRow returns NOT_FOUND when the statement affected no rows.
func requireRow(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return apierr.NotFound(entity, id)
	}
	return nil
}

// isUniqueViolation reports whether the error is a Postgres unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	type sqlStater interface{ SQLState() string }
	var st sqlStater
	return errors.As(err, &st) && st.SQLState() == "23505"
}
