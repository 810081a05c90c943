package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"streamgate/internal/models"
	"streamgate/internal/quota"
)

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
	now  func() time.Time
}

// NewPostgresRepository opens a Postgres-backed repository and applies the
// schema migration. The migration is idempotent, so repeated startups against
// the same database are safe.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections >= 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	repo := &postgresRepository{
		pool: pool,
		cfg:  cfg,
		now:  cfg.Clock,
	}
	if err := repo.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return repo, nil
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (r *postgresRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (models.Account, string, error) {
	username := strings.TrimSpace(params.Username)
	if username == "" {
		return models.Account{}, "", errors.New("username is required")
	}

	id, err := generateID()
	if err != nil {
		return models.Account{}, "", err
	}
	streamKey, err := generateStreamKey()
	if err != nil {
		return models.Account{}, "", err
	}
	keyHash, err := hashStreamKey(streamKey)
	if err != nil {
		return models.Account{}, "", fmt.Errorf("hash stream key: %w", err)
	}

	now := r.now()
	account := models.Account{
		ID:        id,
		Username:  username,
		Email:     strings.TrimSpace(params.Email),
		Plan:      strings.TrimSpace(params.Plan),
		CreatedAt: now,
	}
	state := newQuotaState(id, params, now)

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Account{}, "", fmt.Errorf("begin account transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	_, err = tx.Exec(ctx,
		"INSERT INTO accounts (id, username, email, plan, created_at) VALUES ($1, $2, $3, $4, $5)",
		account.ID, account.Username, account.Email, account.Plan, account.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.Account{}, "", ErrDuplicateUsername
		}
		return models.Account{}, "", fmt.Errorf("insert account: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO stream_credentials (lookup_digest, account_id, key_hash, created_at) VALUES ($1, $2, $3, $4)",
		lookupDigest(streamKey), account.ID, keyHash, now)
	if err != nil {
		return models.Account{}, "", fmt.Errorf("insert stream credential: %w", err)
	}
	if err := upsertQuota(ctx, tx, state); err != nil {
		return models.Account{}, "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Account{}, "", fmt.Errorf("commit account: %w", err)
	}
	return account, streamKey, nil
}

func (r *postgresRepository) GetAccount(ctx context.Context, id string) (models.Account, bool, error) {
	row := r.pool.QueryRow(ctx,
		"SELECT id, username, email, plan, created_at FROM accounts WHERE id = $1", id)
	account, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("select account: %w", err)
	}
	return account, true, nil
}

func (r *postgresRepository) ListAccounts(ctx context.Context) ([]models.Account, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, username, email, plan, created_at FROM accounts ORDER BY username")
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

func (r *postgresRepository) RotateStreamKey(ctx context.Context, accountID string) (string, error) {
	streamKey, err := generateStreamKey()
	if err != nil {
		return "", err
	}
	keyHash, err := hashStreamKey(streamKey)
	if err != nil {
		return "", fmt.Errorf("hash stream key: %w", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return "", fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer rollbackTx(ctx, tx)

	var exists bool
	if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1)", accountID).Scan(&exists); err != nil {
		return "", fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return "", ErrAccountNotFound
	}
	if _, err := tx.Exec(ctx, "DELETE FROM stream_credentials WHERE account_id = $1", accountID); err != nil {
		return "", fmt.Errorf("delete stream credentials: %w", err)
	}
	_, err = tx.Exec(ctx,
		"INSERT INTO stream_credentials (lookup_digest, account_id, key_hash, created_at) VALUES ($1, $2, $3, $4)",
		lookupDigest(streamKey), accountID, keyHash, r.now())
	if err != nil {
		return "", fmt.Errorf("insert stream credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit rotate: %w", err)
	}
	return streamKey, nil
}

func (r *postgresRepository) FindAccountByCredential(ctx context.Context, credential string) (models.Account, bool, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return models.Account{}, false, nil
	}

	var (
		account models.Account
		keyHash string
	)
	row := r.pool.QueryRow(ctx,
		`SELECT a.id, a.username, a.email, a.plan, a.created_at, c.key_hash
		   FROM stream_credentials c
		   JOIN accounts a ON a.id = c.account_id
		  WHERE c.lookup_digest = $1`,
		lookupDigest(credential))
	err := row.Scan(&account.ID, &account.Username, &account.Email, &account.Plan, &account.CreatedAt, &keyHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Account{}, false, nil
	}
	if err != nil {
		return models.Account{}, false, fmt.Errorf("select credential: %w", err)
	}
	if err := verifyStreamKey(keyHash, credential); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			return models.Account{}, false, nil
		}
		return models.Account{}, false, err
	}
	return account, true, nil
}

func (r *postgresRepository) LoadQuota(ctx context.Context, accountID string) (models.QuotaState, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT account_id, recording_used, recording_limit,
		        streaming_used, streaming_limit, streaming_reset_at,
		        viewing_used, viewing_limit, viewing_reset_at,
		        viewing_limit_set, updated_at
		   FROM quotas WHERE account_id = $1`, accountID)
	state, err := scanQuota(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaState{}, quota.ErrQuotaNotFound
	}
	if err != nil {
		return models.QuotaState{}, fmt.Errorf("select quota: %w", err)
	}
	return state, nil
}

func (r *postgresRepository) SaveQuota(ctx context.Context, state models.QuotaState) error {
	if strings.TrimSpace(state.AccountID) == "" {
		return errors.New("quota state requires an account id")
	}
	return upsertQuota(ctx, r.pool, state)
}

func (r *postgresRepository) UpdateQuotaLimits(ctx context.Context, accountID string, limits QuotaLimits) (models.QuotaState, error) {
	row := r.pool.QueryRow(ctx,
		`UPDATE quotas
		    SET recording_limit = COALESCE($2, recording_limit),
		        streaming_limit = COALESCE($3, streaming_limit),
		        viewing_limit = COALESCE($4, viewing_limit),
		        viewing_limit_set = viewing_limit_set OR ($4 IS NOT NULL),
		        updated_at = $5
		  WHERE account_id = $1
		RETURNING account_id, recording_used, recording_limit,
		          streaming_used, streaming_limit, streaming_reset_at,
		          viewing_used, viewing_limit, viewing_reset_at,
		          viewing_limit_set, updated_at`,
		accountID, byteCountArg(limits.Recording), byteCountArg(limits.Streaming), byteCountArg(limits.Viewing), r.now())
	state, err := scanQuota(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.QuotaState{}, quota.ErrQuotaNotFound
	}
	if err != nil {
		return models.QuotaState{}, fmt.Errorf("update quota limits: %w", err)
	}
	return state, nil
}

func (r *postgresRepository) CreateSessionRecord(ctx context.Context, record models.SessionRecord) (models.SessionRecord, error) {
	if record.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.SessionRecord{}, err
		}
		record.ID = id
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = r.now()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO session_records (id, account_id, stream_key, status, started_at, ended_at, bytes_in, bytes_out)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		record.ID, record.AccountID, record.StreamKey, record.Status,
		record.StartedAt, record.EndedAt, int64(record.BytesIn), int64(record.BytesOut))
	if err != nil {
		return models.SessionRecord{}, fmt.Errorf("insert session record: %w", err)
	}
	return record, nil
}

func (r *postgresRepository) UpdateSessionRecord(ctx context.Context, id string, update models.SessionRecordUpdate) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE session_records
		    SET status = COALESCE($2, status),
		        ended_at = COALESCE($3, ended_at),
		        bytes_in = COALESCE($4, bytes_in),
		        bytes_out = COALESCE($5, bytes_out)
		  WHERE id = $1`,
		id, update.Status, update.EndedAt, byteCountArg(update.BytesIn), byteCountArg(update.BytesOut))
	if err != nil {
		return fmt.Errorf("update session record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionRecordNotFound
	}
	return nil
}

func (r *postgresRepository) ListSessionRecords(ctx context.Context, accountID string, limit int) ([]models.SessionRecord, error) {
	query := `SELECT id, account_id, stream_key, status, started_at, ended_at, bytes_in, bytes_out
	            FROM session_records`
	args := []any{}
	if accountID != "" {
		query += " WHERE account_id = $1"
		args = append(args, accountID)
	}
	query += " ORDER BY started_at DESC, id"
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list session records: %w", err)
	}
	defer rows.Close()

	var records []models.SessionRecord
	for rows.Next() {
		var (
			record   models.SessionRecord
			bytesIn  int64
			bytesOut int64
		)
		if err := rows.Scan(&record.ID, &record.AccountID, &record.StreamKey, &record.Status,
			&record.StartedAt, &record.EndedAt, &bytesIn, &bytesOut); err != nil {
			return nil, fmt.Errorf("scan session record: %w", err)
		}
		record.BytesIn = models.ByteCount(bytesIn)
		record.BytesOut = models.ByteCount(bytesOut)
		records = append(records, record)
	}
	return records, rows.Err()
}

func (r *postgresRepository) CreateRecording(ctx context.Context, recording models.Recording) (models.Recording, error) {
	if recording.ID == "" {
		id, err := generateID()
		if err != nil {
			return models.Recording{}, err
		}
		recording.ID = id
	}
	if recording.CreatedAt.IsZero() {
		recording.CreatedAt = r.now()
	}

	_, err := r.pool.Exec(ctx,
		`INSERT INTO recordings (id, account_id, stream_key, filename, location, size_bytes, duration_seconds, started_at, ended_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		recording.ID, recording.AccountID, recording.StreamKey, recording.Filename, recording.Location,
		int64(recording.SizeBytes), recording.DurationSeconds, recording.StartedAt, recording.EndedAt, recording.CreatedAt)
	if err != nil {
		return models.Recording{}, fmt.Errorf("insert recording: %w", err)
	}
	return recording, nil
}

func (r *postgresRepository) ListRecordings(ctx context.Context, accountID string) ([]models.Recording, error) {
	query := `SELECT id, account_id, stream_key, filename, location, size_bytes, duration_seconds, started_at, ended_at, created_at
	            FROM recordings`
	args := []any{}
	if accountID != "" {
		query += " WHERE account_id = $1"
		args = append(args, accountID)
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var recordings []models.Recording
	for rows.Next() {
		recording, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		recordings = append(recordings, recording)
	}
	return recordings, rows.Err()
}

func (r *postgresRepository) DeleteOldestRecording(ctx context.Context, accountID string) (models.Recording, bool, error) {
	row := r.pool.QueryRow(ctx,
		`DELETE FROM recordings
		  WHERE id = (SELECT id FROM recordings WHERE account_id = $1 ORDER BY created_at, id LIMIT 1)
		RETURNING id, account_id, stream_key, filename, location, size_bytes, duration_seconds, started_at, ended_at, created_at`,
		accountID)
	recording, err := scanRecording(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Recording{}, false, nil
	}
	if err != nil {
		return models.Recording{}, false, fmt.Errorf("delete oldest recording: %w", err)
	}
	return recording, true, nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func upsertQuota(ctx context.Context, ex execer, state models.QuotaState) error {
	_, err := ex.Exec(ctx,
		`INSERT INTO quotas (account_id, recording_used, recording_limit,
		                     streaming_used, streaming_limit, streaming_reset_at,
		                     viewing_used, viewing_limit, viewing_reset_at,
		                     viewing_limit_set, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (account_id) DO UPDATE SET
		   recording_used = EXCLUDED.recording_used,
		   recording_limit = EXCLUDED.recording_limit,
		   streaming_used = EXCLUDED.streaming_used,
		   streaming_limit = EXCLUDED.streaming_limit,
		   streaming_reset_at = EXCLUDED.streaming_reset_at,
		   viewing_used = EXCLUDED.viewing_used,
		   viewing_limit = EXCLUDED.viewing_limit,
		   viewing_reset_at = EXCLUDED.viewing_reset_at,
		   viewing_limit_set = EXCLUDED.viewing_limit_set,
		   updated_at = EXCLUDED.updated_at`,
		state.AccountID,
		int64(state.Recording.Used), int64(state.Recording.Limit),
		int64(state.Streaming.Used), int64(state.Streaming.Limit), nullableTime(state.Streaming.ResetAt),
		int64(state.Viewing.Used), int64(state.Viewing.Limit), nullableTime(state.Viewing.ResetAt),
		state.ViewingLimitSet, state.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert quota: %w", err)
	}
	return nil
}

func scanAccount(row pgx.Row) (models.Account, error) {
	var account models.Account
	err := row.Scan(&account.ID, &account.Username, &account.Email, &account.Plan, &account.CreatedAt)
	return account, err
}

func scanQuota(row pgx.Row) (models.QuotaState, error) {
	var (
		recordingUsed, recordingLimit int64
		streamingUsed, streamingLimit int64
		viewingUsed, viewingLimit     int64
		streamingReset, viewingReset  *time.Time
		out                           models.QuotaState
	)
	err := row.Scan(&out.AccountID, &recordingUsed, &recordingLimit,
		&streamingUsed, &streamingLimit, &streamingReset,
		&viewingUsed, &viewingLimit, &viewingReset,
		&out.ViewingLimitSet, &out.UpdatedAt)
	if err != nil {
		return models.QuotaState{}, err
	}
	out.Recording = models.UsageMeter{Used: models.ByteCount(recordingUsed), Limit: models.ByteCount(recordingLimit)}
	out.Streaming = models.UsageWindow{Used: models.ByteCount(streamingUsed), Limit: models.ByteCount(streamingLimit)}
	out.Viewing = models.UsageWindow{Used: models.ByteCount(viewingUsed), Limit: models.ByteCount(viewingLimit)}
	if streamingReset != nil {
		out.Streaming.ResetAt = streamingReset.UTC()
	}
	if viewingReset != nil {
		out.Viewing.ResetAt = viewingReset.UTC()
	}
	return out, nil
}

func scanRecording(row pgx.Row) (models.Recording, error) {
	var (
		recording models.Recording
		size      int64
	)
	err := row.Scan(&recording.ID, &recording.AccountID, &recording.StreamKey, &recording.Filename,
		&recording.Location, &size, &recording.DurationSeconds,
		&recording.StartedAt, &recording.EndedAt, &recording.CreatedAt)
	if err != nil {
		return models.Recording{}, err
	}
	recording.SizeBytes = models.ByteCount(size)
	return recording, nil
}

// byteCountArg maps an optional byte count to a nullable bigint parameter.
func byteCountArg(v *models.ByteCount) *int64 {
	if v == nil {
		return nil
	}
	n := int64(*v)
	return &n
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ Repository = (*postgresRepository)(nil)
