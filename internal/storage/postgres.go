package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"bbb-stream-controller/internal/models"
	"bbb-stream-controller/internal/peers"
)

const uniqueViolation = "23505"

// PostgresConfig tunes the connection pool.
type PostgresConfig struct {
	DSN             string
	MaxConnections  int32
	MinConnections  int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	AcquireTimeout  time.Duration
	ApplicationName string
}

// PostgresStore persists sessions in Postgres so several controller replicas
// can share state. Row locks on stream_sessions serialize per-session
// mutations; a partial unique index keeps live external ids unique.
type PostgresStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewPostgresStore opens a pool for cfg. Migrations must already be applied.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
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
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return NewPostgresStoreFromPool(pool), nil
}

// NewPostgresStoreFromPool wraps an existing pool.
func NewPostgresStoreFromPool(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, now: time.Now}
}

// Pool exposes the underlying pool for migrations.
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool, giving up when ctx expires.
func (s *PostgresStore) Close(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		s.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

const sessionColumns = `id, external_id, internal_id, rtmp_uri, primary_frontend, chat_bridge, live_encoder, meeting_password, state, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, externalID, rtmpURI, primaryFrontend string) (models.Session, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return models.Session{}, fmt.Errorf("external id is required")
	}
	now := s.now().UTC()
	id := uuid.NewString()

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
INSERT INTO stream_sessions (id, external_id, rtmp_uri, primary_frontend, state, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
`, id, externalID, rtmpURI, primaryFrontend, string(models.SessionOpen), now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("create %s: %w", externalID, ErrAlreadyExists)
			}
			return fmt.Errorf("insert session %s: %w", externalID, err)
		}
		if primaryFrontend == "" {
			return nil
		}
		_, err = tx.Exec(ctx, `
INSERT INTO viewer_bindings (session_id, frontend_id, viewers, position, bound_at)
VALUES ($1, $2, 0, 0, $3)
`, id, primaryFrontend, now)
		if err != nil {
			return fmt.Errorf("bind primary frontend %s: %w", primaryFrontend, err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return s.FindByExternalID(ctx, externalID)
}

func (s *PostgresStore) FindByExternalID(ctx context.Context, externalID string) (models.Session, error) {
	return s.load(ctx, s.pool, `external_id = $1`, externalID)
}

func (s *PostgresStore) FindByInternalID(ctx context.Context, internalID string) (models.Session, error) {
	if internalID == "" {
		return models.Session{}, fmt.Errorf("find internal: %w", ErrNotFound)
	}
	return s.load(ctx, s.pool, `internal_id = $1`, internalID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PostgresStore) load(ctx context.Context, q querier, where string, arg any) (models.Session, error) {
	row := q.QueryRow(ctx, `SELECT `+sessionColumns+` FROM stream_sessions WHERE deleted_at IS NULL AND `+where+` ORDER BY created_at DESC LIMIT 1`, arg)
	session, err := scanSession(row)
	if err != nil {
		if isNoRows(err) {
			return models.Session{}, fmt.Errorf("find %v: %w", arg, ErrNotFound)
		}
		return models.Session{}, fmt.Errorf("load session %v: %w", arg, err)
	}
	bindings, err := loadBindings(ctx, q, session.ID)
	if err != nil {
		return models.Session{}, err
	}
	session.Frontends = bindings
	return session, nil
}

func scanSession(row pgx.Row) (models.Session, error) {
	var (
		session models.Session
		state   string
	)
	err := row.Scan(&session.ID, &session.ExternalID, &session.InternalID, &session.RTMPURI, &session.PrimaryFrontend,
		&session.ChatBridge, &session.LiveEncoder, &session.MeetingPassword, &state, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		return models.Session{}, err
	}
	session.State = models.SessionState(state)
	session.CreatedAt = session.CreatedAt.UTC()
	session.UpdatedAt = session.UpdatedAt.UTC()
	return session, nil
}

func loadBindings(ctx context.Context, q querier, sessionID string) ([]models.ViewerBinding, error) {
	rows, err := q.Query(ctx, `
SELECT frontend_id, viewers, position, bound_at
FROM viewer_bindings
WHERE session_id = $1
ORDER BY position
`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query bindings: %w", err)
	}
	defer rows.Close()
	var bindings []models.ViewerBinding
	for rows.Next() {
		var b models.ViewerBinding
		if err := rows.Scan(&b.FrontendID, &b.Viewers, &b.Position, &b.BoundAt); err != nil {
			return nil, fmt.Errorf("scan binding: %w", err)
		}
		b.BoundAt = b.BoundAt.UTC()
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate bindings: %w", err)
	}
	return bindings, nil
}

func (s *PostgresStore) BindChatAndEncoder(ctx context.Context, externalID, chatBridge, encoder, internalID string) (models.Session, error) {
	tag, err := s.pool.Exec(ctx, `
UPDATE stream_sessions
SET chat_bridge = $2, live_encoder = $3, internal_id = $4,
    state = CASE WHEN state = 'open' THEN 'started' ELSE state END,
    updated_at = $5
WHERE external_id = $1 AND deleted_at IS NULL AND state <> 'ending'
`, externalID, chatBridge, encoder, internalID, s.now().UTC())
	if err != nil {
		return models.Session{}, fmt.Errorf("bind chat and encoder %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Session{}, fmt.Errorf("bind %s: %w", externalID, s.notLive(ctx, externalID))
	}
	return s.FindByExternalID(ctx, externalID)
}

func (s *PostgresStore) SetMeetingPassword(ctx context.Context, externalID, password string) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE stream_sessions SET meeting_password = $2, updated_at = $3
WHERE external_id = $1 AND deleted_at IS NULL AND state <> 'ending'
`, externalID, password, s.now().UTC())
	if err != nil {
		return fmt.Errorf("set password %s: %w", externalID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("set password %s: %w", externalID, s.notLive(ctx, externalID))
	}
	return nil
}

func (s *PostgresStore) BindFrontend(ctx context.Context, externalID, frontendID string) (models.Session, error) {
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sessionID, state, err := lockSession(ctx, tx, externalID)
		if err != nil {
			return err
		}
		if state == models.SessionEnding {
			return fmt.Errorf("bind frontend %s: %w", externalID, ErrAlreadyEnded)
		}
		_, err = tx.Exec(ctx, `
INSERT INTO viewer_bindings (session_id, frontend_id, viewers, position, bound_at)
SELECT $1::uuid, $2::text, 0, COALESCE(MAX(position) + 1, 0), $3::timestamptz FROM viewer_bindings WHERE session_id = $1::uuid
ON CONFLICT (session_id, frontend_id) DO NOTHING
`, sessionID, frontendID, s.now().UTC())
		if err != nil {
			return fmt.Errorf("bind frontend %s: %w", frontendID, err)
		}
		return nil
	})
	if err != nil {
		return models.Session{}, err
	}
	return s.FindByExternalID(ctx, externalID)
}

func (s *PostgresStore) IncrementViewer(ctx context.Context, externalID, frontendID string) (models.ViewerBinding, error) {
	var binding models.ViewerBinding
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		sessionID, _, err := lockSession(ctx, tx, externalID)
		if err != nil {
			return err
		}
		var row pgx.Row
		if frontendID == "" {
			row = tx.QueryRow(ctx, `
UPDATE viewer_bindings SET viewers = viewers + 1
WHERE session_id = $1 AND frontend_id = (
    SELECT frontend_id FROM viewer_bindings WHERE session_id = $1
    ORDER BY viewers, position LIMIT 1
)
RETURNING frontend_id, viewers, position, bound_at
`, sessionID)
		} else {
			row = tx.QueryRow(ctx, `
UPDATE viewer_bindings SET viewers = viewers + 1
WHERE session_id = $1 AND frontend_id = $2
RETURNING frontend_id, viewers, position, bound_at
`, sessionID, frontendID)
		}
		if err := row.Scan(&binding.FrontendID, &binding.Viewers, &binding.Position, &binding.BoundAt); err != nil {
			if isNoRows(err) {
				return fmt.Errorf("increment %s: %w", externalID, ErrFrontendNotBound)
			}
			return fmt.Errorf("increment viewer %s: %w", externalID, err)
		}
		binding.BoundAt = binding.BoundAt.UTC()
		return nil
	})
	if err != nil {
		return models.ViewerBinding{}, err
	}
	return binding, nil
}

func (s *PostgresStore) BeginTeardown(ctx context.Context, externalID string) (models.Session, error) {
	return s.claim(ctx, "external_id", externalID)
}

func (s *PostgresStore) BeginTeardownByInternalID(ctx context.Context, internalID string) (models.Session, error) {
	if internalID == "" {
		return models.Session{}, fmt.Errorf("teardown internal: %w", ErrNotFound)
	}
	return s.claim(ctx, "internal_id", internalID)
}

func (s *PostgresStore) claim(ctx context.Context, column, value string) (models.Session, error) {
	var session models.Session
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
UPDATE stream_sessions SET state = 'ending', updated_at = $2
WHERE id = (
    SELECT id FROM stream_sessions
    WHERE `+column+` = $1 AND deleted_at IS NULL AND state <> 'ending'
    ORDER BY created_at DESC LIMIT 1
    FOR UPDATE
)
AND state <> 'ending'
RETURNING `+sessionColumns, value, s.now().UTC())
		claimed, err := scanSession(row)
		if err != nil {
			if !isNoRows(err) {
				return fmt.Errorf("claim %s: %w", value, err)
			}
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM stream_sessions WHERE `+column+` = $1)`, value).Scan(&exists); err != nil {
				return fmt.Errorf("check session %s: %w", value, err)
			}
			if exists {
				return fmt.Errorf("teardown %s: %w", value, ErrAlreadyEnded)
			}
			return fmt.Errorf("teardown %s: %w", value, ErrNotFound)
		}
		bindings, err := loadBindings(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		claimed.Frontends = bindings
		session = claimed
		return nil
	})
	return session, err
}

func (s *PostgresStore) Delete(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
UPDATE stream_sessions SET deleted_at = $2, updated_at = $2
WHERE id = $1 AND deleted_at IS NULL
`, sessionID, s.now().UTC())
		if err != nil {
			return fmt.Errorf("delete session %s: %w", sessionID, err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `DELETE FROM viewer_bindings WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("delete bindings %s: %w", sessionID, err)
		}
		return nil
	})
}

func (s *PostgresStore) CountByPeer(ctx context.Context, role peers.Role) (map[string]int, error) {
	var query string
	switch role {
	case peers.RoleChatBridge:
		query = `SELECT chat_bridge, COUNT(*) FROM stream_sessions WHERE deleted_at IS NULL AND chat_bridge <> '' GROUP BY chat_bridge`
	case peers.RoleEncoder:
		query = `SELECT live_encoder, COUNT(*) FROM stream_sessions WHERE deleted_at IS NULL AND live_encoder <> '' GROUP BY live_encoder`
	case peers.RoleFrontend:
		query = `
SELECT b.frontend_id, COUNT(*)
FROM viewer_bindings b JOIN stream_sessions s ON s.id = b.session_id
WHERE s.deleted_at IS NULL
GROUP BY b.frontend_id`
	default:
		return map[string]int{}, nil
	}
	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("count sessions by %s: %w", role, err)
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var (
			id    string
			count int
		)
		if err := rows.Scan(&id, &count); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

func (s *PostgresStore) PurgeTombstones(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM stream_sessions WHERE deleted_at IS NOT NULL AND deleted_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge tombstones: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func lockSession(ctx context.Context, tx pgx.Tx, externalID string) (string, models.SessionState, error) {
	var sessionID, state string
	err := tx.QueryRow(ctx, `
SELECT id, state FROM stream_sessions
WHERE external_id = $1 AND deleted_at IS NULL
FOR UPDATE
`, externalID).Scan(&sessionID, &state)
	if err != nil {
		if isNoRows(err) {
			return "", "", fmt.Errorf("lock %s: %w", externalID, ErrNotFound)
		}
		return "", "", fmt.Errorf("lock session %s: %w", externalID, err)
	}
	return sessionID, models.SessionState(state), nil
}

// notLive explains why an update guarded on a live session matched no row.
func (s *PostgresStore) notLive(ctx context.Context, externalID string) error {
	var ending bool
	err := s.pool.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM stream_sessions WHERE external_id = $1 AND deleted_at IS NULL AND state = 'ending')
`, externalID).Scan(&ending)
	if err != nil {
		return fmt.Errorf("check session state: %w", err)
	}
	if ending {
		return ErrAlreadyEnded
	}
	return ErrNotFound
}

func (s *PostgresStore) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
