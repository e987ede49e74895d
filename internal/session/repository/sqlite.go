package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/kandev/internal/db"
	"github.com/kandev/kandev/internal/db/dialect"
	"github.com/kandev/kandev/internal/session"
)

// sqlRepository implements Repository against a db.Pool, working against
// either SQLite or PostgreSQL through sqlx's `?` rebinding.
type sqlRepository struct {
	pool   *db.Pool
	driver string
}

// New creates a Repository backed by pool. driver must be one of
// dialect.SQLite3 or dialect.PGX.
func New(pool *db.Pool, driver string) Repository {
	return &sqlRepository{pool: pool, driver: driver}
}

// Schema is the DDL for the sessions and workspace_locations tables,
// including the partial-unique indexes required by the port-uniqueness and
// readable-id invariants. Callers apply this once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id               TEXT PRIMARY KEY,
	readable_id      TEXT NOT NULL,
	user_id          TEXT NOT NULL,
	workspace_path   TEXT NOT NULL,
	runtime_mode     TEXT NOT NULL,
	container_id     TEXT NOT NULL DEFAULT '',
	container_name   TEXT NOT NULL DEFAULT '',
	pids             TEXT NOT NULL DEFAULT '',
	image            TEXT NOT NULL DEFAULT '',
	image_digest     TEXT NOT NULL DEFAULT '',
	agent_port       INTEGER NOT NULL,
	fileserver_port  INTEGER NOT NULL,
	ttyd_port        INTEGER NOT NULL,
	agent_base_port  INTEGER NOT NULL DEFAULT 0,
	max_agents       INTEGER NOT NULL DEFAULT 0,
	mmry_port        INTEGER NOT NULL DEFAULT 0,
	eavs_key_id      TEXT NOT NULL DEFAULT '',
	eavs_key_hash    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	created_at       TIMESTAMP NOT NULL,
	started_at       TIMESTAMP,
	stopped_at       TIMESTAMP,
	last_activity_at TIMESTAMP NOT NULL,
	error_message    TEXT NOT NULL DEFAULT ''
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_agent_port_active
	ON sessions (agent_port) WHERE status IN ('pending', 'starting', 'running');
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_fileserver_port_active
	ON sessions (fileserver_port) WHERE status IN ('pending', 'starting', 'running');
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_ttyd_port_active
	ON sessions (ttyd_port) WHERE status IN ('pending', 'starting', 'running');
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_readable_id_active
	ON sessions (readable_id) WHERE status IN ('pending', 'starting', 'running');
CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions (user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_workspace_path ON sessions (user_id, workspace_path);

CREATE TABLE IF NOT EXISTS workspace_locations (
	user_id        TEXT NOT NULL,
	workspace_path TEXT NOT NULL,
	concrete_path  TEXT NOT NULL,
	kind           TEXT NOT NULL,
	PRIMARY KEY (user_id, workspace_path)
);

CREATE TABLE IF NOT EXISTS linux_users (
	user_id TEXT PRIMARY KEY,
	uid     INTEGER NOT NULL UNIQUE
);
`

// row is the flat scan target matching the sessions table shape.
type row struct {
	ID             string         `db:"id"`
	ReadableID     string         `db:"readable_id"`
	UserID         string         `db:"user_id"`
	WorkspacePath  string         `db:"workspace_path"`
	RuntimeMode    string         `db:"runtime_mode"`
	ContainerID    string         `db:"container_id"`
	ContainerName  string         `db:"container_name"`
	PIDs           string         `db:"pids"`
	Image          string         `db:"image"`
	ImageDigest    string         `db:"image_digest"`
	AgentPort      int            `db:"agent_port"`
	FileserverPort int            `db:"fileserver_port"`
	TTYDPort       int            `db:"ttyd_port"`
	AgentBasePort  int            `db:"agent_base_port"`
	MaxAgents      int            `db:"max_agents"`
	MmryPort       int            `db:"mmry_port"`
	EAVSKeyID      string         `db:"eavs_key_id"`
	EAVSKeyHash    string         `db:"eavs_key_hash"`
	Status         string         `db:"status"`
	CreatedAt      time.Time      `db:"created_at"`
	StartedAt      sql.NullTime   `db:"started_at"`
	StoppedAt      sql.NullTime   `db:"stopped_at"`
	LastActivityAt time.Time      `db:"last_activity_at"`
	ErrorMessage   string         `db:"error_message"`
}

func (r row) toSession() *session.Session {
	id, _ := uuid.Parse(r.ID)
	s := &session.Session{
		ID:             id,
		ReadableID:     r.ReadableID,
		UserID:         r.UserID,
		WorkspacePath:  r.WorkspacePath,
		RuntimeMode:    session.RuntimeMode(r.RuntimeMode),
		ContainerID:    r.ContainerID,
		ContainerName:  r.ContainerName,
		PIDs:           r.PIDs,
		Image:          r.Image,
		ImageDigest:    r.ImageDigest,
		AgentPort:      r.AgentPort,
		FileserverPort: r.FileserverPort,
		TTYDPort:       r.TTYDPort,
		AgentBasePort:  r.AgentBasePort,
		MaxAgents:      r.MaxAgents,
		MmryPort:       r.MmryPort,
		EAVSKeyID:      r.EAVSKeyID,
		EAVSKeyHash:    r.EAVSKeyHash,
		Status:         session.Status(r.Status),
		CreatedAt:      r.CreatedAt,
		LastActivityAt: r.LastActivityAt,
		ErrorMessage:   r.ErrorMessage,
	}
	if r.StartedAt.Valid {
		t := r.StartedAt.Time
		s.StartedAt = &t
	}
	if r.StoppedAt.Valid {
		t := r.StoppedAt.Time
		s.StoppedAt = &t
	}
	return s
}

func (sr *sqlRepository) Create(ctx context.Context, s *session.Session) error {
	query := `INSERT INTO sessions (
		id, readable_id, user_id, workspace_path, runtime_mode,
		container_id, container_name, pids, image, image_digest,
		agent_port, fileserver_port, ttyd_port, agent_base_port, max_agents, mmry_port,
		eavs_key_id, eavs_key_hash, status, created_at, started_at, stopped_at,
		last_activity_at, error_message
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(query),
		s.ID.String(), s.ReadableID, s.UserID, s.WorkspacePath, string(s.RuntimeMode),
		s.ContainerID, s.ContainerName, s.PIDs, s.Image, s.ImageDigest,
		s.AgentPort, s.FileserverPort, s.TTYDPort, s.AgentBasePort, s.MaxAgents, s.MmryPort,
		s.EAVSKeyID, s.EAVSKeyHash, string(s.Status), s.CreatedAt, nullTime(s.StartedAt), nullTime(s.StoppedAt),
		s.LastActivityAt, s.ErrorMessage,
	)
	return err
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func (sr *sqlRepository) Get(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	var r row
	err := sr.pool.Reader().GetContext(ctx, &r, sr.pool.Reader().Rebind(`SELECT * FROM sessions WHERE id = ?`), id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toSession(), nil
}

func (sr *sqlRepository) queryList(ctx context.Context, query string, args ...interface{}) ([]*session.Session, error) {
	var rows []row
	if err := sr.pool.Reader().SelectContext(ctx, &rows, sr.pool.Reader().Rebind(query), args...); err != nil {
		return nil, err
	}
	out := make([]*session.Session, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toSession())
	}
	return out, nil
}

func (sr *sqlRepository) List(ctx context.Context) ([]*session.Session, error) {
	return sr.queryList(ctx, `SELECT * FROM sessions ORDER BY created_at DESC`)
}

func (sr *sqlRepository) ListForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (sr *sqlRepository) ListActive(ctx context.Context) ([]*session.Session, error) {
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE status IN ('pending', 'starting', 'running') ORDER BY created_at`)
}

func (sr *sqlRepository) ListRunningForUser(ctx context.Context, userID string) ([]*session.Session, error) {
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE user_id = ? AND status = 'running' ORDER BY last_activity_at`, userID)
}

func (sr *sqlRepository) FindResumableSession(ctx context.Context, userID, workspacePath string) (*session.Session, error) {
	return sr.findOne(ctx, `SELECT * FROM sessions WHERE user_id = ? AND workspace_path = ? AND status = 'stopped' ORDER BY stopped_at DESC LIMIT 1`, userID, workspacePath)
}

func (sr *sqlRepository) FindRunningForWorkspace(ctx context.Context, userID, workspacePath string) (*session.Session, error) {
	return sr.findOne(ctx, `SELECT * FROM sessions WHERE user_id = ? AND workspace_path = ? AND status = 'running' LIMIT 1`, userID, workspacePath)
}

func (sr *sqlRepository) FindLatestStoppedForWorkspace(ctx context.Context, userID, workspacePath string) (*session.Session, error) {
	return sr.findOne(ctx, `SELECT * FROM sessions WHERE user_id = ? AND workspace_path = ? AND status = 'stopped' ORDER BY stopped_at DESC LIMIT 1`, userID, workspacePath)
}

func (sr *sqlRepository) findOne(ctx context.Context, query string, args ...interface{}) (*session.Session, error) {
	var r row
	err := sr.pool.Reader().GetContext(ctx, &r, sr.pool.Reader().Rebind(query), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toSession(), nil
}

func (sr *sqlRepository) ListIdleSessions(ctx context.Context, threshold time.Duration) ([]*session.Session, error) {
	cutoff := time.Now().Add(-threshold)
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE status = 'running' AND last_activity_at < ? ORDER BY last_activity_at`, cutoff)
}

// ListIdleSessionsForUser is ListIdleSessions scoped to one user, ordered
// oldest-last_activity_at-first, for the per-user cap's LRU eviction.
func (sr *sqlRepository) ListIdleSessionsForUser(ctx context.Context, userID string, threshold time.Duration) ([]*session.Session, error) {
	cutoff := time.Now().Add(-threshold)
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE user_id = ? AND status = 'running' AND last_activity_at < ? ORDER BY last_activity_at`, userID, cutoff)
}

func (sr *sqlRepository) ListStaleStoppedSessions(ctx context.Context, olderThan time.Duration) ([]*session.Session, error) {
	cutoff := time.Now().Add(-olderThan)
	return sr.queryList(ctx, `SELECT * FROM sessions WHERE status = 'stopped' AND stopped_at < ? ORDER BY stopped_at`, cutoff)
}

func (sr *sqlRepository) CountRunningForUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := sr.pool.Reader().GetContext(ctx, &n, sr.pool.Reader().Rebind(
		`SELECT COUNT(*) FROM sessions WHERE user_id = ? AND status IN ('pending', 'starting', 'running')`), userID)
	return n, err
}

func (sr *sqlRepository) UpdateStatus(ctx context.Context, id uuid.UUID, fromAny []session.Status, to session.Status) (bool, error) {
	var (
		query string
		args  []interface{}
	)
	if len(fromAny) == 0 {
		query = `UPDATE sessions SET status = ? WHERE id = ?`
		args = []interface{}{string(to), id.String()}
	} else {
		placeholders := make([]string, len(fromAny))
		args = append(args, string(to))
		for i, st := range fromAny {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		args = append(args, id.String())
		query = fmt.Sprintf(`UPDATE sessions SET status = ? WHERE status IN (%s) AND id = ?`, joinPlaceholders(placeholders))
	}
	res, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func joinPlaceholders(ph []string) string {
	out := ph[0]
	for _, p := range ph[1:] {
		out += ", " + p
	}
	return out
}

func (sr *sqlRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET status = 'running', error_message = '', started_at = COALESCE(started_at, ?) WHERE id = ?`),
		now, id.String())
	return err
}

func (sr *sqlRepository) MarkFailed(ctx context.Context, id uuid.UUID, message string) error {
	now := time.Now()
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET status = 'failed', error_message = ?, stopped_at = COALESCE(stopped_at, ?) WHERE id = ?`),
		message, now, id.String())
	return err
}

func (sr *sqlRepository) MarkStopped(ctx context.Context, id uuid.UUID) error {
	now := time.Now()
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET status = 'stopped', stopped_at = COALESCE(stopped_at, ?) WHERE id = ?`),
		now, id.String())
	return err
}

func (sr *sqlRepository) UpdatePorts(ctx context.Context, id uuid.UUID, agentPort, fileserverPort, ttydPort, agentBasePort, mmryPort int) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET agent_port = ?, fileserver_port = ?, ttyd_port = ?, agent_base_port = ?, mmry_port = ? WHERE id = ?`),
		agentPort, fileserverPort, ttydPort, agentBasePort, mmryPort, id.String())
	return err
}

func (sr *sqlRepository) UpdateContainerID(ctx context.Context, id uuid.UUID, containerID, containerName string) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET container_id = ?, container_name = ? WHERE id = ?`),
		containerID, containerName, id.String())
	return err
}

func (sr *sqlRepository) UpdatePIDs(ctx context.Context, id uuid.UUID, pids string) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET pids = ? WHERE id = ?`), pids, id.String())
	return err
}

func (sr *sqlRepository) UpdateImageDigest(ctx context.Context, id uuid.UUID, image, digest string) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET image = ?, image_digest = ? WHERE id = ?`), image, digest, id.String())
	return err
}

func (sr *sqlRepository) UpdateEAVSKey(ctx context.Context, id uuid.UUID, keyID, keyHash string) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET eavs_key_id = ?, eavs_key_hash = ? WHERE id = ?`), keyID, keyHash, id.String())
	return err
}

func (sr *sqlRepository) TouchActivity(ctx context.Context, id uuid.UUID) error {
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`), time.Now(), id.String())
	return err
}

func (sr *sqlRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(`DELETE FROM sessions WHERE id = ?`), id.String())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (sr *sqlRepository) ListActivePorts(ctx context.Context) ([][3]int, error) {
	var rows []struct {
		AgentPort      int `db:"agent_port"`
		FileserverPort int `db:"fileserver_port"`
		TTYDPort       int `db:"ttyd_port"`
	}
	err := sr.pool.Reader().SelectContext(ctx, &rows, sr.pool.Reader().Rebind(
		`SELECT agent_port, fileserver_port, ttyd_port FROM sessions WHERE status IN ('pending', 'starting', 'running')`))
	if err != nil {
		return nil, err
	}
	out := make([][3]int, 0, len(rows))
	for _, r := range rows {
		out = append(out, [3]int{r.AgentPort, r.FileserverPort, r.TTYDPort})
	}
	return out, nil
}

func (sr *sqlRepository) GetWorkspaceLocation(ctx context.Context, userID, workspacePath string) (*session.WorkspaceLocation, error) {
	var loc session.WorkspaceLocation
	err := sr.pool.Reader().GetContext(ctx, &loc, sr.pool.Reader().Rebind(
		`SELECT user_id "UserID", workspace_path "WorkspacePath", concrete_path "ConcretePath", kind "Kind" FROM workspace_locations WHERE user_id = ? AND workspace_path = ?`),
		userID, workspacePath)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &loc, nil
}

func (sr *sqlRepository) UpsertWorkspaceLocation(ctx context.Context, loc *session.WorkspaceLocation) error {
	if dialect.IsPostgres(sr.driver) {
		_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
			`INSERT INTO workspace_locations (user_id, workspace_path, concrete_path, kind) VALUES (?, ?, ?, ?)
			 ON CONFLICT (user_id, workspace_path) DO UPDATE SET concrete_path = EXCLUDED.concrete_path, kind = EXCLUDED.kind`),
			loc.UserID, loc.WorkspacePath, loc.ConcretePath, loc.Kind)
		return err
	}
	_, err := sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
		`INSERT INTO workspace_locations (user_id, workspace_path, concrete_path, kind) VALUES (?, ?, ?, ?)
		 ON CONFLICT (user_id, workspace_path) DO UPDATE SET concrete_path = excluded.concrete_path, kind = excluded.kind`),
		loc.UserID, loc.WorkspacePath, loc.ConcretePath, loc.Kind)
	return err
}

// GetOrAllocateLinuxUID returns the Linux UID previously assigned to userID,
// allocating the next free one at or above uidStart on first call. The
// mapping is permanent: once a user has a UID, every later session for them
// (and usermgr's idempotent create-user) must keep using it.
func (sr *sqlRepository) GetOrAllocateLinuxUID(ctx context.Context, userID string, uidStart int) (int, error) {
	var uid int
	err := sr.pool.Reader().GetContext(ctx, &uid, sr.pool.Reader().Rebind(
		`SELECT uid FROM linux_users WHERE user_id = ?`), userID)
	if err == nil {
		return uid, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		var next int
		if err := sr.pool.Writer().GetContext(ctx, &next, sr.pool.Writer().Rebind(
			`SELECT COALESCE(MAX(uid), ?) + 1 FROM linux_users`), uidStart-1); err != nil {
			return 0, err
		}
		if next < uidStart {
			next = uidStart
		}

		var insertErr error
		if dialect.IsPostgres(sr.driver) {
			_, insertErr = sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
				`INSERT INTO linux_users (user_id, uid) VALUES (?, ?) ON CONFLICT DO NOTHING`), userID, next)
		} else {
			_, insertErr = sr.pool.Writer().ExecContext(ctx, sr.pool.Writer().Rebind(
				`INSERT OR IGNORE INTO linux_users (user_id, uid) VALUES (?, ?)`), userID, next)
		}
		if insertErr != nil {
			return 0, insertErr
		}

		if err := sr.pool.Reader().GetContext(ctx, &uid, sr.pool.Reader().Rebind(
			`SELECT uid FROM linux_users WHERE user_id = ?`), userID); err == nil {
			return uid, nil
		}
	}
	return 0, fmt.Errorf("could not allocate linux uid for user %s", userID)
}
