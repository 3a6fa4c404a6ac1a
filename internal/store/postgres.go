package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq" // postgres driver
)

// PostgresBackend persists task records in a `tasks` table, enforcing
// the last-writer-wins (timestamp, op_id) tie-break a second time at the
// SQL layer via a conditional UPSERT — belt-and-braces for the case
// where more than one node's Store instance writes to a single shared
// Postgres (STORE_BACKEND=postgres with DB_DSN pointed at one cluster),
// not just the in-process ordering the default/file/redis backends rely
// on. Selected when STORE_BACKEND=postgres; DB_DSN is the connection
// string passed to it.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend opens dsn, verifies connectivity, and ensures the
// backing table exists.
func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("create tasks table: %w", err)
	}

	return &PostgresBackend{db: db}, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS tasks (
	task_id          TEXT PRIMARY KEY,
	status           TEXT NOT NULL,
	assigned_node    TEXT NOT NULL,
	image            TEXT NOT NULL,
	cmd              TEXT NOT NULL,
	created_at       BIGINT NOT NULL,
	completed_at     BIGINT NOT NULL,
	write_timestamp  BIGINT NOT NULL,
	write_op_id      TEXT NOT NULL
)`

func (p *PostgresBackend) Load(key string) (TaskRecord, bool, error) {
	taskID := strings.TrimPrefix(key, "tasks/")

	row := p.db.QueryRowContext(context.Background(), `
		SELECT task_id, status, assigned_node, image, cmd, created_at,
		       completed_at, write_timestamp, write_op_id
		FROM tasks WHERE task_id = $1`, taskID)

	var rec TaskRecord
	var cmd string
	err := row.Scan(&rec.TaskID, &rec.Status, &rec.AssignedNode, &rec.Image,
		&cmd, &rec.CreatedAt, &rec.CompletedAt, &rec.WriteTimestamp, &rec.WriteOpID)
	if err == sql.ErrNoRows {
		return TaskRecord{}, false, nil
	}
	if err != nil {
		return TaskRecord{}, false, fmt.Errorf("load task %s: %w", taskID, err)
	}
	rec.Cmd = splitCmd(cmd)
	return rec, true, nil
}

func (p *PostgresBackend) Save(key string, value TaskRecord) error {
	taskID := strings.TrimPrefix(key, "tasks/")

	_, err := p.db.ExecContext(context.Background(), `
		INSERT INTO tasks (task_id, status, assigned_node, image, cmd,
		                    created_at, completed_at, write_timestamp, write_op_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO UPDATE SET
			status = EXCLUDED.status,
			assigned_node = EXCLUDED.assigned_node,
			image = EXCLUDED.image,
			cmd = EXCLUDED.cmd,
			created_at = EXCLUDED.created_at,
			completed_at = EXCLUDED.completed_at,
			write_timestamp = EXCLUDED.write_timestamp,
			write_op_id = EXCLUDED.write_op_id
		WHERE (tasks.write_timestamp, tasks.write_op_id) < (EXCLUDED.write_timestamp, EXCLUDED.write_op_id)`,
		taskID, value.Status, value.AssignedNode, value.Image, joinCmd(value.Cmd),
		value.CreatedAt, value.CompletedAt, value.WriteTimestamp, value.WriteOpID)
	if err != nil {
		return fmt.Errorf("save task %s: %w", taskID, err)
	}
	return nil
}

func (p *PostgresBackend) Range(prefix string) ([]TaskRecord, error) {
	taskPrefix := strings.TrimPrefix(prefix, "tasks/")

	rows, err := p.db.QueryContext(context.Background(), `
		SELECT task_id, status, assigned_node, image, cmd, created_at,
		       completed_at, write_timestamp, write_op_id
		FROM tasks WHERE task_id LIKE $1 ORDER BY task_id`, taskPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("range tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var rec TaskRecord
		var cmd string
		if err := rows.Scan(&rec.TaskID, &rec.Status, &rec.AssignedNode, &rec.Image,
			&cmd, &rec.CreatedAt, &rec.CompletedAt, &rec.WriteTimestamp, &rec.WriteOpID); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		rec.Cmd = splitCmd(cmd)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresBackend) Close() error { return p.db.Close() }

func joinCmd(cmd []string) string  { return strings.Join(cmd, "\x1f") }
func splitCmd(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\x1f")
}
