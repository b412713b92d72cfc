// Package sqlite implements the command retry queue on SQLite.
package sqlite

import (
	"database/sql"

	_ "modernc.org/sqlite" // Pure Go SQLite driver

	"github.com/opengrid/comsrv/pkg/persistence"
)

// Queue implements persistence.Queue.
type Queue struct {
	db *sql.DB
}

// New opens (and if needed initializes) a queue database at path.
func New(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}

	q := &Queue{db: db}
	if err := q.init(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) init() error {
	query := `
	CREATE TABLE IF NOT EXISTS commands (
		id TEXT PRIMARY KEY,
		channel_id INTEGER NOT NULL,
		point_type TEXT NOT NULL,
		point_id INTEGER NOT NULL,
		value REAL NOT NULL,
		created_at DATETIME,
		retries INTEGER DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_channel_created ON commands(channel_id, created_at);
	`
	_, err := q.db.Exec(query)
	return err
}

// Save parks a command.
func (q *Queue) Save(cmd *persistence.Command) error {
	query := `INSERT INTO commands (id, channel_id, point_type, point_id, value, created_at, retries)
	          VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := q.db.Exec(query, cmd.ID, cmd.ChannelID, cmd.PointType, cmd.PointID, cmd.Value, cmd.CreatedAt, cmd.Retries)
	return err
}

// Pending returns up to limit parked commands for a channel, oldest
// first.
func (q *Queue) Pending(channelID int, limit int) ([]*persistence.Command, error) {
	query := `SELECT id, channel_id, point_type, point_id, value, created_at, retries
	          FROM commands WHERE channel_id = ? ORDER BY created_at ASC LIMIT ?`
	rows, err := q.db.Query(query, channelID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cmds []*persistence.Command
	for rows.Next() {
		var cmd persistence.Command
		if err := rows.Scan(&cmd.ID, &cmd.ChannelID, &cmd.PointType, &cmd.PointID, &cmd.Value, &cmd.CreatedAt, &cmd.Retries); err != nil {
			return nil, err
		}
		cmds = append(cmds, &cmd)
	}
	return cmds, rows.Err()
}

// MarkRetry increments a command's retry counter.
func (q *Queue) MarkRetry(id string) error {
	res, err := q.db.Exec(`UPDATE commands SET retries = retries + 1 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return persistence.ErrNotFound
	}
	return nil
}

// Delete removes a command.
func (q *Queue) Delete(id string) error {
	_, err := q.db.Exec(`DELETE FROM commands WHERE id = ?`, id)
	return err
}

// Channels lists the channel ids with parked commands.
func (q *Queue) Channels() ([]int, error) {
	rows, err := q.db.Query(`SELECT DISTINCT channel_id FROM commands`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Close closes the database.
func (q *Queue) Close() error {
	return q.db.Close()
}
