package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/entl/cliwrapped/internal/event"
	"github.com/entl/cliwrapped/internal/wal"

	_ "modernc.org/sqlite"
)

// DB is the SQLite index over the WAL. Writes go through a single
// connection; reads use a separate pool and see WAL-mode snapshots, so
// queries never wait on the writer.
type DB struct {
	writer *sql.DB
	reader *sql.DB
}

// indexedEvent is an event together with where its frame lives.
type indexedEvent struct {
	event    event.CommandEvent
	position wal.Position
}

const checkpointKey = "checkpoint"

// NewDB opens/creates the index at dbPath and initializes the schema.
func NewDB(dbPath string) (*DB, error) {
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{"journal_mode(WAL)", "busy_timeout(5000)", "synchronous(NORMAL)"},
	}.Encode()

	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	writer.SetMaxOpenConns(1)

	db := &DB{writer: writer}
	if err := db.initSchema(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to open read pool: %w", err)
	}
	reader.SetMaxOpenConns(4)
	db.reader = reader

	return db, nil
}

// initSchema creates the necessary tables if they don't exist.
func (db *DB) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		shell TEXT NOT NULL,
		cwd TEXT NOT NULL,
		cmd_text TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		ingested_at INTEGER NOT NULL,
		wal_segment INTEGER NOT NULL,
		wal_offset INTEGER NOT NULL,
		UNIQUE(session_id, seq)
	);

	CREATE INDEX IF NOT EXISTS idx_commands_ts ON commands(ts DESC, id DESC);
	CREATE INDEX IF NOT EXISTS idx_commands_text ON commands(cmd_text);
	CREATE INDEX IF NOT EXISTS idx_commands_cwd ON commands(cwd);
	CREATE INDEX IF NOT EXISTS idx_commands_wal ON commands(wal_segment, wal_offset);

	CREATE TABLE IF NOT EXISTS command_counts (
		cmd_text TEXT PRIMARY KEY,
		count INTEGER NOT NULL,
		last_ts INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_command_counts_rank ON command_counts(count DESC, cmd_text);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	_, err := db.writer.Exec(schema)
	return err
}

// Close closes both connection pools.
func (db *DB) Close() error {
	var errs []error
	if db.reader != nil {
		errs = append(errs, db.reader.Close())
	}
	if db.writer != nil {
		errs = append(errs, db.writer.Close())
	}
	return errors.Join(errs...)
}

// insertCommands indexes a batch of events and moves the checkpoint in one
// transaction. Rows whose key is already indexed are skipped. It returns
// how many rows were inserted.
func (db *DB) insertCommands(ctx context.Context, batch []indexedEvent, checkpoint wal.Position) (int, error) {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
		INSERT INTO commands (ts, duration_ms, session_id, seq, shell, cwd, cmd_text, exit_code, ingested_at, wal_segment, wal_offset)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id, seq) DO NOTHING
	`
	countQuery := `
		INSERT INTO command_counts (cmd_text, count, last_ts) VALUES (?, 1, ?)
		ON CONFLICT(cmd_text) DO UPDATE SET count = count + 1, last_ts = MAX(last_ts, excluded.last_ts)
	`

	inserted := 0
	for _, item := range batch {
		e := item.event
		result, err := tx.ExecContext(ctx, insertQuery,
			e.StartMs,
			e.DurationMs,
			e.SessionID,
			int64(e.Sequence),
			string(e.Shell),
			e.Cwd,
			e.Command,
			e.ExitCode,
			e.IngestedMs,
			int64(item.position.Segment),
			item.position.Offset,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert command: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to get rows affected: %w", err)
		}
		if affected == 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, countQuery, e.Command, e.StartMs); err != nil {
			return 0, fmt.Errorf("failed to update command count: %w", err)
		}
		inserted++
	}

	if err := setCheckpoint(ctx, tx, checkpoint); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit index transaction: %w", err)
	}
	return inserted, nil
}

func setCheckpoint(ctx context.Context, tx *sql.Tx, position wal.Position) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		checkpointKey, fmt.Sprintf("%d:%d", position.Segment, position.Offset),
	)
	if err != nil {
		return fmt.Errorf("failed to store checkpoint: %w", err)
	}
	return nil
}

// checkpoint returns the WAL position just past the last indexed frame.
func (db *DB) checkpoint(ctx context.Context) (wal.Position, bool, error) {
	var value string
	err := db.writer.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, checkpointKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return wal.Position{}, false, nil
	}
	if err != nil {
		return wal.Position{}, false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var position wal.Position
	if _, err := fmt.Sscanf(value, "%d:%d", &position.Segment, &position.Offset); err != nil {
		return wal.Position{}, false, fmt.Errorf("malformed checkpoint %q: %w", value, err)
	}
	return position, true, nil
}

// deleteWhere removes the matching rows, repairs the command counters of
// every command they touched and optionally resets the checkpoint.
func (db *DB) deleteWhere(ctx context.Context, where string, args []any, checkpoint *wal.Position) (int64, error) {
	tx, err := db.writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin index transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT DISTINCT cmd_text FROM commands WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to collect affected commands: %w", err)
	}
	var affected []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan command text: %w", err)
		}
		affected = append(affected, text)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("error iterating affected commands: %w", err)
	}

	result, err := tx.ExecContext(ctx, `DELETE FROM commands WHERE `+where, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete commands: %w", err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	recount := `
		UPDATE command_counts SET
			count = (SELECT COUNT(*) FROM commands WHERE cmd_text = command_counts.cmd_text),
			last_ts = COALESCE((SELECT MAX(ts) FROM commands WHERE cmd_text = command_counts.cmd_text), 0)
		WHERE cmd_text = ?
	`
	for _, text := range affected {
		if _, err := tx.ExecContext(ctx, recount, text); err != nil {
			return 0, fmt.Errorf("failed to recount %q: %w", text, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM command_counts WHERE count = 0`); err != nil {
		return 0, fmt.Errorf("failed to prune command counts: %w", err)
	}

	if checkpoint != nil {
		if err := setCheckpoint(ctx, tx, *checkpoint); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit index transaction: %w", err)
	}
	return deleted, nil
}

// deleteFrom drops index rows whose frames lie at or past end, for a log
// whose tail was lost.
func (db *DB) deleteFrom(ctx context.Context, end wal.Position) (int64, error) {
	return db.deleteWhere(ctx,
		`wal_segment > ? OR (wal_segment = ? AND wal_offset >= ?)`,
		[]any{int64(end.Segment), int64(end.Segment), end.Offset},
		&end,
	)
}

// deleteSegment drops the index rows of one segment.
func (db *DB) deleteSegment(ctx context.Context, segment uint64) (int64, error) {
	return db.deleteWhere(ctx, `wal_segment = ?`, []any{int64(segment)}, nil)
}

// segmentOffsets returns the frame offsets indexed for a segment.
func (db *DB) segmentOffsets(ctx context.Context, segment uint64) (map[int64]struct{}, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT wal_offset FROM commands WHERE wal_segment = ?`, int64(segment))
	if err != nil {
		return nil, fmt.Errorf("failed to query segment offsets: %w", err)
	}
	defer rows.Close()

	offsets := make(map[int64]struct{})
	for rows.Next() {
		var offset int64
		if err := rows.Scan(&offset); err != nil {
			return nil, fmt.Errorf("failed to scan segment offset: %w", err)
		}
		offsets[offset] = struct{}{}
	}
	return offsets, rows.Err()
}

// contains reports whether a key is indexed. It reads through the writer
// so it observes every committed append.
func (db *DB) contains(ctx context.Context, key event.Key) (bool, error) {
	var one int
	err := db.writer.QueryRowContext(ctx,
		`SELECT 1 FROM commands WHERE session_id = ? AND seq = ?`,
		key.SessionID, int64(key.Sequence),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check key: %w", err)
	}
	return true, nil
}

// newestInSegment returns the latest start time indexed for a segment.
func (db *DB) newestInSegment(ctx context.Context, segment uint64) (int64, bool, error) {
	var newest sql.NullInt64
	err := db.reader.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM commands WHERE wal_segment = ?`, int64(segment),
	).Scan(&newest)
	if err != nil {
		return 0, false, fmt.Errorf("failed to query segment age: %w", err)
	}
	return newest.Int64, newest.Valid, nil
}

const selectColumns = `id, ts, duration_ms, session_id, seq, shell, cwd, cmd_text, exit_code, ingested_at`

// listCommands runs a newest-first filtered listing.
func (db *DB) listCommands(ctx context.Context, opts ListOptions) (ListResult, error) {
	limit := clampLimit(opts.Limit)

	var conditions []string
	var args []any
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.CommandPrefix != "" {
		cond, condArgs := prefixMatch("cmd_text", opts.CommandPrefix)
		conditions = append(conditions, cond)
		args = append(args, condArgs...)
	}
	if opts.Directory != "" {
		conditions = append(conditions, "cwd = ?")
		args = append(args, opts.Directory)
	}
	if !opts.Window.From.IsZero() {
		conditions = append(conditions, "ts >= ?")
		args = append(args, opts.Window.From.UnixMilli())
	}
	if !opts.Window.To.IsZero() {
		conditions = append(conditions, "ts < ?")
		args = append(args, opts.Window.To.UnixMilli())
	}
	if opts.Cursor != "" {
		c, err := decodeCursor(opts.Cursor)
		if err != nil {
			return ListResult{}, err
		}
		conditions = append(conditions, "(ts < ? OR (ts = ? AND id < ?))")
		args = append(args, c.ts, c.ts, c.id)
	}

	query := `SELECT ` + selectColumns + ` FROM commands`
	if len(conditions) > 0 {
		query += ` WHERE ` + strings.Join(conditions, " AND ")
	}
	query += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, fmt.Errorf("failed to list commands: %w", err)
	}
	defer rows.Close()

	scanned, err := db.scanCommands(rows)
	if err != nil {
		return ListResult{}, err
	}

	var result ListResult
	if len(scanned) > limit {
		last := scanned[limit-1]
		result.NextCursor = cursor{ts: last.event.StartMs, id: last.id}.encode()
		scanned = scanned[:limit]
	}
	result.Events = make([]event.CommandEvent, len(scanned))
	for i, row := range scanned {
		result.Events[i] = row.event
	}
	return result, nil
}

// queryEvents runs a query returning full rows.
func (db *DB) queryEvents(ctx context.Context, query string, args ...any) ([]event.CommandEvent, error) {
	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	scanned, err := db.scanCommands(rows)
	if err != nil {
		return nil, err
	}
	events := make([]event.CommandEvent, len(scanned))
	for i, row := range scanned {
		events[i] = row.event
	}
	return events, nil
}

type commandRow struct {
	id    int64
	event event.CommandEvent
}

// scanCommands is a helper that scans rows into events.
func (db *DB) scanCommands(rows *sql.Rows) ([]commandRow, error) {
	var commands []commandRow

	for rows.Next() {
		var row commandRow
		var seq int64
		var shell string

		err := rows.Scan(
			&row.id,
			&row.event.StartMs,
			&row.event.DurationMs,
			&row.event.SessionID,
			&seq,
			&shell,
			&row.event.Cwd,
			&row.event.Command,
			&row.event.ExitCode,
			&row.event.IngestedMs,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan command row: %w", err)
		}
		row.event.Sequence = uint64(seq)
		row.event.Shell = event.ShellKind(shell)

		commands = append(commands, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command rows: %w", err)
	}

	return commands, nil
}

// scanPage returns up to limit rows with afterID < id <= maxID from
// segments newer than afterSegment, in id order.
func (db *DB) scanPage(ctx context.Context, afterSegment uint64, afterID, maxID int64, limit int) ([]commandRow, error) {
	rows, err := db.reader.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM commands WHERE wal_segment > ? AND id > ? AND id <= ? ORDER BY id LIMIT ?`,
		int64(afterSegment), afterID, maxID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan commands: %w", err)
	}
	defer rows.Close()
	return db.scanCommands(rows)
}

// maxID returns the newest row id, read through the writer.
func (db *DB) maxID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := db.writer.QueryRowContext(ctx, `SELECT MAX(id) FROM commands`).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to read max id: %w", err)
	}
	return id.Int64, nil
}

// topCommands reads the ranked counters.
func (db *DB) topCommands(ctx context.Context, prefix string, limit int) ([]CommandCount, error) {
	query := `SELECT cmd_text, count, last_ts FROM command_counts`
	var args []any
	if prefix != "" {
		cond, condArgs := prefixMatch("cmd_text", prefix)
		query += ` WHERE ` + cond
		args = append(args, condArgs...)
	}
	query += ` ORDER BY count DESC, cmd_text ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query command counts: %w", err)
	}
	defer rows.Close()

	var counts []CommandCount
	for rows.Next() {
		var c CommandCount
		var lastMs int64
		if err := rows.Scan(&c.Command, &c.Count, &lastMs); err != nil {
			return nil, fmt.Errorf("failed to scan command count: %w", err)
		}
		c.LastUsed = unixMilli(lastMs)
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating command counts: %w", err)
	}
	return counts, nil
}

func (db *DB) count(ctx context.Context) (int64, error) {
	var n int64
	if err := db.reader.QueryRowContext(ctx, `SELECT COUNT(*) FROM commands`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count commands: %w", err)
	}
	return n, nil
}

// prefixMatch returns a predicate selecting rows whose column starts with
// prefix. It is a byte range under the BINARY collation, so matching is
// case-sensitive and the column index serves it.
func prefixMatch(column, prefix string) (string, []any) {
	upper := []byte(prefix)
	for len(upper) > 0 && upper[len(upper)-1] == 0xff {
		upper = upper[:len(upper)-1]
	}
	if len(upper) == 0 {
		return column + " >= ?", []any{prefix}
	}
	upper[len(upper)-1]++
	return "(" + column + " >= ? AND " + column + " < ?)", []any{prefix, string(upper)}
}
