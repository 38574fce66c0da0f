package datarecording

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"

	"github.com/sarchlab/coretiming/sim/timing"
)

// RecordedEvent is a fired event read back from a SQLite recording.
type RecordedEvent struct {
	Time     timing.Cycles
	Sequence uint64
	TypeName string
	Payload  uint64
	Lateness timing.Cycles
}

// EventQuery selects recorded events. The zero value selects all of them.
type EventQuery struct {
	// TypeName keeps only events of one type when set.
	TypeName string

	// Since and Until bound the firing time to [Since, Until). An Until of
	// zero leaves the range open.
	Since timing.Cycles
	Until timing.Cycles

	Limit  int
	Offset int
}

func (q EventQuery) where() (string, []any) {
	var (
		conds []string
		args  []any
	)

	if q.TypeName != "" {
		conds = append(conds, "TypeName = ?")
		args = append(args, q.TypeName)
	}

	if q.Since > 0 {
		conds = append(conds, "Time >= ?")
		args = append(args, q.Since)
	}

	if q.Until > 0 {
		conds = append(conds, "Time < ?")
		args = append(args, q.Until)
	}

	if len(conds) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conds, " AND "), args
}

// ExecProperty is one row of the exec_info table.
type ExecProperty struct {
	Property string
	Value    string
}

// EventReader reads the fired_events and exec_info tables of a recording.
type EventReader struct {
	db *sql.DB
}

// OpenEventReader opens an existing recording. It does not create the file.
func OpenEventReader(path string) (*EventReader, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	return &EventReader{db: db}, nil
}

// NewEventReaderWithDB creates an EventReader over an open database.
func NewEventReaderWithDB(db *sql.DB) *EventReader {
	return &EventReader{db: db}
}

// Query returns the selected events in firing order, which is time and then
// sequence, together with the number of events that match q before Limit
// and Offset apply.
func (r *EventReader) Query(
	ctx context.Context,
	q EventQuery,
) ([]RecordedEvent, int, error) {
	where, args := q.where()

	var total int

	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM "+FiredEventTable+where, args...).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("counting %s: %w", FiredEventTable, err)
	}

	query := "SELECT Time, Sequence, TypeName, Payload, Lateness FROM " +
		FiredEventTable + where + " ORDER BY Time, Sequence"

	// SQLite only accepts OFFSET after a LIMIT; -1 means no limit.
	switch {
	case q.Limit > 0:
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", q.Limit, q.Offset)
	case q.Offset > 0:
		query += fmt.Sprintf(" LIMIT -1 OFFSET %d", q.Offset)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("reading %s: %w", FiredEventTable, err)
	}
	defer rows.Close()

	var events []RecordedEvent

	for rows.Next() {
		var entry FiredEventEntry

		err := rows.Scan(&entry.Time, &entry.Sequence, &entry.TypeName,
			&entry.Payload, &entry.Lateness)
		if err != nil {
			return nil, 0, err
		}

		events = append(events, entry.recorded())
	}

	return events, total, rows.Err()
}

// TypeCounts returns how many events of each type were recorded.
func (r *EventReader) TypeCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT TypeName, COUNT(*) FROM "+FiredEventTable+" GROUP BY TypeName")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FiredEventTable, err)
	}
	defer rows.Close()

	counts := make(map[string]int)

	for rows.Next() {
		var (
			name  string
			count int
		)

		if err := rows.Scan(&name, &count); err != nil {
			return nil, err
		}

		counts[name] = count
	}

	return counts, rows.Err()
}

// ExecInfo returns the run description in the order it was written.
func (r *EventReader) ExecInfo(ctx context.Context) ([]ExecProperty, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT Property, Value FROM "+execInfoTable+" ORDER BY rowid")
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", execInfoTable, err)
	}
	defer rows.Close()

	var props []ExecProperty

	for rows.Next() {
		var p ExecProperty
		if err := rows.Scan(&p.Property, &p.Value); err != nil {
			return nil, err
		}

		props = append(props, p)
	}

	return props, rows.Err()
}

// Close closes the underlying database.
func (r *EventReader) Close() error {
	return r.db.Close()
}
