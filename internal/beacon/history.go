package beacon

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500

	// Fixed width so that string comparison in SQL orders by time.
	historyTimeLayout = "2006-01-02T15:04:05.000000Z"
)

// HistoryEntry is a persisted presence event.
//
// Range events are high-volume and go to the time-series database instead,
// so history normally holds Enter, Exit and Error rows only.
type HistoryEntry struct {
	ID        string    `json:"id"`
	RegionID  string    `json:"region_id"`
	Kind      EventKind `json:"kind"`
	Distance  float64   `json:"distance,omitempty"`
	RSSI      int       `json:"rssi,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventHistory stores and retrieves presence event history.
type EventHistory interface {
	// Record persists an event. Region-less events are stored with an
	// empty region id.
	Record(ctx context.Context, event Event) error

	// GetHistory returns recent entries for a region, newest first.
	GetHistory(ctx context.Context, regionID string, limit int) ([]HistoryEntry, error)
}

// SQLiteEventHistory implements EventHistory using the beacon_events table.
type SQLiteEventHistory struct {
	db *sql.DB
}

// NewSQLiteEventHistory creates a new SQLite event history.
func NewSQLiteEventHistory(db *sql.DB) *SQLiteEventHistory {
	return &SQLiteEventHistory{db: db}
}

// Record inserts an event row.
func (h *SQLiteEventHistory) Record(ctx context.Context, event Event) error {
	if event.ID == "" {
		return fmt.Errorf("event id is required")
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	_, err := h.db.ExecContext(ctx,
		`INSERT INTO beacon_events (id, region_id, kind, distance, rssi, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.RegionID(),
		string(event.Kind),
		event.Distance,
		event.RSSI,
		event.ReasonText(),
		ts.UTC().Format(historyTimeLayout),
	)
	if err != nil {
		return fmt.Errorf("inserting beacon event: %w", err)
	}
	return nil
}

// GetHistory returns recent events for a region ordered newest first.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - regionID: Region identifier ("" selects region-less errors)
//   - limit: Maximum entries to return (default 50, max 500)
//
// Returns:
//   - []HistoryEntry: Entries ordered by created_at DESC
//   - error: nil on success, otherwise the underlying query error
func (h *SQLiteEventHistory) GetHistory(ctx context.Context, regionID string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	rows, err := h.db.QueryContext(ctx,
		`SELECT id, region_id, kind, distance, rssi, reason, created_at
		 FROM beacon_events
		 WHERE region_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`,
		regionID,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying beacon events: %w", err)
	}
	defer rows.Close()

	entries := make([]HistoryEntry, 0, limit)
	for rows.Next() {
		var (
			entry     HistoryEntry
			kind      string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.RegionID, &kind, &entry.Distance, &entry.RSSI, &entry.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning beacon event: %w", err)
		}
		entry.Kind = EventKind(kind)

		entry.CreatedAt, err = time.Parse(historyTimeLayout, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating beacon events: %w", err)
	}
	return entries, nil
}

// Prune deletes events older than the retention window.
//
// Returns the number of rows deleted.
func (h *SQLiteEventHistory) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}

	cutoff := time.Now().UTC().Add(-olderThan).Format(historyTimeLayout)
	result, err := h.db.ExecContext(ctx, "DELETE FROM beacon_events WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("deleting beacon events: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("checking rows affected: %w", err)
	}
	return n, nil
}
