package beacon

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RegionRepository persists monitored regions so they survive restarts.
//
// Implementations must be thread-safe.
type RegionRepository interface {
	// Save upserts a region keyed by identifier.
	Save(ctx context.Context, region Region) error

	// Delete removes a region. Returns ErrRegionNotFound if absent.
	Delete(ctx context.Context, identifier string) error

	// List returns all persisted regions ordered by identifier.
	List(ctx context.Context) ([]Region, error)
}

// SQLiteRegionRepository implements RegionRepository using the regions table.
type SQLiteRegionRepository struct {
	db *sql.DB
}

// NewSQLiteRegionRepository creates a new SQLite region repository.
func NewSQLiteRegionRepository(db *sql.DB) *SQLiteRegionRepository {
	return &SQLiteRegionRepository{db: db}
}

// Save upserts a region.
//
// Parameters:
//   - ctx: Context for cancellation and timeout
//   - region: Region to persist; validated before writing
//
// Returns:
//   - error: Wraps ErrInvalidRegion, or the underlying database error
func (r *SQLiteRegionRepository) Save(ctx context.Context, region Region) error {
	if err := ValidateRegion(region); err != nil {
		return err
	}

	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO regions (identifier, uuid, major, minor, measured_power, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(identifier) DO UPDATE SET
			uuid = excluded.uuid,
			major = excluded.major,
			minor = excluded.minor,
			measured_power = excluded.measured_power,
			updated_at = excluded.updated_at`,
		region.Identifier,
		region.UUID.String(),
		nullableUint16(region.Major),
		nullableUint16(region.Minor),
		nullableInt(region.MeasuredPower),
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("saving region: %w", err)
	}
	return nil
}

// Delete removes a region by identifier.
func (r *SQLiteRegionRepository) Delete(ctx context.Context, identifier string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM regions WHERE identifier = ?", identifier)
	if err != nil {
		return fmt.Errorf("deleting region: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrRegionNotFound
	}
	return nil
}

// List returns all persisted regions ordered by identifier.
func (r *SQLiteRegionRepository) List(ctx context.Context) ([]Region, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT identifier, uuid, major, minor, measured_power
		 FROM regions
		 ORDER BY identifier`)
	if err != nil {
		return nil, fmt.Errorf("querying regions: %w", err)
	}
	defer rows.Close()

	var regions []Region
	for rows.Next() {
		var (
			region       Region
			rawUUID      string
			major, minor sql.NullInt64
			power        sql.NullInt64
		)
		if err := rows.Scan(&region.Identifier, &rawUUID, &major, &minor, &power); err != nil {
			return nil, fmt.Errorf("scanning region: %w", err)
		}

		region.UUID, err = uuid.Parse(rawUUID)
		if err != nil {
			return nil, fmt.Errorf("parsing region %s uuid: %w", region.Identifier, err)
		}
		if major.Valid {
			v := uint16(major.Int64) //nolint:gosec // column is CHECK-constrained to uint16
			region.Major = &v
		}
		if minor.Valid {
			v := uint16(minor.Int64) //nolint:gosec // column is CHECK-constrained to uint16
			region.Minor = &v
		}
		if power.Valid {
			v := int(power.Int64)
			region.MeasuredPower = &v
		}

		regions = append(regions, region)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating regions: %w", err)
	}
	return regions, nil
}

func nullableUint16(v *uint16) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return int64(*v)
}
