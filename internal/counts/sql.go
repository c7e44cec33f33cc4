package counts

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	_ "modernc.org/sqlite"

	"github.com/rewired-gh/crimerisk/internal/logger"
	"github.com/rewired-gh/crimerisk/internal/models"
)

// Supported database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Weeks are stored as ISO date text so the same statements work on both drivers.
const schema = `
CREATE TABLE IF NOT EXISTS weekly_counts (
	neighborhood_id TEXT NOT NULL,
	week_start      TEXT NOT NULL,
	crime_type      TEXT NOT NULL,
	time_of_day     TEXT NOT NULL,
	count           DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (neighborhood_id, week_start, crime_type, time_of_day)
)`

const upsertQuery = `
INSERT INTO weekly_counts (neighborhood_id, week_start, crime_type, time_of_day, count)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (neighborhood_id, week_start, crime_type, time_of_day)
DO UPDATE SET count = excluded.count`

const baselineQuery = `
SELECT neighborhood_id, week_start, count
FROM weekly_counts
WHERE crime_type = 'all' AND time_of_day = 'all'
ORDER BY neighborhood_id, week_start`

// Open connects to a count database. sqlite databases are switched to WAL mode.
func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case DriverSQLite, DriverPostgres:
	default:
		return nil, fmt.Errorf("unsupported counts driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open counts database: %w", err)
	}

	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL: %w", err)
		}
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping counts database: %w", err)
	}
	return db, nil
}

// EnsureSchema creates the weekly_counts table if it does not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create weekly_counts: %w", err)
	}
	return nil
}

// Import upserts records into weekly_counts in a single transaction and
// returns the number of rows written.
func Import(ctx context.Context, db *sqlx.DB, records []models.WeeklyCount) (int, error) {
	if err := EnsureSchema(ctx, db); err != nil {
		return 0, err
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, tx.Rebind(upsertQuery))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer stmt.Close()

	n := 0
	for _, r := range records {
		if err := r.Validate(); err != nil {
			logger.Debug("Skipping invalid count for %s: %v", r.NeighborhoodID, err)
			continue
		}
		week := models.FormatDate(models.WeekStart(r.WeekStart))
		if _, err := stmt.ExecContext(ctx, r.NeighborhoodID, week, string(r.CrimeType), string(r.TimeOfDay), r.Count); err != nil {
			return 0, fmt.Errorf("failed to upsert count for %s %s: %w", r.NeighborhoodID, week, err)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit counts: %w", err)
	}
	return n, nil
}

type baselineRow struct {
	NeighborhoodID string  `db:"neighborhood_id"`
	WeekStart      string  `db:"week_start"`
	Count          float64 `db:"count"`
}

// LoadSQL reads the baseline rows of weekly_counts into a Store.
func LoadSQL(ctx context.Context, db *sqlx.DB) (*Store, error) {
	var rows []baselineRow
	if err := db.SelectContext(ctx, &rows, baselineQuery); err != nil {
		return nil, fmt.Errorf("failed to query weekly_counts: %w", err)
	}

	records := make([]models.WeeklyCount, 0, len(rows))
	for _, r := range rows {
		week, err := models.ParseDate(r.WeekStart)
		if err != nil {
			logger.Warn("Skipping weekly_counts row for %s: %v", r.NeighborhoodID, err)
			continue
		}
		records = append(records, models.WeeklyCount{
			NeighborhoodID: r.NeighborhoodID,
			WeekStart:      week,
			CrimeType:      models.CrimeAll,
			TimeOfDay:      models.TimeAll,
			Count:          r.Count,
		})
	}
	return NewStore(records), nil
}
