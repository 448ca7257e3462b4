// Package db reads from the relational source database.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/koltyakov/edgesync/internal/model"
)

// SourceTables are the tables the pipeline reads
var SourceTables = []string{"checkins", "visit_responses", "shops", "users"}

// Reader runs read-only queries against the source database
type Reader struct {
	db *sql.DB
}

// Open connects to the source database and verifies the connection
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to source database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping source database: %w", err)
	}

	return conn, nil
}

// NewReader creates a new source reader
func NewReader(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// GetTables returns all base tables visible in the current schema
func (r *Reader) GetTables(ctx context.Context) ([]string, error) {
	query := `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = current_schema() AND table_type = 'BASE TABLE'
		ORDER BY table_name`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (string, error) {
		var name string
		err := rows.Scan(&name)
		return name, err
	})
}

// RequireTables fails when any of the named tables is missing
func (r *Reader) RequireTables(ctx context.Context, names ...string) error {
	tables, err := r.GetTables(ctx)
	if err != nil {
		return fmt.Errorf("failed to query tables: %w", err)
	}

	present := make(map[string]bool, len(tables))
	for _, t := range tables {
		present[t] = true
	}

	var missing []string
	for _, name := range names {
		if !present[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("source database is missing tables: %s", strings.Join(missing, ", "))
	}
	return nil
}

const checkinColumns = `id, agent_id, shop_id, "timestamp", latitude, longitude,
		photo_path, notes, status, brand_id, category_id, product_id`

// Checkins returns check-ins at or after since; a zero since returns all of them
func (r *Reader) Checkins(ctx context.Context, since time.Time) ([]model.Checkin, error) {
	query := `SELECT ` + checkinColumns + ` FROM checkins`
	var args []any
	if !since.IsZero() {
		query += ` WHERE "timestamp" >= $1`
		args = append(args, since)
	}
	query += ` ORDER BY id`

	return collect(ctx, r.db, query, args, func(rows *sql.Rows) (model.Checkin, error) {
		var c model.Checkin
		err := rows.Scan(&c.ID, &c.AgentID, &c.ShopID, &c.Timestamp, &c.Latitude, &c.Longitude,
			&c.PhotoPath, &c.Notes, &c.Status, &c.BrandID, &c.CategoryID, &c.ProductID)
		return c, err
	})
}

// AllCheckins returns every check-in including inline photo payloads
func (r *Reader) AllCheckins(ctx context.Context) ([]model.Checkin, error) {
	query := `
		SELECT id, agent_id, shop_id, "timestamp", latitude, longitude,
		       photo_path, photo_base64, additional_photos_base64,
		       notes, status, brand_id, category_id, product_id
		FROM checkins
		ORDER BY id`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.Checkin, error) {
		var c model.Checkin
		err := rows.Scan(&c.ID, &c.AgentID, &c.ShopID, &c.Timestamp, &c.Latitude, &c.Longitude,
			&c.PhotoPath, &c.PhotoBase64, &c.AdditionalPhotosBase64,
			&c.Notes, &c.Status, &c.BrandID, &c.CategoryID, &c.ProductID)
		return c, err
	})
}

// VisitResponses returns responses created at or after since; a zero since returns all of them.
// Survey flags are derived before returning.
func (r *Reader) VisitResponses(ctx context.Context, since time.Time) ([]model.VisitResponse, error) {
	query := `SELECT id, checkin_id, visit_type, responses::text, created_at FROM visit_responses`
	var args []any
	if !since.IsZero() {
		query += ` WHERE created_at >= $1`
		args = append(args, since)
	}
	query += ` ORDER BY id`

	return collect(ctx, r.db, query, args, func(rows *sql.Rows) (model.VisitResponse, error) {
		var v model.VisitResponse
		if err := rows.Scan(&v.ID, &v.CheckinID, &v.VisitType, &v.Responses, &v.CreatedAt); err != nil {
			return v, err
		}
		v.Derive()
		return v, nil
	})
}

// AllVisitResponses returns every visit response with derived flags
func (r *Reader) AllVisitResponses(ctx context.Context) ([]model.VisitResponse, error) {
	return r.VisitResponses(ctx, time.Time{})
}

// Shops returns every shop
func (r *Reader) Shops(ctx context.Context) ([]model.Shop, error) {
	query := `SELECT id, name, address, latitude, longitude FROM shops ORDER BY id`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.Shop, error) {
		var s model.Shop
		err := rows.Scan(&s.ID, &s.Name, &s.Address, &s.Latitude, &s.Longitude)
		return s, err
	})
}

// AgentCheckinCounts counts check-ins per agent, busiest first
func (r *Reader) AgentCheckinCounts(ctx context.Context) ([]model.AgentCount, error) {
	query := `
		SELECT c.agent_id, u.name AS agent_name, COUNT(*) AS checkin_count
		FROM checkins c
		LEFT JOIN users u ON c.agent_id = u.id
		GROUP BY c.agent_id, u.name
		ORDER BY checkin_count DESC`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.AgentCount, error) {
		var a model.AgentCount
		err := rows.Scan(&a.AgentID, &a.AgentName, &a.CheckinCount)
		return a, err
	})
}

// AgentConversions counts converted visit responses per agent
func (r *Reader) AgentConversions(ctx context.Context) ([]model.AgentConversions, error) {
	query := `
		SELECT c.agent_id, COUNT(*) AS conversions
		FROM checkins c
		JOIN visit_responses vr ON c.id = vr.checkin_id
		WHERE vr.responses::text LIKE '%"converted": "yes"%' OR vr.responses::text LIKE '%"converted":"yes"%'
		GROUP BY c.agent_id`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.AgentConversions, error) {
		var a model.AgentConversions
		err := rows.Scan(&a.AgentID, &a.Conversions)
		return a, err
	})
}

// HourlyCounts buckets check-ins by hour of day
func (r *Reader) HourlyCounts(ctx context.Context) ([]model.HourBucket, error) {
	query := `
		SELECT EXTRACT(HOUR FROM "timestamp")::int AS hour, COUNT(*) AS count
		FROM checkins
		WHERE "timestamp" IS NOT NULL
		GROUP BY 1
		ORDER BY 1`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.HourBucket, error) {
		var h model.HourBucket
		err := rows.Scan(&h.Hour, &h.Count)
		return h, err
	})
}

// DailyCounts buckets check-ins by day of week, numbered 1 (Sunday) to 7
func (r *Reader) DailyCounts(ctx context.Context) ([]model.DayBucket, error) {
	query := `
		SELECT EXTRACT(DOW FROM "timestamp")::int + 1 AS day_num,
		       TRIM(TO_CHAR("timestamp", 'Day')) AS day_name,
		       COUNT(*) AS count
		FROM checkins
		WHERE "timestamp" IS NOT NULL
		GROUP BY 1, 2
		ORDER BY 1`

	return collect(ctx, r.db, query, nil, func(rows *sql.Rows) (model.DayBucket, error) {
		var d model.DayBucket
		err := rows.Scan(&d.DayNum, &d.DayName, &d.Count)
		return d, err
	})
}

// Hotspots ranks coordinate pairs by check-in count. Rows at latitude or
// longitude 0 mean no location was captured and are left out.
func (r *Reader) Hotspots(ctx context.Context, limit int) ([]model.Hotspot, error) {
	query := `
		SELECT latitude, longitude, COUNT(*) AS count
		FROM checkins
		WHERE latitude != 0 AND longitude != 0
		GROUP BY latitude, longitude
		ORDER BY count DESC
		LIMIT $1`

	return collect(ctx, r.db, query, []any{limit}, func(rows *sql.Rows) (model.Hotspot, error) {
		var h model.Hotspot
		err := rows.Scan(&h.Latitude, &h.Longitude, &h.Count)
		return h, err
	})
}

// PhotoRows returns check-ins that still carry an inline photo; limit <= 0 means no limit
func (r *Reader) PhotoRows(ctx context.Context, limit int) ([]model.PhotoRow, error) {
	query := `
		SELECT id, photo_base64
		FROM checkins
		WHERE photo_base64 IS NOT NULL AND photo_base64 != ''
		ORDER BY id`
	var args []any
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}

	return collect(ctx, r.db, query, args, func(rows *sql.Rows) (model.PhotoRow, error) {
		var p model.PhotoRow
		var photo sql.NullString
		err := rows.Scan(&p.ID, &photo)
		p.PhotoBase64 = photo.String
		return p, err
	})
}

// collect runs a query and scans every row with scan
func collect[T any](ctx context.Context, db *sql.DB, query string, args []any, scan func(*sql.Rows) (T, error)) ([]T, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, item)
	}

	return result, rows.Err()
}
