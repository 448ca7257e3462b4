package table

import "strings"

// Info describes an edge database table
type Info struct {
	Name       string   // Table name
	Columns    []string // Column names in order
	PrimaryKey []string // Primary key column names
}

// Edge tables mirrored from the source database
var (
	Checkins = &Info{
		Name: "checkins",
		Columns: []string{
			"id", "agent_id", "shop_id", "timestamp", "latitude", "longitude",
			"photo_path", "notes", "status", "brand_id", "category_id", "product_id",
		},
		PrimaryKey: []string{"id"},
	}

	VisitResponses = &Info{
		Name:       "visit_responses",
		Columns:    []string{"id", "checkin_id", "visit_type", "responses", "converted", "already_betting", "created_at"},
		PrimaryKey: []string{"id"},
	}

	Shops = &Info{
		Name:       "shops",
		Columns:    []string{"id", "name", "address", "latitude", "longitude"},
		PrimaryKey: []string{"id"},
	}
)

// Derived tables, always rebuilt from scratch
var (
	AgentPerformance = &Info{
		Name:       "agent_performance",
		Columns:    []string{"agent_id", "agent_name", "checkin_count", "conversions", "conversion_rate"},
		PrimaryKey: []string{"agent_id"},
	}

	CheckinsByHour = &Info{
		Name:       "checkins_by_hour",
		Columns:    []string{"hour", "count"},
		PrimaryKey: []string{"hour"},
	}

	CheckinsByDay = &Info{
		Name:       "checkins_by_day",
		Columns:    []string{"day_num", "day_name", "count"},
		PrimaryKey: []string{"day_num"},
	}

	GeographicHotspots = &Info{
		Name:    "geographic_hotspots",
		Columns: []string{"latitude", "longitude", "count"},
	}
)

// CheckinsExport is the check-in layout written by the full export, photo payloads included
var CheckinsExport = &Info{
	Name: "checkins",
	Columns: []string{
		"id", "agent_id", "shop_id", "timestamp", "latitude", "longitude",
		"photo_path", "photo_base64", "additional_photos_base64",
		"notes", "status", "brand_id", "category_id", "product_id",
	},
	PrimaryKey: []string{"id"},
}

// UpsertSQL returns an insert-or-replace statement keyed by the primary key
func (t *Info) UpsertSQL() string {
	return "INSERT OR REPLACE INTO " + t.Name + " (" + strings.Join(t.Columns, ", ") + ") VALUES (" + t.placeholders() + ")"
}

// InsertSQL returns a plain insert statement
func (t *Info) InsertSQL() string {
	return "INSERT INTO " + t.Name + " (" + strings.Join(t.Columns, ", ") + ") VALUES (" + t.placeholders() + ")"
}

// DeleteAllSQL returns a statement clearing the table
func (t *Info) DeleteAllSQL() string {
	return "DELETE FROM " + t.Name
}

// SelectKeysSQL returns a statement listing primary key values
func (t *Info) SelectKeysSQL() string {
	return "SELECT " + strings.Join(t.PrimaryKey, ", ") + " FROM " + t.Name
}

func (t *Info) placeholders() string {
	p := make([]string, len(t.Columns))
	for i := range p {
		p[i] = "?"
	}
	return strings.Join(p, ", ")
}
