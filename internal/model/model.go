// Package model holds the rows read from the source database and written to
// the edge database. Values() always follows the column order of the matching
// table.Info definition.
package model

import (
	"time"

	"github.com/koltyakov/edgesync/internal/normalize"
)

// Row is anything the pipeline can write to an edge table
type Row interface {
	Key() any
	Values() []any
}

// Checkin is a field visit captured by an agent
type Checkin struct {
	ID         int64
	AgentID    *int64
	ShopID     *int64
	Timestamp  *time.Time
	Latitude   *float64
	Longitude  *float64
	PhotoPath  *string
	Notes      *string
	Status     *string
	BrandID    *int64
	CategoryID *int64
	ProductID  *int64

	// Populated only by the full export
	PhotoBase64            *string
	AdditionalPhotosBase64 *string
}

func (c Checkin) Key() any { return c.ID }

func (c Checkin) Values() []any {
	return []any{
		c.ID, c.AgentID, c.ShopID, c.Timestamp, c.Latitude, c.Longitude,
		c.PhotoPath, c.Notes, c.Status, c.BrandID, c.CategoryID, c.ProductID,
	}
}

// ExportValues follows table.CheckinsExport
func (c Checkin) ExportValues() []any {
	return []any{
		c.ID, c.AgentID, c.ShopID, c.Timestamp, c.Latitude, c.Longitude,
		c.PhotoPath, c.PhotoBase64, c.AdditionalPhotosBase64,
		c.Notes, c.Status, c.BrandID, c.CategoryID, c.ProductID,
	}
}

// VisitResponse is a survey filled in during a check-in
type VisitResponse struct {
	ID        int64
	CheckinID *int64
	VisitType *string
	Responses *string
	CreatedAt *time.Time

	Flags normalize.Flags
}

// Derive fills the cached survey flags from the raw payload
func (v *VisitResponse) Derive() {
	payload := ""
	if v.Responses != nil {
		payload = *v.Responses
	}
	v.Flags = normalize.Survey(payload)
}

func (v VisitResponse) Key() any { return v.ID }

func (v VisitResponse) Values() []any {
	return []any{
		v.ID, v.CheckinID, v.VisitType, v.Responses,
		v.Flags.Converted, v.Flags.AlreadyBetting, v.CreatedAt,
	}
}

// Shop is a retail location visited by agents
type Shop struct {
	ID        int64
	Name      *string
	Address   *string
	Latitude  *float64
	Longitude *float64
}

func (s Shop) Key() any { return s.ID }

func (s Shop) Values() []any {
	return []any{s.ID, s.Name, s.Address, s.Latitude, s.Longitude}
}

// AgentCount is the raw per-agent check-in count
type AgentCount struct {
	AgentID      *int64
	AgentName    *string
	CheckinCount int64
}

// AgentConversions counts converted visit responses per agent
type AgentConversions struct {
	AgentID     *int64
	Conversions int64
}

// AgentPerformance is one row of the agent leaderboard
type AgentPerformance struct {
	AgentID        *int64
	AgentName      *string
	CheckinCount   int64
	Conversions    int64
	ConversionRate float64
}

func (a AgentPerformance) Key() any { return a.AgentID }

func (a AgentPerformance) Values() []any {
	return []any{a.AgentID, a.AgentName, a.CheckinCount, a.Conversions, a.ConversionRate}
}

// HourBucket counts check-ins per hour of day (0-23)
type HourBucket struct {
	Hour  int
	Count int64
}

func (h HourBucket) Key() any { return h.Hour }

func (h HourBucket) Values() []any { return []any{h.Hour, h.Count} }

// DayBucket counts check-ins per day of week, 1 is Sunday
type DayBucket struct {
	DayNum  int
	DayName string
	Count   int64
}

func (d DayBucket) Key() any { return d.DayNum }

func (d DayBucket) Values() []any { return []any{d.DayNum, d.DayName, d.Count} }

// Hotspot is a coordinate pair ranked by check-in count
type Hotspot struct {
	Latitude  float64
	Longitude float64
	Count     int64
}

func (h Hotspot) Key() any { return [2]float64{h.Latitude, h.Longitude} }

func (h Hotspot) Values() []any { return []any{h.Latitude, h.Longitude, h.Count} }

// PhotoRow is a check-in photo still stored inline in the source database
type PhotoRow struct {
	ID          int64
	PhotoBase64 string
}
