package models

import (
	"database/sql"
	"time"
)

type ScheduleRule struct {
	ID             int64          `db:"id" json:"id"`
	UserID         int64          `db:"user_id" json:"user_id"`
	Platforms      []string       `db:"platforms" json:"platforms"`
	Frequency      string         `db:"frequency" json:"frequency"` // daily, weekly, monthly
	TimeOfDay      string         `db:"time_of_day" json:"time_of_day"`
	Timezone       string         `db:"timezone" json:"timezone"`
	DaysOfWeek     []int64        `db:"days_of_week" json:"days_of_week"` // 0=Monday..6=Sunday, weekly only
	StartDate      time.Time      `db:"start_date" json:"start_date"`
	EndDate        sql.NullTime   `db:"end_date" json:"end_date"`
	IsActive       bool           `db:"is_active" json:"is_active"`
	Autopost       bool           `db:"autopost" json:"autopost"`
	GenerationMode string         `db:"generation_mode" json:"generation_mode"` // automatic, fixed
	ContentSeed    string         `db:"content_seed" json:"content_seed"`
	Topic          string         `db:"topic" json:"topic"`
	Tone           string         `db:"tone" json:"tone"`
	ContentType    string         `db:"content_type" json:"content_type"`
	LastRunAt      sql.NullTime   `db:"last_run_at" json:"last_run_at"`
	NextRunAt      sql.NullTime   `db:"next_run_at" json:"next_run_at"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time      `db:"updated_at" json:"updated_at"`
}

const (
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

const (
	GenerationModeAutomatic = "automatic"
	GenerationModeFixed     = "fixed"
)
