package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/campaignloop/publisher/internal/models"
)

type ScheduleRuleRepository interface {
	GetByID(ctx context.Context, id int64) (*models.ScheduleRule, error)
	Create(ctx context.Context, rule *models.ScheduleRule) (int64, error)
	ListDueCandidates(ctx context.Context, before time.Time) ([]*models.ScheduleRule, error)
	UpdateRunTimes(ctx context.Context, tx *sql.Tx, id int64, lastRunAt, nextRunAt time.Time) error
	SetNextRun(ctx context.Context, id int64, nextRunAt time.Time) error
	SetActive(ctx context.Context, id int64, active bool) error
}

type scheduleRuleRepository struct {
	db *sql.DB
}

func NewScheduleRuleRepository(db *sql.DB) ScheduleRuleRepository {
	return &scheduleRuleRepository{db: db}
}

const scheduleRuleColumns = `id, user_id, platforms, frequency, time_of_day, timezone, days_of_week,
	start_date, end_date, is_active, autopost, generation_mode, content_seed,
	topic, tone, content_type, last_run_at, next_run_at, created_at, updated_at`

func scanScheduleRule(row interface{ Scan(...any) error }) (*models.ScheduleRule, error) {
	var r models.ScheduleRule
	err := row.Scan(&r.ID, &r.UserID, pq.Array(&r.Platforms), &r.Frequency, &r.TimeOfDay,
		&r.Timezone, pq.Array(&r.DaysOfWeek), &r.StartDate, &r.EndDate, &r.IsActive,
		&r.Autopost, &r.GenerationMode, &r.ContentSeed, &r.Topic, &r.Tone,
		&r.ContentType, &r.LastRunAt, &r.NextRunAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (r *scheduleRuleRepository) GetByID(ctx context.Context, id int64) (*models.ScheduleRule, error) {
	query := `SELECT ` + scheduleRuleColumns + ` FROM schedule_rules WHERE id = $1`
	rule, err := scanScheduleRule(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return rule, nil
}

func (r *scheduleRuleRepository) Create(ctx context.Context, rule *models.ScheduleRule) (int64, error) {
	query := `
		INSERT INTO schedule_rules (
			user_id, platforms, frequency, time_of_day, timezone, days_of_week,
			start_date, end_date, is_active, autopost, generation_mode,
			content_seed, topic, tone, content_type, next_run_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		rule.UserID,
		pq.Array(rule.Platforms),
		rule.Frequency,
		rule.TimeOfDay,
		rule.Timezone,
		pq.Array(rule.DaysOfWeek),
		rule.StartDate,
		rule.EndDate,
		rule.IsActive,
		rule.Autopost,
		rule.GenerationMode,
		rule.ContentSeed,
		rule.Topic,
		rule.Tone,
		rule.ContentType,
		rule.NextRunAt,
	).Scan(&id)
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

// ListDueCandidates over-approximates: it returns active rules whose next
// run is unset or within a day of the cutoff. The scheduler applies the
// precise timezone-local due check, which SQL cannot express per row.
func (r *scheduleRuleRepository) ListDueCandidates(ctx context.Context, before time.Time) ([]*models.ScheduleRule, error) {
	query := `SELECT ` + scheduleRuleColumns + `
		FROM schedule_rules
		WHERE is_active = true
		AND (next_run_at IS NULL OR next_run_at <= $1)
		ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, before.Add(24*time.Hour))
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var rules []*models.ScheduleRule
	for rows.Next() {
		rule, err := scanScheduleRule(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return rules, nil
}

func (r *scheduleRuleRepository) UpdateRunTimes(ctx context.Context, tx *sql.Tx, id int64, lastRunAt, nextRunAt time.Time) error {
	query := `
		UPDATE schedule_rules
		SET last_run_at = $1,
			next_run_at = $2,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $3
	`

	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, lastRunAt, nextRunAt, id)
	} else {
		_, err = r.db.ExecContext(ctx, query, lastRunAt, nextRunAt, id)
	}
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *scheduleRuleRepository) SetNextRun(ctx context.Context, id int64, nextRunAt time.Time) error {
	query := `UPDATE schedule_rules SET next_run_at = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, nextRunAt, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *scheduleRuleRepository) SetActive(ctx context.Context, id int64, active bool) error {
	query := `UPDATE schedule_rules SET is_active = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`
	_, err := r.db.ExecContext(ctx, query, active, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
