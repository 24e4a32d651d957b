package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/campaignloop/publisher/internal/models"
)

type SocialAccountRepository interface {
	GetByID(ctx context.Context, id int64) (*models.SocialAccount, error)
	Create(ctx context.Context, tx *sql.Tx, sa *models.SocialAccount) (int64, error)
	ListPublishable(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error)
	ListExpiring(ctx context.Context, withRefreshToken bool, before time.Time) ([]*models.SocialAccount, error)
	ListNeedingReconnection(ctx context.Context) ([]*models.SocialAccount, error)
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error
	FlagReconnection(ctx context.Context, id int64, reason string) error
	Remove(ctx context.Context, id int64) error
}

type socialAccountRepository struct {
	db *sql.DB
}

func NewSocialAccountRepository(db *sql.DB) SocialAccountRepository {
	return &socialAccountRepository{db: db}
}

const socialAccountColumns = `id, user_id, platform, account_name, account_username,
	access_token, refresh_token, token_expires_at, is_active,
	needs_reconnection, reconnection_reason, created_at, updated_at`

func scanSocialAccount(row interface{ Scan(...any) error }) (*models.SocialAccount, error) {
	var sa models.SocialAccount
	err := row.Scan(&sa.ID, &sa.UserID, &sa.Platform, &sa.AccountName, &sa.AccountUsername,
		&sa.AccessToken, &sa.RefreshToken, &sa.TokenExpiresAt, &sa.IsActive,
		&sa.NeedsReconnection, &sa.ReconnectionReason, &sa.CreatedAt, &sa.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (r *socialAccountRepository) GetByID(ctx context.Context, id int64) (*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + ` FROM social_accounts WHERE id = $1`
	sa, err := scanSocialAccount(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		slog.Info(err.Error())
		return nil, err
	}
	return sa, nil
}

func (r *socialAccountRepository) Create(ctx context.Context, tx *sql.Tx, sa *models.SocialAccount) (int64, error) {
	query := `
		INSERT INTO social_accounts (
			user_id, platform, account_name, account_username,
			access_token, refresh_token, token_expires_at, is_active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	var id int64
	var err error

	if tx != nil {
		err = tx.QueryRowContext(ctx, query, sa.UserID, sa.Platform, sa.AccountName,
			sa.AccountUsername, sa.AccessToken, sa.RefreshToken, sa.TokenExpiresAt, sa.IsActive).Scan(&id)
	} else {
		err = r.db.QueryRowContext(ctx, query, sa.UserID, sa.Platform, sa.AccountName,
			sa.AccountUsername, sa.AccessToken, sa.RefreshToken, sa.TokenExpiresAt, sa.IsActive).Scan(&id)
	}
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}

	return id, nil
}

// ListPublishable returns the owner's active accounts on the given platforms
// that are not flagged for reconnection. These are the only accounts the
// materializer and publisher are allowed to touch.
func (r *socialAccountRepository) ListPublishable(ctx context.Context, userID int64, platforms []string) ([]*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + `
		FROM social_accounts
		WHERE user_id = $1
		AND platform = ANY($2)
		AND is_active = true
		AND needs_reconnection = false
		ORDER BY id`

	return r.listAccounts(ctx, query, userID, pq.Array(platforms))
}

func (r *socialAccountRepository) ListExpiring(ctx context.Context, withRefreshToken bool, before time.Time) ([]*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + `
		FROM social_accounts
		WHERE is_active = true
		AND needs_reconnection = false
		AND token_expires_at <= $1
		AND (($2 AND refresh_token <> '') OR (NOT $2 AND refresh_token = ''))
		ORDER BY token_expires_at`

	return r.listAccounts(ctx, query, before, withRefreshToken)
}

func (r *socialAccountRepository) ListNeedingReconnection(ctx context.Context) ([]*models.SocialAccount, error) {
	query := `SELECT ` + socialAccountColumns + `
		FROM social_accounts
		WHERE needs_reconnection = true
		ORDER BY updated_at DESC`

	return r.listAccounts(ctx, query)
}

func (r *socialAccountRepository) listAccounts(ctx context.Context, query string, args ...any) ([]*models.SocialAccount, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	defer rows.Close()

	var accounts []*models.SocialAccount
	for rows.Next() {
		sa, err := scanSocialAccount(rows)
		if err != nil {
			slog.Info(err.Error())
			return nil, err
		}
		accounts = append(accounts, sa)
	}
	if err := rows.Err(); err != nil {
		slog.Info(err.Error())
		return nil, err
	}
	return accounts, nil
}

// UpdateTokens keeps the previous refresh token when the platform did not
// rotate it, so a partial rotation never wipes working credentials.
func (r *socialAccountRepository) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time) error {
	query := `
		UPDATE social_accounts
		SET access_token = COALESCE(NULLIF($2, ''), access_token),
			refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
			token_expires_at = $4,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, accessToken, refreshToken, expiresAt)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

// FlagReconnection marks the account as unusable until a human reconnects
// it. The account also drops out of scheduling (is_active = false) but is
// never deleted here.
func (r *socialAccountRepository) FlagReconnection(ctx context.Context, id int64, reason string) error {
	query := `
		UPDATE social_accounts
		SET needs_reconnection = true,
			reconnection_reason = $2,
			is_active = false,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, id, reason)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}

func (r *socialAccountRepository) Remove(ctx context.Context, id int64) error {
	query := `DELETE FROM social_accounts WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		slog.Info(err.Error())
		return err
	}
	return nil
}
