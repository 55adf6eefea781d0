package database

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
)

// UserProfile is the contact record of a local user, synced from the
// identity provider.
type UserProfile struct {
	UserID    string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UpsertUserProfile creates the profile or refreshes its email.
func (db *DB) UpsertUserProfile(ctx context.Context, userID, email string) (*UserProfile, error) {
	var p UserProfile
	err := db.pool.QueryRow(ctx,
		`INSERT INTO user_profiles (user_id, email)
		 VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET email = EXCLUDED.email, updated_at = NOW()
		 RETURNING user_id, email, created_at, updated_at`,
		userID, email,
	).Scan(&p.UserID, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetUserProfile retrieves a profile by user ID.
func (db *DB) GetUserProfile(ctx context.Context, userID string) (*UserProfile, error) {
	var p UserProfile
	err := db.pool.QueryRow(ctx,
		`SELECT user_id, email, created_at, updated_at
		 FROM user_profiles WHERE user_id = $1`,
		userID,
	).Scan(&p.UserID, &p.Email, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeleteUserProfile deletes a profile by user ID.
func (db *DB) DeleteUserProfile(ctx context.Context, userID string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM user_profiles WHERE user_id = $1`,
		userID,
	)
	return err
}
