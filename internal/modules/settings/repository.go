// Package settings implements the runtime-tunable key/value store.
// Values live in the settings table, are read through a short-lived
// memory cache and take precedence over compile-time defaults for
// every strategy knob.
package settings

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/database"
)

// Repository handles raw settings rows. Typed, cached access lives in
// Service; repositories stay string-in/string-out.
type Repository struct {
	db  *database.DB
	log zerolog.Logger
}

// NewRepository creates a new settings repository.
func NewRepository(db *database.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting value by key. Returns nil if the setting
// doesn't exist (not an error).
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a setting value. Description is optional; passing nil
// leaves an existing description untouched.
func (r *Repository) Set(key, value string, description *string) error {
	if description != nil {
		_, err := r.db.Exec(`
			INSERT INTO settings (key, value, description, updated_at)
			VALUES (?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(key) DO UPDATE SET
				value = excluded.value,
				description = excluded.description,
				updated_at = excluded.updated_at`,
			key, value, *description)
		if err != nil {
			return fmt.Errorf("failed to set setting %s: %w", key, err)
		}
		return nil
	}

	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// SetIfMissing inserts a key only when it does not exist yet. Used by
// the defaults seeder so user-tuned values survive restarts.
func (r *Repository) SetIfMissing(key, value, description string) error {
	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING`,
		key, value, description)
	if err != nil {
		return fmt.Errorf("failed to seed setting %s: %w", key, err)
	}
	return nil
}

// GetAll retrieves all settings as a map.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan setting row")
			continue
		}
		result[key] = value
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}

	return result, nil
}

// Delete removes a setting.
func (r *Repository) Delete(key string) error {
	_, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}
