package duckdb

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/netos-community/appcatalog/internal/model"
)

// TableRowCounts returns the row count of each canonical table that exists.
// Missing tables are absent from the map. An error means the database could
// not be read at all.
func (s *Store) TableRowCounts() (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotReady
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_schema = 'main'")
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	present := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return nil, err
		}
		present[name] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64, len(model.CanonicalTables))
	for _, table := range model.CanonicalTables {
		if !present[table] {
			continue
		}
		var count int64
		// Table names are hardcoded constants, not user input.
		if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", table)).Scan(&count); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = count
	}
	return counts, nil
}

// CreateUser inserts u. Username and email must both be unused.
func (s *Store) CreateUser(u model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotReady
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	var existing string
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM users WHERE username = ? OR email = ?", u.Username, u.Email).Scan(&existing)
	switch {
	case err == nil:
		return model.ErrConflict
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("check existing user: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO users (id, username, email, password_hash, created_at, is_admin)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.Username, u.Email, u.PasswordHash, u.CreatedAt, u.IsAdmin)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// UserByUsername looks up an account by username.
func (s *Store) UserByUsername(username string) (model.User, error) {
	return s.queryUser("SELECT id, username, email, password_hash, created_at, is_admin FROM users WHERE username = ?", username)
}

// UserByID looks up an account by id.
func (s *Store) UserByID(id string) (model.User, error) {
	return s.queryUser("SELECT id, username, email, password_hash, created_at, is_admin FROM users WHERE id = ?", id)
}

func (s *Store) queryUser(query string, arg string) (model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return model.User{}, ErrNotReady
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	var u model.User
	err := s.db.QueryRowContext(ctx, query, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.IsAdmin)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, model.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("query user: %w", err)
	}
	return u, nil
}

// CreateApp inserts a catalog entry.
func (s *Store) CreateApp(a model.App) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrNotReady
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO apps (id, name, description, author, version, category, tags,
		                   download_count, rating, file_path, icon_path,
		                   created_at, updated_at, is_approved, user_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, a.Description, a.Author, a.Version, a.Category, strings.Join(a.Tags, ","),
		a.DownloadCount, a.Rating, a.FilePath, a.IconPath,
		a.CreatedAt, a.UpdatedAt, a.IsApproved, a.UserID)
	if err != nil {
		return fmt.Errorf("insert app: %w", err)
	}
	return nil
}

// ListApprovedApps returns approved catalog entries, newest first.
func (s *Store) ListApprovedApps() ([]model.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, ErrNotReady
	}

	ctx, cancel := s.queryCtx()
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, author, version, category, tags,
		        download_count, rating, file_path, icon_path,
		        created_at, updated_at, is_approved, user_id
		 FROM apps WHERE is_approved ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()

	var apps []model.App
	for rows.Next() {
		var (
			a    model.App
			tags string
		)
		if err := rows.Scan(&a.ID, &a.Name, &a.Description, &a.Author, &a.Version, &a.Category, &tags,
			&a.DownloadCount, &a.Rating, &a.FilePath, &a.IconPath,
			&a.CreatedAt, &a.UpdatedAt, &a.IsApproved, &a.UserID); err != nil {
			return nil, err
		}
		if tags != "" {
			a.Tags = strings.Split(tags, ",")
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}
