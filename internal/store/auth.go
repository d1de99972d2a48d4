package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/agroclima/quillota/internal/models"
)

func (s *Store) CreateUser(ctx context.Context, u models.User) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO users (login, email, password_hash, role, active)
		VALUES (?, ?, ?, ?, ?)
	`, u.Login, u.Email, u.PasswordHash, string(u.Role), u.Active)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetUserByLogin returns nil when the login is unknown.
func (s *Store) GetUserByLogin(ctx context.Context, login string) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, email, password_hash, role, active, last_login, created_at
		FROM users WHERE login = ?
	`, login)
	return scanUser(row)
}

func (s *Store) GetUser(ctx context.Context, id int64) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, login, email, password_hash, role, active, last_login, created_at
		FROM users WHERE id = ?
	`, id)
	return scanUser(row)
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	var role string
	err := row.Scan(&u.ID, &u.Login, &u.Email, &u.PasswordHash, &role, &u.Active, &u.LastLogin, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (s *Store) SetLastLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login = ? WHERE id = ?`, at.UTC(), userID)
	return err
}

func (s *Store) DeactivateUser(ctx context.Context, login string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET active = FALSE WHERE login = ?`, login)
	return err
}

func (s *Store) InsertSession(ctx context.Context, sess models.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, issued_at, expires_at, active, ip, user_agent)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sess.ID, sess.UserID, sess.IssuedAt.UTC(), sess.ExpiresAt.UTC(), sess.Active, sess.IP, sess.UserAgent)
	return err
}

// GetSession returns nil for unknown session ids.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, issued_at, expires_at, active, ip, user_agent
		FROM sessions WHERE id = ?
	`, id)

	var sess models.Session
	var ip, ua sql.NullString
	err := row.Scan(&sess.ID, &sess.UserID, &sess.IssuedAt, &sess.ExpiresAt, &sess.Active, &ip, &ua)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sess.IP = ip.String
	sess.UserAgent = ua.String
	return &sess, nil
}

func (s *Store) CloseSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sessions SET active = FALSE WHERE id = ?`, id)
	return err
}

// ReplacePermissions loads the configured permission matrix at startup.
func (s *Store) ReplacePermissions(ctx context.Context, perms []models.Permission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM permissions`); err != nil {
		return err
	}
	for _, p := range perms {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permissions (role, module, action) VALUES (?, ?, ?)
			ON CONFLICT(role, module, action) DO NOTHING
		`, string(p.Role), p.Module, p.Action); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) ListPermissions(ctx context.Context) ([]models.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, module, action FROM permissions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []models.Permission
	for rows.Next() {
		var p models.Permission
		var role string
		if err := rows.Scan(&role, &p.Module, &p.Action); err != nil {
			return nil, err
		}
		p.Role = models.Role(role)
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
