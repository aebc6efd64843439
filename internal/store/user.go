package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Account is an administrator login used by the token exchange endpoint.
type Account struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

func (s *Store) CreateAccount(username, passwordHash string) (*Account, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO accounts (username, password_hash, created_at) VALUES (?, ?, ?)`,
		username, passwordHash, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create account %s: %w", username, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &Account{
		ID:           id,
		Username:     username,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
	}, nil
}

// GetAccountByUsername returns nil without error when no such account exists.
func (s *Store) GetAccountByUsername(username string) (*Account, error) {
	var a Account
	err := s.db.QueryRow(
		`SELECT id, username, password_hash, active, created_at FROM accounts WHERE username = ?`,
		username,
	).Scan(&a.ID, &a.Username, &a.PasswordHash, &a.Active, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *Store) AccountCount() (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM accounts WHERE active = 1`).Scan(&count)
	return count, err
}
