// Package storage - API user storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// API user errors
var (
	ErrAPIUserNotFound = errors.New("api user not found")
)

// APIUser is a downstream application identified by an opaque key.
type APIUser struct {
	ID          int64
	APIKey      string
	AllowedCoin []string // empty means no restriction
	IsSuspended bool
	CreatedDate time.Time
}

// CoinAllowed reports whether the user may operate on the given coin.
func (u *APIUser) CoinAllowed(coinName string) bool {
	if len(u.AllowedCoin) == 0 {
		return true
	}
	for _, c := range u.AllowedCoin {
		if c == coinName {
			return true
		}
	}
	return false
}

// AllowedCoinList returns the comma-joined allowed coins for messages.
func (u *APIUser) AllowedCoinList() string {
	return strings.Join(u.AllowedCoin, ",")
}

func splitAllowedCoins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	coins := make([]string, 0, len(parts))
	for _, p := range parts {
		if c := strings.TrimSpace(p); c != "" {
			coins = append(coins, c)
		}
	}
	return coins
}

// CreateAPIUser inserts a new API user. Users are created
// administratively; the daemon only reads them.
func (s *Storage) CreateAPIUser(u *APIUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CreatedDate.IsZero() {
		u.CreatedDate = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO api_users (api_key, allowed_coin, is_suspended, created_date)
		VALUES (?, ?, ?, ?)
	`, u.APIKey, strings.Join(u.AllowedCoin, ","), u.IsSuspended, u.CreatedDate.Unix())
	if err != nil {
		return fmt.Errorf("failed to create api user: %w", err)
	}

	u.ID, _ = res.LastInsertId()
	return nil
}

// GetAPIUserByKey resolves an Authorization header value to a user.
func (s *Storage) GetAPIUserByKey(apiKey string) (*APIUser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var u APIUser
	var allowed string
	var created sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, api_key, allowed_coin, is_suspended, created_date
		FROM api_users WHERE api_key = ?
	`, apiKey).Scan(&u.ID, &u.APIKey, &allowed, &u.IsSuspended, &created)

	if err == sql.ErrNoRows {
		return nil, ErrAPIUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get api user: %w", err)
	}

	u.AllowedCoin = splitAllowedCoins(allowed)
	if created.Valid {
		u.CreatedDate = time.Unix(created.Int64, 0)
	}

	return &u, nil
}
