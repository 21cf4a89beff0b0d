// Package storage - Deposit address storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Deposit address errors
var (
	ErrAddressNotFound = errors.New("deposit address not found")
)

// DepositAddress is one minted address with its materialized balance
// counters. Rows are created once and never deleted.
type DepositAddress struct {
	ID           int64
	APIID        int64
	CoinName     string
	CreatedDate  time.Time
	Address      string
	AddressExtra string // payment id for integrated-address families
	PrivateKey   string // BTC family only
	Tag          string
	SecondTag    string

	// Aggregate counters, maintained transactionally with their events
	TotalDeposited float64
	NumbDeposit    int64
	TotalReceived  float64
	NumbReceived   int64
	TotalSent      float64
	NumbSent       int64
	TotalWithdrew  float64
	NumbWithdrew   int64
	AmountHold     float64
}

// Balance derives the spendable balance from the counters.
func (a *DepositAddress) Balance() float64 {
	return a.TotalDeposited + a.TotalReceived - a.TotalSent - a.TotalWithdrew - a.AmountHold
}

const depositAddressColumns = `
	id, api_id, coin_name, created_date, address, address_extra, private_key, tag, second_tag,
	total_deposited, numb_deposit, total_received, numb_received,
	total_sent, numb_sent, total_withdrew, numb_withdrew, amount_hold`

func scanDepositAddress(row interface{ Scan(...interface{}) error }) (*DepositAddress, error) {
	var a DepositAddress
	var created sql.NullInt64

	err := row.Scan(
		&a.ID, &a.APIID, &a.CoinName, &created, &a.Address, &a.AddressExtra, &a.PrivateKey, &a.Tag, &a.SecondTag,
		&a.TotalDeposited, &a.NumbDeposit, &a.TotalReceived, &a.NumbReceived,
		&a.TotalSent, &a.NumbSent, &a.TotalWithdrew, &a.NumbWithdrew, &a.AmountHold,
	)
	if err != nil {
		return nil, err
	}

	if created.Valid {
		a.CreatedDate = time.Unix(created.Int64, 0)
	}

	return &a, nil
}

// CreateDepositAddress persists a freshly minted address.
func (s *Storage) CreateDepositAddress(a *DepositAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if a.CreatedDate.IsZero() {
		a.CreatedDate = time.Now()
	}

	res, err := s.db.Exec(`
		INSERT INTO deposit_addresses (
			api_id, coin_name, created_date, address, address_extra, private_key, tag, second_tag
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, a.APIID, a.CoinName, a.CreatedDate.Unix(), a.Address, a.AddressExtra, a.PrivateKey, a.Tag, a.SecondTag)
	if err != nil {
		return fmt.Errorf("failed to create deposit address: %w", err)
	}

	a.ID, _ = res.LastInsertId()
	return nil
}

// GetAddressByTag finds the address a user minted under a tag, if any.
func (s *Storage) GetAddressByTag(apiID int64, coinName, tag string) (*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT `+depositAddressColumns+`
		FROM deposit_addresses WHERE api_id = ? AND coin_name = ? AND tag = ?
	`, apiID, coinName, tag)

	a, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address by tag: %w", err)
	}

	return a, nil
}

// GetAddressForAPI retrieves one owned address row with its counters.
func (s *Storage) GetAddressForAPI(apiID int64, coinName, address string) (*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT `+depositAddressColumns+`
		FROM deposit_addresses WHERE api_id = ? AND coin_name = ? AND address = ?
	`, apiID, coinName, address)

	a, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address: %w", err)
	}

	return a, nil
}

// GetAddressByID retrieves one address row by primary key.
func (s *Storage) GetAddressByID(id int64) (*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+depositAddressColumns+` FROM deposit_addresses WHERE id = ?`, id)

	a, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get address by id: %w", err)
	}

	return a, nil
}

// UpdateSecondTag records a correlation token supplied after minting.
func (s *Storage) UpdateSecondTag(id int64, secondTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE deposit_addresses SET second_tag = ? WHERE id = ?`, secondTag, id)
	if err != nil {
		return fmt.Errorf("failed to update second tag: %w", err)
	}

	return nil
}

// AddressFilter defines filters for listing deposit addresses.
type AddressFilter struct {
	APIID    int64
	CoinName string
	Limit    int
}

// ListAddresses returns addresses matching the filter, newest first.
func (s *Storage) ListAddresses(filter AddressFilter) ([]*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT ` + depositAddressColumns + ` FROM deposit_addresses WHERE 1=1`
	args := []interface{}{}

	if filter.APIID != 0 {
		query += " AND api_id = ?"
		args = append(args, filter.APIID)
	}
	if filter.CoinName != "" {
		query += " AND coin_name = ?"
		args = append(args, filter.CoinName)
	}

	query += " ORDER BY id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list addresses: %w", err)
	}
	defer rows.Close()

	var addresses []*DepositAddress
	for rows.Next() {
		a, err := scanDepositAddress(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan address: %w", err)
		}
		addresses = append(addresses, a)
	}

	return addresses, rows.Err()
}

// RegistryEntry is the slim ownership record the in-process address
// registry is built from.
type RegistryEntry struct {
	ID           int64
	APIID        int64
	CoinName     string
	Address      string
	AddressExtra string
}

// AllRegistryEntries streams every address for the registry snapshot.
func (s *Storage) AllRegistryEntries() ([]*RegistryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT id, api_id, coin_name, address, address_extra FROM deposit_addresses`)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry entries: %w", err)
	}
	defer rows.Close()

	var entries []*RegistryEntry
	for rows.Next() {
		var e RegistryEntry
		if err := rows.Scan(&e.ID, &e.APIID, &e.CoinName, &e.Address, &e.AddressExtra); err != nil {
			return nil, fmt.Errorf("failed to scan registry entry: %w", err)
		}
		entries = append(entries, &e)
	}

	return entries, rows.Err()
}

// FindAddressByExtra resolves an integrated-address deposit to its owner.
func (s *Storage) FindAddressByExtra(coinName, extra string) (*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT `+depositAddressColumns+`
		FROM deposit_addresses WHERE coin_name = ? AND address_extra = ?
	`, coinName, extra)

	a, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find address by extra: %w", err)
	}

	return a, nil
}

// FindAddressByAddress resolves a plain-address deposit to its owner.
func (s *Storage) FindAddressByAddress(coinName, address string) (*DepositAddress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT `+depositAddressColumns+`
		FROM deposit_addresses WHERE coin_name = ? AND address = ?
	`, coinName, address)

	a, err := scanDepositAddress(row)
	if err == sql.ErrNoRows {
		return nil, ErrAddressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find address: %w", err)
	}

	return a, nil
}
