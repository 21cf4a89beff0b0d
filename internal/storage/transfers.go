// Package storage - Transfer storage operations.
package storage

import (
	"database/sql"
	"fmt"
	"time"
)

// Transfer is one internal ledger move between two owned addresses.
// Every row of a batch shares the batch's ref_uuid.
type Transfer struct {
	ID          int64
	APIID       int64
	FromAddress string
	ToAddress   string
	Amount      float64
	CoinName    string
	Purpose     string
	Timestamp   time.Time
	RefUUID     string

	// Counter targets, resolved from the address registry by the caller
	FromDepositID int64
	ToDepositID   int64
}

// InsertTransfers persists a whole transfer batch atomically: every row
// insert plus the sender and receiver counter bumps commit together or
// not at all.
func (s *Storage) InsertTransfers(transfers []*Transfer) error {
	if len(transfers) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transfer transaction: %w", err)
	}

	for _, t := range transfers {
		if t.Timestamp.IsZero() {
			t.Timestamp = time.Now()
		}

		res, err := tx.Exec(`
			INSERT INTO transfers (
				api_id, from_address, to_address, amount, coin_name, purpose, timestamp, ref_uuid
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, t.APIID, t.FromAddress, t.ToAddress, t.Amount, t.CoinName, t.Purpose, t.Timestamp.Unix(), t.RefUUID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert transfer: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE deposit_addresses
			SET total_sent = total_sent + ?, numb_sent = numb_sent + 1
			WHERE id = ?
		`, t.Amount, t.FromDepositID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to debit transfer sender: %w", err)
		}

		_, err = tx.Exec(`
			UPDATE deposit_addresses
			SET total_received = total_received + ?, numb_received = numb_received + 1
			WHERE id = ?
		`, t.Amount, t.ToDepositID)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to credit transfer receiver: %w", err)
		}

		t.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transfer transaction: %w", err)
	}

	return nil
}

// ListTransfersByRef returns all rows persisted under one batch ref.
func (s *Storage) ListTransfersByRef(refUUID string) ([]*Transfer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, api_id, from_address, to_address, amount, coin_name, purpose, timestamp, ref_uuid
		FROM transfers WHERE ref_uuid = ? ORDER BY id ASC
	`, refUUID)
	if err != nil {
		return nil, fmt.Errorf("failed to list transfers: %w", err)
	}
	defer rows.Close()

	var transfers []*Transfer
	for rows.Next() {
		var t Transfer
		var ts sql.NullInt64

		err := rows.Scan(&t.ID, &t.APIID, &t.FromAddress, &t.ToAddress, &t.Amount, &t.CoinName, &t.Purpose, &ts, &t.RefUUID)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transfer: %w", err)
		}

		if ts.Valid {
			t.Timestamp = time.Unix(ts.Int64, 0)
		}

		transfers = append(transfers, &t)
	}

	return transfers, rows.Err()
}
