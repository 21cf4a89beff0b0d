// Package storage - Hold storage operations.
package storage

import (
	"fmt"
	"time"
)

// Hold is a time-bounded reservation against an address's balance. It
// reduces the spendable balance without moving funds until the sweep
// reaps it.
type Hold struct {
	ID           int64
	CoinName     string
	APIID        int64
	DepositID    int64 // deposit_addresses.id of the held address
	Address      string
	HoldAmount   float64
	TimeInsert   time.Time
	TimeExpiring time.Time
	Purpose      string
}

// InsertHold persists a hold and raises the address's amount_hold in the
// same transaction.
func (s *Storage) InsertHold(h *Hold) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h.TimeInsert.IsZero() {
		h.TimeInsert = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin hold transaction: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO holds (
			coin_name, api_id, deposit_id, address, hold_amount, time_insert, time_expiring, purpose
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, h.CoinName, h.APIID, h.DepositID, h.Address, h.HoldAmount, h.TimeInsert.Unix(), h.TimeExpiring.Unix(), h.Purpose)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert hold: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE deposit_addresses SET amount_hold = amount_hold + ? WHERE id = ?
	`, h.HoldAmount, h.DepositID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to raise amount_hold: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit hold transaction: %w", err)
	}

	h.ID, _ = res.LastInsertId()
	return nil
}

// SweepExpiredHolds releases every hold whose expiry has passed: each
// row's amount is subtracted from its address's amount_hold and the row
// deleted, all in one transaction. Returns the number of holds released.
func (s *Storage) SweepExpiredHolds(now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, deposit_id, hold_amount FROM holds WHERE time_expiring < ?
	`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to select expired holds: %w", err)
	}

	type expired struct {
		id        int64
		depositID int64
		amount    float64
	}
	var reap []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.depositID, &e.amount); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan expired hold: %w", err)
		}
		reap = append(reap, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read expired holds: %w", err)
	}

	if len(reap) == 0 {
		return 0, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("failed to begin sweep transaction: %w", err)
	}

	for _, e := range reap {
		res, err := tx.Exec(`DELETE FROM holds WHERE id = ?`, e.id)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to delete expired hold: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			continue
		}

		_, err = tx.Exec(`
			UPDATE deposit_addresses SET amount_hold = amount_hold - ? WHERE id = ?
		`, e.amount, e.depositID)
		if err != nil {
			tx.Rollback()
			return 0, fmt.Errorf("failed to lower amount_hold: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit sweep transaction: %w", err)
	}

	return len(reap), nil
}

// CountHolds returns the number of active holds for an address.
func (s *Storage) CountHolds(apiID int64, coinName, address string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM holds WHERE api_id = ? AND coin_name = ? AND address = ?
	`, apiID, coinName, address).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count holds: %w", err)
	}

	return count, nil
}
