// Package storage - Withdraw storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Withdraw errors
var (
	ErrWithdrawNotFound = errors.New("withdraw not found")
)

// Withdraw is one outbound transaction broadcast by a wallet daemon.
// A row exists only when the daemon returned a transaction hash.
type Withdraw struct {
	ID            int64
	APIID         int64
	CoinName      string
	FromAddress   string
	Amount        float64
	FeeAndTax     float64
	FromDepositID int64 // deposit_addresses.id of the sender
	ToAddress     string
	TxID          string
	TxKey         string // XMR family transaction key, empty elsewhere
	Timestamp     time.Time
	Remark        string
	RefUUID       string

	// Joined from deposit_addresses for list reads
	Tag       string
	SecondTag string
}

// InsertWithdraw persists a broadcast withdrawal and debits the sender's
// counters (amount plus fee) in the same transaction.
func (s *Storage) InsertWithdraw(w *Withdraw) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if w.Timestamp.IsZero() {
		w.Timestamp = time.Now()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin withdraw transaction: %w", err)
	}

	var txKey interface{}
	if w.TxKey != "" {
		txKey = w.TxKey
	}

	res, err := tx.Exec(`
		INSERT INTO withdraws (
			api_id, coin_name, from_address, amount, fee_and_tax, from_deposit_id,
			to_address, txid, tx_key, timestamp, remark, ref_uuid
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		w.APIID, w.CoinName, w.FromAddress, w.Amount, w.FeeAndTax, w.FromDepositID,
		w.ToAddress, w.TxID, txKey, w.Timestamp.Unix(), w.Remark, w.RefUUID,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to insert withdraw: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE deposit_addresses
		SET total_withdrew = total_withdrew + ?, numb_withdrew = numb_withdrew + 1
		WHERE id = ?
	`, w.Amount+w.FeeAndTax, w.FromDepositID)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to debit withdraw counters: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit withdraw transaction: %w", err)
	}

	w.ID, _ = res.LastInsertId()
	return nil
}

// WithdrawFilter defines filters for listing withdraws.
type WithdrawFilter struct {
	APIID       int64
	CoinName    string
	FromAddress string
	Limit       int
}

// ListWithdraws returns withdraws matching the filter, newest first.
func (s *Storage) ListWithdraws(filter WithdrawFilter) ([]*Withdraw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT w.id, w.api_id, w.coin_name, w.from_address, w.amount, w.fee_and_tax, w.from_deposit_id,
			w.to_address, w.txid, w.tx_key, w.timestamp, w.remark, w.ref_uuid,
			da.tag, da.second_tag
		FROM withdraws w
		JOIN deposit_addresses da ON da.id = w.from_deposit_id
		WHERE w.api_id = ? AND w.coin_name = ?
	`
	args := []interface{}{filter.APIID, filter.CoinName}

	if filter.FromAddress != "" {
		query += " AND w.from_address = ?"
		args = append(args, filter.FromAddress)
	}

	query += " ORDER BY w.id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdraws: %w", err)
	}
	defer rows.Close()

	var withdraws []*Withdraw
	for rows.Next() {
		var w Withdraw
		var ts sql.NullInt64
		var txKey sql.NullString

		err := rows.Scan(
			&w.ID, &w.APIID, &w.CoinName, &w.FromAddress, &w.Amount, &w.FeeAndTax, &w.FromDepositID,
			&w.ToAddress, &w.TxID, &txKey, &ts, &w.Remark, &w.RefUUID,
			&w.Tag, &w.SecondTag,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan withdraw: %w", err)
		}

		if ts.Valid {
			w.Timestamp = time.Unix(ts.Int64, 0)
		}
		if txKey.Valid {
			w.TxKey = txKey.String
		}

		withdraws = append(withdraws, &w)
	}

	return withdraws, rows.Err()
}
