// Package storage - Deposit storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Deposit errors
var (
	ErrDepositNotFound = errors.New("deposit not found")
)

// Credit states for a deposit.
const (
	CreditNo  = "NO"  // seen on chain, not yet spendable
	CreditYes = "YES" // confirmed, credited to the owner
)

// Deposit is one incoming transfer observed on chain.
type Deposit struct {
	ID            int64
	CoinName      string
	APIID         int64
	DepositAddrID int64 // deposit_addresses.id (stored as depost_id)
	TxID          string
	BlockHash     string
	Address       string
	Extra         string
	Height        int64
	Amount        float64
	Confirmations int64
	TimeInsert    time.Time
	CanCredit     string
	AlreadyNoted  bool
	NotedTime     *time.Time

	// Joined from deposit_addresses for list reads
	Tag       string
	SecondTag string
}

// UpsertDeposit inserts a deposit if it has not been seen before, keyed
// by (coin_name, txid, address). For an existing row still pending, the
// confirmation count and block hash are refreshed. Returns whether a new
// row was created.
func (s *Storage) UpsertDeposit(d *Deposit) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d.TimeInsert.IsZero() {
		d.TimeInsert = time.Now()
	}
	if d.CanCredit == "" {
		d.CanCredit = CreditNo
	}

	res, err := s.db.Exec(s.insertIgnore()+` deposits (
			coin_name, api_id, depost_id, txid, blockhash, address, extra,
			height, amount, confirmations, time_insert, can_credit, already_noted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`,
		d.CoinName, d.APIID, d.DepositAddrID, d.TxID, d.BlockHash, d.Address, d.Extra,
		d.Height, d.Amount, d.Confirmations, d.TimeInsert.Unix(), d.CanCredit,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert deposit: %w", err)
	}

	rows, _ := res.RowsAffected()
	if rows > 0 {
		d.ID, _ = res.LastInsertId()
		return true, nil
	}

	// Already known. Keep confirmations moving for pending rows so the
	// promotion rule can fire on confirmation count alone.
	_, err = s.db.Exec(`
		UPDATE deposits SET confirmations = ?, blockhash = ?
		WHERE coin_name = ? AND txid = ? AND address = ? AND can_credit = ?
	`, d.Confirmations, d.BlockHash, d.CoinName, d.TxID, d.Address, CreditNo)
	if err != nil {
		return false, fmt.Errorf("failed to refresh deposit: %w", err)
	}

	return false, nil
}

// PromoteDeposits flips pending deposits of one coin to credited when the
// confirmation rule is met: confirmations >= depth, or tip - height >=
// depth when a tip is known. The owner's total_deposited/numb_deposit
// counters are bumped in the same transaction. Returns the promoted rows.
func (s *Storage) PromoteDeposits(coinName string, tip, depth int64) ([]*Deposit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`
		SELECT id, coin_name, api_id, depost_id, txid, blockhash, address, extra,
			height, amount, confirmations, time_insert
		FROM deposits WHERE coin_name = ? AND can_credit = ?
	`, coinName, CreditNo)
	if err != nil {
		return nil, fmt.Errorf("failed to select pending deposits: %w", err)
	}

	var pending []*Deposit
	for rows.Next() {
		var d Deposit
		var insert sql.NullInt64
		if err := rows.Scan(
			&d.ID, &d.CoinName, &d.APIID, &d.DepositAddrID, &d.TxID, &d.BlockHash, &d.Address, &d.Extra,
			&d.Height, &d.Amount, &d.Confirmations, &insert,
		); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pending deposit: %w", err)
		}
		if insert.Valid {
			d.TimeInsert = time.Unix(insert.Int64, 0)
		}
		pending = append(pending, &d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read pending deposits: %w", err)
	}

	var promote []*Deposit
	for _, d := range pending {
		if d.Confirmations >= depth {
			promote = append(promote, d)
			continue
		}
		if tip > 0 && d.Height > 0 && tip-d.Height >= depth {
			promote = append(promote, d)
		}
	}
	if len(promote) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("failed to begin promote transaction: %w", err)
	}

	for _, d := range promote {
		res, err := tx.Exec(`
			UPDATE deposits SET can_credit = ? WHERE id = ? AND can_credit = ?
		`, CreditYes, d.ID, CreditNo)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to promote deposit: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Raced with another promoter; skip the counter bump too.
			continue
		}

		_, err = tx.Exec(`
			UPDATE deposit_addresses
			SET total_deposited = total_deposited + ?, numb_deposit = numb_deposit + 1
			WHERE id = ?
		`, d.Amount, d.DepositAddrID)
		if err != nil {
			tx.Rollback()
			return nil, fmt.Errorf("failed to credit deposit address: %w", err)
		}
		d.CanCredit = CreditYes
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promote transaction: %w", err)
	}

	// Only report rows that actually flipped.
	credited := promote[:0]
	for _, d := range promote {
		if d.CanCredit == CreditYes {
			credited = append(credited, d)
		}
	}

	return credited, nil
}

// FindDeposit looks up one deposit by owner, coin and transaction hash.
func (s *Storage) FindDeposit(apiID int64, coinName, txid string) (*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var d Deposit
	var insert, noted sql.NullInt64

	err := s.db.QueryRow(`
		SELECT id, coin_name, api_id, depost_id, txid, blockhash, address, extra,
			height, amount, confirmations, time_insert, can_credit, already_noted, noted_time
		FROM deposits WHERE api_id = ? AND coin_name = ? AND txid = ?
	`, apiID, coinName, txid).Scan(
		&d.ID, &d.CoinName, &d.APIID, &d.DepositAddrID, &d.TxID, &d.BlockHash, &d.Address, &d.Extra,
		&d.Height, &d.Amount, &d.Confirmations, &insert, &d.CanCredit, &d.AlreadyNoted, &noted,
	)

	if err == sql.ErrNoRows {
		return nil, ErrDepositNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find deposit: %w", err)
	}

	if insert.Valid {
		d.TimeInsert = time.Unix(insert.Int64, 0)
	}
	if noted.Valid {
		t := time.Unix(noted.Int64, 0)
		d.NotedTime = &t
	}

	return &d, nil
}

// MarkDepositNoted records the downstream acknowledgement of a deposit.
func (s *Storage) MarkDepositNoted(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE deposits SET already_noted = 1, noted_time = ? WHERE id = ?
	`, time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("failed to mark deposit noted: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrDepositNotFound
	}

	return nil
}

// DepositFilter defines filters for listing deposits.
type DepositFilter struct {
	APIID    int64
	CoinName string
	Address  string
	Limit    int
}

// ListDeposits returns deposits matching the filter, newest first, with
// the owner's tag and second tag joined in.
func (s *Storage) ListDeposits(filter DepositFilter) ([]*Deposit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `
		SELECT d.id, d.coin_name, d.api_id, d.depost_id, d.txid, d.blockhash, d.address, d.extra,
			d.height, d.amount, d.confirmations, d.time_insert, d.can_credit, d.already_noted, d.noted_time,
			da.tag, da.second_tag
		FROM deposits d
		JOIN deposit_addresses da ON da.id = d.depost_id
		WHERE d.api_id = ? AND d.coin_name = ?
	`
	args := []interface{}{filter.APIID, filter.CoinName}

	if filter.Address != "" {
		query += " AND d.address = ?"
		args = append(args, filter.Address)
	}

	query += " ORDER BY d.id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deposits: %w", err)
	}
	defer rows.Close()

	var deposits []*Deposit
	for rows.Next() {
		var d Deposit
		var insert, noted sql.NullInt64

		err := rows.Scan(
			&d.ID, &d.CoinName, &d.APIID, &d.DepositAddrID, &d.TxID, &d.BlockHash, &d.Address, &d.Extra,
			&d.Height, &d.Amount, &d.Confirmations, &insert, &d.CanCredit, &d.AlreadyNoted, &noted,
			&d.Tag, &d.SecondTag,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deposit: %w", err)
		}

		if insert.Valid {
			d.TimeInsert = time.Unix(insert.Int64, 0)
		}
		if noted.Valid {
			t := time.Unix(noted.Int64, 0)
			d.NotedTime = &t
		}

		deposits = append(deposits, &d)
	}

	return deposits, rows.Err()
}
