// Package storage - Coin setting storage operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Coin setting errors
var (
	ErrCoinNotFound = errors.New("coin setting not found")
)

// CoinType identifies the wallet family a coin belongs to. The family
// decides which driver dialect the reconciler and the send path use.
type CoinType string

const (
	CoinTypeBTC         CoinType = "BTC"          // bitcoind-compatible JSON-RPC 1.0
	CoinTypeXMR         CoinType = "XMR"          // monero-wallet-rpc JSON-RPC 2.0
	CoinTypeTRTLAPI     CoinType = "TRTL-API"     // wallet-api REST with X-API-KEY
	CoinTypeTRTLService CoinType = "TRTL-SERVICE" // walletd-style JSON-RPC 2.0
	CoinTypeBCN         CoinType = "BCN"          // bytecoin-style JSON-RPC 2.0
)

// IntegratedAddresses reports whether the family routes deposits to a
// master address discriminated by a payment id.
func (t CoinType) IntegratedAddresses() bool {
	return t != CoinTypeBTC
}

// CoinSetting holds the operational parameters of one coin.
type CoinSetting struct {
	ID       int64
	CoinName string
	Type     CoinType

	Enabled        bool
	EnableCreate   bool
	EnableDeposit  bool
	EnableWithdraw bool

	// Endpoints
	DaemonAddress string
	WalletAddress string
	WalletHeader  string // opaque key sent to the wallet service
	MainAddress   string

	// Units and limits
	Decimal           int
	ConfirmationDepth int64
	MinDeposit        float64
	MinTransfer       float64
	MaxTransfer       float64
	MinWithdraw       float64
	MaxWithdraw       float64
	FeeWithdraw       float64
	Mixin             int
	IsFeePerByte      bool
	HasPos            bool
	RoundPlaces       int

	// Last observed chain tip
	ChainHeight        int64
	ChainHeightSetTime time.Time

	UseGetInfoBTC bool
}

const coinSettingColumns = `
	id, coin_name, coin_type,
	enabled, enable_create, enable_deposit, enable_withdraw,
	daemon_address, wallet_address, wallet_header, main_address,
	coin_decimal, confirmation_depth,
	min_deposit, min_transfer, max_transfer, min_withdraw, max_withdraw,
	fee_withdraw, mixin, is_fee_per_byte, has_pos, round_places,
	chain_height, chain_height_set_time, use_getinfo_btc`

func scanCoinSetting(row interface{ Scan(...interface{}) error }) (*CoinSetting, error) {
	var c CoinSetting
	var setTime sql.NullInt64

	err := row.Scan(
		&c.ID, &c.CoinName, &c.Type,
		&c.Enabled, &c.EnableCreate, &c.EnableDeposit, &c.EnableWithdraw,
		&c.DaemonAddress, &c.WalletAddress, &c.WalletHeader, &c.MainAddress,
		&c.Decimal, &c.ConfirmationDepth,
		&c.MinDeposit, &c.MinTransfer, &c.MaxTransfer, &c.MinWithdraw, &c.MaxWithdraw,
		&c.FeeWithdraw, &c.Mixin, &c.IsFeePerByte, &c.HasPos, &c.RoundPlaces,
		&c.ChainHeight, &setTime, &c.UseGetInfoBTC,
	)
	if err != nil {
		return nil, err
	}

	if setTime.Valid {
		c.ChainHeightSetTime = time.Unix(setTime.Int64, 0)
	}

	return &c, nil
}

// CreateCoinSetting inserts a new coin row. Coins are created
// administratively; the daemon only ever reads and updates them.
func (s *Storage) CreateCoinSetting(c *CoinSetting) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`
		INSERT INTO coin_settings (
			coin_name, coin_type,
			enabled, enable_create, enable_deposit, enable_withdraw,
			daemon_address, wallet_address, wallet_header, main_address,
			coin_decimal, confirmation_depth,
			min_deposit, min_transfer, max_transfer, min_withdraw, max_withdraw,
			fee_withdraw, mixin, is_fee_per_byte, has_pos, round_places,
			chain_height, chain_height_set_time, use_getinfo_btc
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.CoinName, c.Type,
		c.Enabled, c.EnableCreate, c.EnableDeposit, c.EnableWithdraw,
		c.DaemonAddress, c.WalletAddress, c.WalletHeader, c.MainAddress,
		c.Decimal, c.ConfirmationDepth,
		c.MinDeposit, c.MinTransfer, c.MaxTransfer, c.MinWithdraw, c.MaxWithdraw,
		c.FeeWithdraw, c.Mixin, c.IsFeePerByte, c.HasPos, c.RoundPlaces,
		c.ChainHeight, c.ChainHeightSetTime.Unix(), c.UseGetInfoBTC,
	)
	if err != nil {
		return fmt.Errorf("failed to create coin setting: %w", err)
	}

	c.ID, _ = res.LastInsertId()
	return nil
}

// GetCoinSetting retrieves one coin by name.
func (s *Storage) GetCoinSetting(coinName string) (*CoinSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+coinSettingColumns+` FROM coin_settings WHERE coin_name = ?`, coinName)
	c, err := scanCoinSetting(row)
	if err == sql.ErrNoRows {
		return nil, ErrCoinNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get coin setting: %w", err)
	}

	return c, nil
}

// ListCoinSettings returns all enabled coins.
func (s *Storage) ListCoinSettings() ([]*CoinSetting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + coinSettingColumns + ` FROM coin_settings WHERE enabled = 1 ORDER BY coin_name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list coin settings: %w", err)
	}
	defer rows.Close()

	var coins []*CoinSetting
	for rows.Next() {
		c, err := scanCoinSetting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan coin setting: %w", err)
		}
		coins = append(coins, c)
	}

	return coins, rows.Err()
}

// UpdateChainHeight records the tip observed by the last deposit scan.
func (s *Storage) UpdateChainHeight(coinName string, height int64, setTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// MySQL reports zero affected rows when the stored values are already
	// identical, so no row count check here.
	_, err := s.db.Exec(`
		UPDATE coin_settings SET chain_height = ?, chain_height_set_time = ? WHERE coin_name = ?
	`, height, setTime.Unix(), coinName)
	if err != nil {
		return fmt.Errorf("failed to update chain height: %w", err)
	}

	return nil
}
