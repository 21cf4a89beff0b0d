// Package driver provides wallet and daemon access for each coin family.
// All amounts cross this boundary as integer atomic units; the ledger's
// float amounts are converted at the call sites.
package driver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/pkg/helpers"
)

// Common errors. Callers can distinguish a daemon that could not be
// reached from one that answered and said no.
var (
	ErrUnreachable       = errors.New("backend unreachable")
	ErrRejected          = errors.New("backend rejected request")
	ErrUnsupportedFamily = errors.New("unsupported coin family")
)

// Family identifies the driver dialect a coin speaks.
type Family string

const (
	FamilyBTC      Family = "btc"      // bitcoind JSON-RPC 1.0
	FamilyCNWallet Family = "cnwallet" // monero/walletd JSON-RPC 2.0
	FamilyCNRest   Family = "cnrest"   // wallet-api REST
)

// Families lists every dialect, one reconciler scan loop each.
var Families = []Family{FamilyBTC, FamilyCNWallet, FamilyCNRest}

// FamilyOf maps a coin type to its driver family.
func FamilyOf(t storage.CoinType) Family {
	switch t {
	case storage.CoinTypeBTC:
		return FamilyBTC
	case storage.CoinTypeTRTLAPI:
		return FamilyCNRest
	default:
		return FamilyCNWallet
	}
}

// Per-method timeouts. Status queries are cheap; a transfer can keep the
// wallet busy for minutes while it selects inputs and signs.
const (
	tipTimeout  = 60 * time.Second
	listTimeout = 30 * time.Second
	mintTimeout = 60 * time.Second
	sendTimeout = 300 * time.Second
)

// Tip is the chain head as reported by the daemon.
type Tip struct {
	Height int64
	Hash   string
}

// MintedAddress is a freshly generated deposit address.
type MintedAddress struct {
	Address    string
	Extra      string // payment id for integrated-address families
	PrivateKey string // BTC family only
}

// IncomingTransfer is one candidate credit found in a scan window.
type IncomingTransfer struct {
	TxID      string
	Height    int64
	Amount    int64 // atomic units
	PaymentID string
	Address   string
	BlockHash string
}

// SendResult is the outcome of a broadcast withdrawal.
type SendResult struct {
	TxHash string
	TxKey  string // XMR family only
}

// Driver is the uniform capability set every coin family implements.
type Driver interface {
	// TopBlock returns the current chain tip.
	TopBlock(ctx context.Context) (*Tip, error)

	// MakeAddress mints a new deposit address.
	MakeAddress(ctx context.Context) (*MintedAddress, error)

	// ListTransfers returns incoming transfers within a height window.
	ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*IncomingTransfer, error)

	// SendExternal broadcasts a withdrawal of the given atomic amount.
	SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*SendResult, error)
}

// feeAtomic is the coin's configured withdraw fee in atomic units, the
// value handed to wallets that want an explicit fee field.
func feeAtomic(c *storage.CoinSetting) int64 {
	return helpers.AmountToAtomic(c.FeeWithdraw, c.Decimal)
}

// New constructs the driver for a coin from its settings.
func New(c *storage.CoinSetting) (Driver, error) {
	switch c.Type {
	case storage.CoinTypeBTC:
		return newBTCDriver(c), nil
	case storage.CoinTypeXMR:
		return newXMRDriver(c), nil
	case storage.CoinTypeTRTLService, storage.CoinTypeBCN:
		return newCNServiceDriver(c), nil
	case storage.CoinTypeTRTLAPI:
		return newCNRestDriver(c), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFamily, c.Type)
	}
}
