package driver

import (
	"context"
	"fmt"

	"github.com/plutonpay/coingate/internal/storage"
)

// xmrDriver speaks monero-wallet-rpc JSON-RPC 2.0. Deposits route to one
// wallet account and are discriminated by payment id; the daemon is only
// consulted for the chain tip.
type xmrDriver struct {
	coin   *storage.CoinSetting
	daemon *rpcClient
	wallet *rpcClient
}

func newXMRDriver(c *storage.CoinSetting) *xmrDriver {
	return &xmrDriver{
		coin:   c,
		daemon: newRPCClient(c.DaemonAddress+"/json_rpc", "2.0"),
		wallet: newRPCClient(c.WalletAddress+"/json_rpc", "2.0"),
	}
}

func (d *xmrDriver) TopBlock(ctx context.Context) (*Tip, error) {
	ctx, cancel := context.WithTimeout(ctx, tipTimeout)
	defer cancel()

	var count struct {
		Count int64 `json:"count"`
	}
	if err := d.daemon.call(ctx, "get_block_count", nil, &count); err != nil {
		return nil, err
	}
	if count.Count == 0 {
		return nil, fmt.Errorf("%w: get_block_count returned zero", ErrRejected)
	}

	var header struct {
		BlockHeader struct {
			Hash   string `json:"hash"`
			Height int64  `json:"height"`
		} `json:"block_header"`
	}
	params := map[string]interface{}{"height": count.Count - 1}
	if err := d.daemon.call(ctx, "get_block_header_by_height", params, &header); err != nil {
		return nil, err
	}

	return &Tip{Height: header.BlockHeader.Height, Hash: header.BlockHeader.Hash}, nil
}

func (d *xmrDriver) MakeAddress(ctx context.Context) (*MintedAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	var result struct {
		IntegratedAddress string `json:"integrated_address"`
		PaymentID         string `json:"payment_id"`
	}
	if err := d.wallet.call(ctx, "make_integrated_address", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	if result.IntegratedAddress == "" || result.PaymentID == "" {
		return nil, fmt.Errorf("%w: make_integrated_address returned incomplete result", ErrRejected)
	}

	return &MintedAddress{Address: result.IntegratedAddress, Extra: result.PaymentID}, nil
}

func (d *xmrDriver) ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*IncomingTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	params := map[string]interface{}{
		"in":               true,
		"pool":             false,
		"filter_by_height": true,
		"min_height":       fromHeight,
		"max_height":       toHeight,
	}

	var result struct {
		In []struct {
			TxID      string `json:"txid"`
			Height    int64  `json:"height"`
			Amount    int64  `json:"amount"`
			PaymentID string `json:"payment_id"`
			Address   string `json:"address"`
		} `json:"in"`
	}
	if err := d.wallet.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}

	transfers := make([]*IncomingTransfer, 0, len(result.In))
	for _, e := range result.In {
		if e.Amount <= 0 {
			continue
		}
		transfers = append(transfers, &IncomingTransfer{
			TxID:      e.TxID,
			Height:    e.Height,
			Amount:    e.Amount,
			PaymentID: normalizePaymentID(e.PaymentID),
			Address:   e.Address,
		})
	}

	return transfers, nil
}

func (d *xmrDriver) SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	params := map[string]interface{}{
		"destinations": []map[string]interface{}{
			{"amount": amount, "address": toAddress},
		},
		"account_index": 0,
		"priority":      1,
		"unlock_time":   0,
		"get_tx_key":    true,
		"get_tx_hex":    false,
	}
	// uPlexa wallets reject the default ring size.
	if d.coin.CoinName == "UPX" {
		params["ring_size"] = 11
	}

	var result struct {
		TxHash string `json:"tx_hash"`
		TxKey  string `json:"tx_key"`
	}
	if err := d.wallet.call(ctx, "transfer", params, &result); err != nil {
		return nil, err
	}
	if result.TxHash == "" {
		return nil, fmt.Errorf("%w: transfer returned no transaction hash", ErrRejected)
	}

	return &SendResult{TxHash: result.TxHash, TxKey: result.TxKey}, nil
}

// normalizePaymentID drops the all-zero payment id some wallets attach to
// transfers without one, so it never matches a real deposit address.
func normalizePaymentID(id string) string {
	for _, r := range id {
		if r != '0' {
			return id
		}
	}
	return ""
}

var _ Driver = (*xmrDriver)(nil)
