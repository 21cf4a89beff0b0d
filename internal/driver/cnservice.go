package driver

import (
	"context"
	"fmt"

	"github.com/plutonpay/coingate/internal/storage"
)

// cnServiceDriver speaks walletd-style JSON-RPC 2.0 (turtlecoin-service,
// bytecoin). Addresses are minted bare, so deposit resolution falls back
// to the destination address when a transfer carries no payment id.
type cnServiceDriver struct {
	coin   *storage.CoinSetting
	daemon *rpcClient
	wallet *rpcClient
}

func newCNServiceDriver(c *storage.CoinSetting) *cnServiceDriver {
	return &cnServiceDriver{
		coin:   c,
		daemon: newRPCClient(c.DaemonAddress+"/json_rpc", "2.0"),
		wallet: newRPCClient(c.WalletAddress+"/json_rpc", "2.0"),
	}
}

func (d *cnServiceDriver) TopBlock(ctx context.Context) (*Tip, error) {
	ctx, cancel := context.WithTimeout(ctx, tipTimeout)
	defer cancel()

	var count struct {
		Count int64 `json:"count"`
	}
	if err := d.daemon.call(ctx, "getblockcount", nil, &count); err != nil {
		return nil, err
	}
	if count.Count == 0 {
		return nil, fmt.Errorf("%w: getblockcount returned zero", ErrRejected)
	}

	var header struct {
		BlockHeader struct {
			Hash   string `json:"hash"`
			Height int64  `json:"height"`
		} `json:"block_header"`
	}
	params := map[string]interface{}{"height": count.Count - 1}
	if err := d.daemon.call(ctx, "getblockheaderbyheight", params, &header); err != nil {
		return nil, err
	}

	return &Tip{Height: count.Count - 1, Hash: header.BlockHeader.Hash}, nil
}

func (d *cnServiceDriver) MakeAddress(ctx context.Context) (*MintedAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	var result struct {
		Address string `json:"address"`
	}
	if err := d.wallet.call(ctx, "createAddress", map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	if result.Address == "" {
		return nil, fmt.Errorf("%w: createAddress returned empty address", ErrRejected)
	}

	return &MintedAddress{Address: result.Address}, nil
}

func (d *cnServiceDriver) ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*IncomingTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	params := map[string]interface{}{
		"min_height": fromHeight,
		"max_height": toHeight,
	}

	var result struct {
		Transfers []struct {
			Hash      string `json:"hash"`
			Height    int64  `json:"height"`
			Amount    int64  `json:"amount"`
			PaymentID string `json:"payment_id"`
			Address   string `json:"address"`
		} `json:"transfers"`
	}
	if err := d.wallet.call(ctx, "get_transfers", params, &result); err != nil {
		return nil, err
	}

	transfers := make([]*IncomingTransfer, 0, len(result.Transfers))
	for _, e := range result.Transfers {
		if e.Amount <= 0 {
			continue
		}
		transfers = append(transfers, &IncomingTransfer{
			TxID:      e.Hash,
			Height:    e.Height,
			Amount:    e.Amount,
			PaymentID: normalizePaymentID(e.PaymentID),
			Address:   e.Address,
		})
	}

	return transfers, nil
}

func (d *cnServiceDriver) SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	fee := feeAtomic(d.coin)
	params := map[string]interface{}{
		"addresses": []string{fromAddress},
		"transfers": []map[string]interface{}{
			{"address": toAddress, "amount": amount},
		},
		"anonymity":     d.coin.Mixin,
		"changeAddress": d.coin.MainAddress,
	}
	if d.coin.IsFeePerByte {
		params["feePerByte"] = fee
	} else {
		params["fee"] = fee
	}

	var result struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := d.wallet.call(ctx, "sendTransaction", params, &result); err != nil {
		return nil, err
	}
	if result.TransactionHash == "" {
		return nil, fmt.Errorf("%w: sendTransaction returned no transaction hash", ErrRejected)
	}

	return &SendResult{TxHash: result.TransactionHash}, nil
}

var _ Driver = (*cnServiceDriver)(nil)
