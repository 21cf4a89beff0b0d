package driver

import (
	"context"
	"fmt"

	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/pkg/helpers"
)

// btcDriver speaks bitcoind-compatible JSON-RPC 1.0. Wallet amounts are
// decimal floats on the wire and scaled to atomic units here.
type btcDriver struct {
	coin *storage.CoinSetting
	rpc  *rpcClient
}

func newBTCDriver(c *storage.CoinSetting) *btcDriver {
	return &btcDriver{
		coin: c,
		rpc:  newRPCClient(c.DaemonAddress, "1.0"),
	}
}

func (d *btcDriver) TopBlock(ctx context.Context) (*Tip, error) {
	ctx, cancel := context.WithTimeout(ctx, tipTimeout)
	defer cancel()

	// Pre-0.16 daemons only know getinfo.
	if d.coin.UseGetInfoBTC {
		var info struct {
			Blocks int64 `json:"blocks"`
		}
		if err := d.rpc.call(ctx, "getinfo", []interface{}{}, &info); err != nil {
			return nil, err
		}
		return &Tip{Height: info.Blocks}, nil
	}

	var info struct {
		Blocks        int64  `json:"blocks"`
		BestBlockHash string `json:"bestblockhash"`
	}
	if err := d.rpc.call(ctx, "getblockchaininfo", []interface{}{}, &info); err != nil {
		return nil, err
	}
	return &Tip{Height: info.Blocks, Hash: info.BestBlockHash}, nil
}

func (d *btcDriver) MakeAddress(ctx context.Context) (*MintedAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	var address string
	if err := d.rpc.call(ctx, "getnewaddress", []interface{}{}, &address); err != nil {
		return nil, err
	}
	if address == "" {
		return nil, fmt.Errorf("%w: getnewaddress returned empty address", ErrRejected)
	}

	var privKey string
	if err := d.rpc.call(ctx, "dumpprivkey", []interface{}{address}, &privKey); err != nil {
		return nil, err
	}

	return &MintedAddress{Address: address, PrivateKey: privKey}, nil
}

func (d *btcDriver) ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*IncomingTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var entries []struct {
		Address       string  `json:"address"`
		Category      string  `json:"category"`
		Amount        float64 `json:"amount"`
		Confirmations int64   `json:"confirmations"`
		BlockHash     string  `json:"blockhash"`
		BlockHeight   int64   `json:"blockheight"`
		TxID          string  `json:"txid"`
	}
	if err := d.rpc.call(ctx, "listtransactions", []interface{}{"*", 100, 0}, &entries); err != nil {
		return nil, err
	}

	var transfers []*IncomingTransfer
	for _, e := range entries {
		if e.Category != "receive" || e.Amount <= 0 || e.TxID == "" {
			continue
		}

		// Older daemons omit blockheight; reconstruct it from the window
		// top and the confirmation count.
		height := e.BlockHeight
		if height == 0 && e.Confirmations > 0 {
			height = toHeight - e.Confirmations + 1
		}
		if height != 0 && (height < fromHeight || height > toHeight) {
			continue
		}

		transfers = append(transfers, &IncomingTransfer{
			TxID:      e.TxID,
			Height:    height,
			Amount:    helpers.AmountToAtomic(e.Amount, d.coin.Decimal),
			Address:   e.Address,
			BlockHash: e.BlockHash,
		})
	}

	return transfers, nil
}

func (d *btcDriver) SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	params := []interface{}{
		toAddress,
		helpers.AtomicToAmount(amount, d.coin.Decimal),
		fromAddress, // comment
		toAddress,   // comment_to
		false,       // subtractfeefromamount
	}

	var txid string
	if err := d.rpc.call(ctx, "sendtoaddress", params, &txid); err != nil {
		return nil, err
	}
	if txid == "" {
		return nil, fmt.Errorf("%w: sendtoaddress returned no transaction hash", ErrRejected)
	}

	return &SendResult{TxHash: txid}, nil
}

var _ Driver = (*btcDriver)(nil)
