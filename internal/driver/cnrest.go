package driver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/pkg/helpers"
)

// cnRestDriver speaks the turtlecoin wallet-api REST dialect with an
// X-API-KEY header. Deposit addresses are integrated addresses derived
// from the master address and a server-generated random payment id.
type cnRestDriver struct {
	coin   *storage.CoinSetting
	daemon *rpcClient
	base   string
	apiKey string
	http   *http.Client
}

func newCNRestDriver(c *storage.CoinSetting) *cnRestDriver {
	return &cnRestDriver{
		coin:   c,
		daemon: newRPCClient(c.DaemonAddress+"/json_rpc", "2.0"),
		base:   c.WalletAddress,
		apiKey: c.WalletHeader,
		http:   &http.Client{},
	}
}

// rest performs one wallet-api request and decodes the JSON reply into out.
func (d *cnRestDriver) rest(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal %s body: %w", path, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.base+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build %s request: %w", path, err)
	}
	req.Header.Set("X-API-KEY", d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s: HTTP %d", ErrRejected, path, resp.StatusCode)
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: %s: malformed reply: %v", ErrRejected, path, err)
		}
	}

	return nil
}

func (d *cnRestDriver) TopBlock(ctx context.Context) (*Tip, error) {
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
			Hash string `json:"hash"`
		} `json:"block_header"`
	}
	params := map[string]interface{}{"height": count.Count - 1}
	if err := d.daemon.call(ctx, "getblockheaderbyheight", params, &header); err != nil {
		return nil, err
	}

	return &Tip{Height: count.Count - 1, Hash: header.BlockHeader.Hash}, nil
}

func (d *cnRestDriver) MakeAddress(ctx context.Context) (*MintedAddress, error) {
	ctx, cancel := context.WithTimeout(ctx, mintTimeout)
	defer cancel()

	paymentID := helpers.PaymentID()

	var result struct {
		Address string `json:"address"`
	}
	path := fmt.Sprintf("/addresses/%s/%s", d.coin.MainAddress, paymentID)
	if err := d.rest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	if result.Address == "" {
		return nil, fmt.Errorf("%w: integrated address request returned empty address", ErrRejected)
	}

	return &MintedAddress{Address: result.Address, Extra: paymentID}, nil
}

func (d *cnRestDriver) ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*IncomingTransfer, error) {
	ctx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	var result struct {
		Transactions []struct {
			BlockHeight int64  `json:"blockHeight"`
			Hash        string `json:"hash"`
			PaymentID   string `json:"paymentID"`
			Transfers   []struct {
				Address string `json:"address"`
				Amount  int64  `json:"amount"`
			} `json:"transfers"`
		} `json:"transactions"`
	}
	path := fmt.Sprintf("/transactions/%d/%d", fromHeight, toHeight)
	if err := d.rest(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}

	var transfers []*IncomingTransfer
	for _, tx := range result.Transactions {
		// Sum the outputs credited to the master address; negative
		// entries are change and outbound legs.
		var amount int64
		for _, t := range tx.Transfers {
			if t.Amount > 0 && t.Address == d.coin.MainAddress {
				amount += t.Amount
			}
		}
		if amount <= 0 {
			continue
		}
		transfers = append(transfers, &IncomingTransfer{
			TxID:      tx.Hash,
			Height:    tx.BlockHeight,
			Amount:    amount,
			PaymentID: normalizePaymentID(tx.PaymentID),
			Address:   d.coin.MainAddress,
		})
	}

	return transfers, nil
}

func (d *cnRestDriver) SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*SendResult, error) {
	ctx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	body := map[string]interface{}{
		"destinations": []map[string]interface{}{
			{"address": toAddress, "amount": amount},
		},
		"mixin":         d.coin.Mixin,
		"sourceAddress": d.coin.MainAddress,
		"changeAddress": d.coin.MainAddress,
	}
	if d.coin.IsFeePerByte {
		body["feePerByte"] = feeAtomic(d.coin)
	} else {
		body["fee"] = feeAtomic(d.coin)
	}

	var result struct {
		TransactionHash string `json:"transactionHash"`
	}
	if err := d.rest(ctx, http.MethodPost, "/transactions/send/advanced", body, &result); err != nil {
		return nil, err
	}
	if result.TransactionHash == "" {
		return nil, fmt.Errorf("%w: send returned no transaction hash", ErrRejected)
	}

	return &SendResult{TxHash: result.TransactionHash}, nil
}

var _ Driver = (*cnRestDriver)(nil)
