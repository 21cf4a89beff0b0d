package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/helpers"
)

type withdrawRequest struct {
	Coin        string  `json:"coin"`
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Amount      float64 `json:"amount"`
	Remark      string  `json:"remark"`
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.begin(w, "/withdraw", nil).fail(msgInternalError)
		return
	}
	c := s.begin(w, "/withdraw", req)

	coin, msg := s.resolveCoin(req.Coin)
	if msg != "" {
		c.fail(msg)
		return
	}
	user, msg := s.authUser(r)
	if msg != "" {
		c.fail(msg)
		return
	}
	c.apiID = user.ID

	if !user.CoinAllowed(coin.CoinName) {
		c.fail(msgCoinLimited(user))
		return
	}
	if !coin.EnableWithdraw {
		c.fail(fmt.Sprintf("Currently, %s not enable for withdraw. Try again later!", coin.CoinName))
		return
	}

	places := coin.RoundPlaces
	amountStr := helpers.FormatAmount(req.Amount, places)

	snap := s.addrs.Current()
	if !snap.Contains(req.FromAddress) {
		c.fail(fmt.Sprintf("%s, address %s.. not in our database.", coin.CoinName, req.FromAddress))
		return
	}
	entry, ok := snap.Lookup(coin.CoinName, req.FromAddress)
	if !ok || entry.APIID != user.ID {
		c.fail(fmt.Sprintf("%s, address %s.. permission denied.", coin.CoinName, req.FromAddress))
		return
	}

	// Internal destinations move through /transfer; a withdrawal to one
	// of our own addresses would double-count.
	if snap.Contains(req.ToAddress) {
		warn := fmt.Sprintf("%s, you can not send to address %s. You might need to call /transfer instead", coin.CoinName, req.ToAddress)
		c.failData(warn, warn)
		s.events.Notify(webhook.WithdrawToInternal(user.ID, amountStr, coin.CoinName, req.FromAddress, req.ToAddress))
		return
	}

	if req.Amount < coin.MinWithdraw || req.Amount > coin.MaxWithdraw {
		c.fail(fmt.Sprintf("%s, withdraw amount out of range %s-%s.", coin.CoinName,
			helpers.FormatAmount(coin.MinWithdraw, places), helpers.FormatAmount(coin.MaxWithdraw, places)))
		return
	}
	if len(req.Remark) > 100 {
		c.fail(fmt.Sprintf("%s, remark is too long %s.", coin.CoinName, req.Remark))
		return
	}

	// The lock covers the balance check through the counter debit, so
	// two withdrawals cannot both pass on the same funds.
	unlock := s.locks.acquire([]string{coin.CoinName + "_" + req.FromAddress})
	defer unlock()

	a, err := s.store.GetAddressForAPI(user.ID, coin.CoinName, req.FromAddress)
	if err == storage.ErrAddressNotFound {
		c.fail(fmt.Sprintf("%s, address not found %s!", coin.CoinName, req.FromAddress))
		return
	}
	if err != nil {
		s.log.Error("Failed to read balance for withdraw", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	balance := helpers.RoundAmount(a.Balance(), places)
	if req.Amount+coin.FeeWithdraw > balance {
		c.fail(fmt.Sprintf("%s, insufficient balance to withdraw for %s! Fee: %s %s. Having %s %s.",
			coin.CoinName, req.FromAddress,
			helpers.FormatAmount(coin.FeeWithdraw, places), coin.CoinName,
			helpers.FormatAmount(balance, places), coin.CoinName))
		return
	}

	drv, err := s.newDriver(coin)
	if err != nil {
		s.log.Error("Failed to build driver", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	sent, err := drv.SendExternal(context.Background(), req.FromAddress, req.ToAddress,
		helpers.AmountToAtomic(req.Amount, coin.Decimal))
	if err != nil {
		s.log.Warn("Withdraw send failed", "coin", coin.CoinName, "to", req.ToAddress, "error", err)
		c.fail(fmt.Sprintf("%s, failed to send %s %s to %s.", coin.CoinName, amountStr, coin.CoinName, req.ToAddress))
		s.events.Notify(webhook.WithdrawFailed(user.ID, amountStr, coin.CoinName, req.ToAddress))
		return
	}

	// The coins are gone from the wallet either way; if the ledger row
	// fails we still hand the caller the hash and reconcile by hand.
	refUUID := uuid.NewString()
	err = s.store.InsertWithdraw(&storage.Withdraw{
		APIID:         user.ID,
		CoinName:      coin.CoinName,
		FromAddress:   req.FromAddress,
		Amount:        req.Amount,
		FeeAndTax:     coin.FeeWithdraw,
		FromDepositID: entry.ID,
		ToAddress:     req.ToAddress,
		TxID:          sent.TxHash,
		TxKey:         sent.TxKey,
		Remark:        req.Remark,
		RefUUID:       refUUID,
	})
	if err != nil {
		s.log.Error("Failed to persist withdraw", "coin", coin.CoinName, "txid", sent.TxHash, "error", err)
	}

	s.metrics.WithdrawalsBroadcast.WithLabelValues(coin.CoinName).Inc()
	s.log.Info("Withdraw broadcast",
		"coin", coin.CoinName, "amount", req.Amount, "to", req.ToAddress, "txid", sent.TxHash)
	s.events.Notify(webhook.WithdrawSent(user.ID, amountStr, coin.CoinName, req.ToAddress, sent.TxHash))

	c.ok(sent.TxHash, fmt.Sprintf("%s, successfully sent %s %s to %s. Tx: %s, Ref: %s",
		coin.CoinName, amountStr, coin.CoinName, req.ToAddress, sent.TxHash, refUUID))
}

type transferRequest struct {
	Coin        string  `json:"coin"`
	FromAddress string  `json:"from_address"`
	ToAddress   string  `json:"to_address"`
	Amount      float64 `json:"amount"`
	Remark      string  `json:"remark"`
}

// pairKey identifies an unordered (from, to) pair for the
// loop-transfer guard: A→B and B→A in one batch collide.
func pairKey(from, to string) string {
	if from < to {
		return from + "|" + to
	}
	return to + "|" + from
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var items []transferRequest
	if err := json.NewDecoder(r.Body).Decode(&items); err != nil {
		s.begin(w, "/transfer", nil).fail(msgInternalError)
		return
	}
	c := s.begin(w, "/transfer", items)

	if len(s.coins.Names()) == 0 {
		c.fail(msgInternalError)
		return
	}
	if len(items) == 0 {
		c.fail("list of transfer can't be empty.")
		return
	}
	user, msg := s.authUser(r)
	if msg != "" {
		c.fail(msg)
		return
	}
	c.apiID = user.ID

	snap := s.addrs.Current()

	// Lock every address the batch touches, in one sorted acquisition,
	// before reading any balance.
	var keys []string
	for _, it := range items {
		coinName := strings.ToUpper(it.Coin)
		keys = append(keys, coinName+"_"+it.FromAddress, coinName+"_"+it.ToAddress)
	}
	unlock := s.locks.acquire(keys)
	defer unlock()

	// Scratch balances treat the batch as applied in listed order, so a
	// later record sees the effect of earlier ones.
	scratch := make(map[string]float64)
	seed := func(coinName, address string) (float64, bool) {
		key := coinName + "_" + address
		if v, ok := scratch[key]; ok {
			return v, true
		}
		a, err := s.store.FindAddressByAddress(coinName, address)
		if err != nil {
			return 0, false
		}
		scratch[key] = a.Balance()
		return scratch[key], true
	}

	var errorList []string
	var records []*storage.Transfer
	pairs := make(map[string]map[string]bool) // coin -> unordered pair set
	refUUID := uuid.NewString()

	for _, it := range items {
		coinName := strings.ToUpper(it.Coin)
		recordOK := true
		reject := func(msg string) {
			errorList = append(errorList, msg)
			recordOK = false
		}

		fromEntry, fromOwned := snap.Lookup(coinName, it.FromAddress)
		if !fromOwned || fromEntry.APIID != user.ID {
			reject(fmt.Sprintf("%s/address: %s is not within your API!", coinName, it.FromAddress))
		}

		coin, supported := s.coins.Get(coinName)
		if !supported {
			reject(fmt.Sprintf("%s is not in the supported list!", coinName))
		} else if it.Amount < coin.MinTransfer || it.Amount > coin.MaxTransfer {
			reject(fmt.Sprintf("%s %s is out of range transfer.",
				helpers.FormatAmount(it.Amount, coin.RoundPlaces), coinName))
		}

		if len(it.Remark) >= 100 {
			reject(fmt.Sprintf("%s, remark %s.. is too long.", coinName, helpers.Truncate(it.Remark, 90)))
		}
		if it.FromAddress == it.ToAddress {
			reject(fmt.Sprintf("%s, same address from and to.", coinName))
		}

		if !snap.Contains(it.FromAddress) {
			reject(fmt.Sprintf("%s, address %s.. not in our database.", coinName, helpers.Truncate(it.FromAddress, 30)))
		} else {
			if pairs[coinName] == nil {
				pairs[coinName] = make(map[string]bool)
			}
			pk := pairKey(it.FromAddress, it.ToAddress)
			if pairs[coinName][pk] {
				reject(fmt.Sprintf("%s, loop transfer detected.", coinName))
			} else {
				pairs[coinName][pk] = true
			}

			if _, ok := seed(coinName, it.FromAddress); !ok {
				reject(fmt.Sprintf("%s, address %s.. not in our API.", coinName, helpers.Truncate(it.FromAddress, 30)))
			} else {
				key := coinName + "_" + it.FromAddress
				scratch[key] -= it.Amount
				if scratch[key] < 0 {
					reject(fmt.Sprintf("%s, address %s.. not sufficient balance.", coinName, helpers.Truncate(it.FromAddress, 30)))
				}
			}
		}

		var toEntry *storage.RegistryEntry
		if !snap.Contains(it.ToAddress) {
			reject(fmt.Sprintf("%s, address %s.. not in our database.", coinName, helpers.Truncate(it.ToAddress, 30)))
		} else {
			if e, ok := snap.Lookup(coinName, it.ToAddress); ok {
				toEntry = e
				if _, seeded := seed(coinName, it.ToAddress); seeded {
					scratch[coinName+"_"+it.ToAddress] += it.Amount
				}
			} else {
				reject(fmt.Sprintf("%s, address %s.. not in our database.", coinName, helpers.Truncate(it.ToAddress, 30)))
			}
		}

		if recordOK && coin != nil && fromEntry != nil && toEntry != nil {
			records = append(records, &storage.Transfer{
				APIID:         user.ID,
				FromAddress:   it.FromAddress,
				ToAddress:     it.ToAddress,
				Amount:        helpers.RoundAmount(it.Amount, coin.RoundPlaces),
				CoinName:      coinName,
				Purpose:       it.Remark,
				RefUUID:       refUUID,
				FromDepositID: fromEntry.ID,
				ToDepositID:   toEntry.ID,
			})
		}
	}

	if len(errorList) > 0 {
		c.failData(errorList, "there is one or more error(s)!")
		return
	}
	if len(records) == 0 {
		c.fail("no transfer records!")
		return
	}

	if err := s.store.InsertTransfers(records); err != nil {
		s.log.Error("Failed to persist transfer batch", "ref", refUUID, "error", err)
		c.fail(msgInternalError)
		return
	}

	s.log.Info("Transfer batch processed", "ref", refUUID, "records", len(records))
	c.ok(refUUID, fmt.Sprintf("processed %d transfer(s).", len(records)))
}
