package gateway

import (
	"fmt"
	"net/http"

	"github.com/plutonpay/coingate/internal/storage"
)

// listLimit caps every history read.
const listLimit = 500

// listAuth runs the shared preamble of the history endpoints: coin,
// user, allowed_coin, and the optional address membership check.
func (s *Server) listAuth(c *call, r *http.Request, address string) (*storage.CoinSetting, *storage.APIUser, bool) {
	coin, msg := s.resolveCoin(r.PathValue("coin"))
	if msg != "" {
		c.fail(msg)
		return nil, nil, false
	}
	user, msg := s.authUser(r)
	if msg != "" {
		c.fail(msg)
		return nil, nil, false
	}
	c.apiID = user.ID

	if !user.CoinAllowed(coin.CoinName) {
		c.fail(msgCoinLimited(user))
		return nil, nil, false
	}
	if address != "" && !s.addrs.Current().Contains(address) {
		c.fail(fmt.Sprintf("%s, address: %s not within your API.", coin.CoinName, address))
		return nil, nil, false
	}
	return coin, user, true
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	c := s.begin(w, "/list_transactions/", map[string]string{
		"coin": r.PathValue("coin"), "address": address,
	})

	coin, user, ok := s.listAuth(c, r, address)
	if !ok {
		return
	}

	deposits, err := s.store.ListDeposits(storage.DepositFilter{
		APIID:    user.ID,
		CoinName: coin.CoinName,
		Address:  address,
		Limit:    listLimit,
	})
	if err != nil {
		s.log.Error("Failed to list deposits", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	if len(deposits) == 0 {
		c.ok([]interface{}{}, "no transactions.")
		return
	}

	out := make([]map[string]interface{}, 0, len(deposits))
	for _, d := range deposits {
		var notedTime interface{}
		if d.NotedTime != nil {
			notedTime = d.NotedTime.Unix()
		}
		out = append(out, map[string]interface{}{
			"coin_name":  coin.CoinName,
			"txid":       d.TxID,
			"amount":     d.Amount,
			"address":    d.Address,
			"time":       d.TimeInsert.Unix(),
			"tag":        d.Tag,
			"second_tag": d.SecondTag,
			"noted":      d.AlreadyNoted,
			"noted_time": notedTime,
		})
	}
	c.ok(out, nil)
}

func (s *Server) handleListWithdraws(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	c := s.begin(w, "/list_withdraws/", map[string]string{
		"coin": r.PathValue("coin"), "address": address,
	})

	coin, user, ok := s.listAuth(c, r, address)
	if !ok {
		return
	}

	withdraws, err := s.store.ListWithdraws(storage.WithdrawFilter{
		APIID:       user.ID,
		CoinName:    coin.CoinName,
		FromAddress: address,
		Limit:       listLimit,
	})
	if err != nil {
		s.log.Error("Failed to list withdraws", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	if len(withdraws) == 0 {
		c.ok([]interface{}{}, "no transactions.")
		return
	}

	out := make([]map[string]interface{}, 0, len(withdraws))
	for _, wd := range withdraws {
		out = append(out, map[string]interface{}{
			"coin_name":  coin.CoinName,
			"txid":       wd.TxID,
			"amount":     wd.Amount,
			"to_address": wd.ToAddress,
			"time":       wd.Timestamp.Unix(),
			"tag":        wd.Tag,
			"second_tag": wd.SecondTag,
		})
	}
	c.ok(out, nil)
}

func (s *Server) handleListAddresses(w http.ResponseWriter, r *http.Request) {
	c := s.begin(w, "/list_address/", map[string]string{"coin": r.PathValue("coin")})

	coin, user, ok := s.listAuth(c, r, "")
	if !ok {
		return
	}

	addresses, err := s.store.ListAddresses(storage.AddressFilter{
		APIID:    user.ID,
		CoinName: coin.CoinName,
		Limit:    listLimit,
	})
	if err != nil {
		s.log.Error("Failed to list addresses", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	if len(addresses) == 0 {
		c.ok([]interface{}{}, "no address.")
		return
	}

	out := make([]map[string]interface{}, 0, len(addresses))
	for _, a := range addresses {
		out = append(out, map[string]interface{}{
			"coin_name": coin.CoinName,
			"address":   a.Address,
			"created":   a.CreatedDate.Unix(),
			"tag":       a.Tag,
		})
	}
	c.ok(out, nil)
}

func (s *Server) handleNoted(w http.ResponseWriter, r *http.Request) {
	tx := r.PathValue("tx")
	c := s.begin(w, "/noted/", map[string]string{
		"coin": r.PathValue("coin"), "tx": tx,
	})

	coin, msg := s.resolveCoin(r.PathValue("coin"))
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

	dep, err := s.store.FindDeposit(user.ID, coin.CoinName, tx)
	if err == storage.ErrDepositNotFound {
		// An unknown tx is acknowledged too; there is nothing to note.
		c.ok(nil, fmt.Sprintf("no such transaction for %s.", coin.CoinName))
		return
	}
	if err != nil {
		s.log.Error("Failed to find deposit", "coin", coin.CoinName, "tx", tx, "error", err)
		c.fail(msgInternalError)
		return
	}

	if err := s.store.MarkDepositNoted(dep.ID); err != nil {
		s.log.Error("Failed to note deposit", "coin", coin.CoinName, "tx", tx, "error", err)
		c.fail(fmt.Sprintf("%s, internal error noting tx: %s.", coin.CoinName, tx))
		return
	}

	c.ok(nil, fmt.Sprintf("noted for tx %s.", tx))
}
