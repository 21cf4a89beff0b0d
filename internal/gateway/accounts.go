package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/helpers"
)

// Hold expiry bounds in seconds.
const (
	holdExpiringMin     = 30
	holdExpiringMax     = 30 * 24 * 3600
	holdExpiringDefault = 3600
	holdPurposeMax      = 255
)

type newAddressRequest struct {
	Coin      string `json:"coin"`
	Tag       string `json:"tag"`
	SecondTag string `json:"second_tag,omitempty"`
}

func (s *Server) handleNewAddress(w http.ResponseWriter, r *http.Request) {
	var req newAddressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.begin(w, "/newaddress", nil).fail(msgInternalError)
		return
	}
	c := s.begin(w, "/newaddress", req)

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
	if !coin.EnableCreate {
		c.fail(fmt.Sprintf("Currently, %s not enable for new address generation. Try again later!", coin.CoinName))
		return
	}
	if len(req.Tag) >= 100 {
		c.fail(fmt.Sprintf("tag '%s' is too long.", req.Tag))
		return
	}
	tag := helpers.CollapseSpaces(req.Tag)

	// Idempotent per (coin, tag, api): an existing tag returns its
	// address, picking up a late second_tag along the way.
	existing, err := s.store.GetAddressByTag(user.ID, coin.CoinName, tag)
	if err != nil && err != storage.ErrAddressNotFound {
		s.log.Error("Failed to look up tag", "coin", coin.CoinName, "tag", tag, "error", err)
		c.fail(msgInternalError)
		return
	}
	if existing != nil {
		secondTag := req.SecondTag
		if secondTag != "" && existing.SecondTag == "" {
			if err := s.store.UpdateSecondTag(existing.ID, helpers.CollapseSpaces(secondTag)); err != nil {
				s.log.Error("Failed to update second tag", "id", existing.ID, "error", err)
			}
		}
		var tagOut interface{}
		if existing.SecondTag != "" {
			tagOut = existing.SecondTag
		}
		c.write(Envelope{
			Success:   true,
			Data:      existing.Address,
			Message:   fmt.Sprintf("Tag: '%s' already exist for coin %s within your API.", tag, coin.CoinName),
			SecondTag: tagOut,
			Time:      time.Now().Unix(),
		}, true)
		return
	}

	drv, err := s.newDriver(coin)
	if err != nil {
		s.log.Error("Failed to build driver", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	minted, err := drv.MakeAddress(context.Background())
	if err != nil {
		s.log.Error("Failed to mint address", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	addr := &storage.DepositAddress{
		APIID:        user.ID,
		CoinName:     coin.CoinName,
		Address:      minted.Address,
		AddressExtra: minted.Extra,
		PrivateKey:   minted.PrivateKey,
		Tag:          tag,
		SecondTag:    helpers.CollapseSpaces(req.SecondTag),
	}
	if err := s.store.CreateDepositAddress(addr); err != nil {
		s.log.Error("Failed to persist address", "coin", coin.CoinName, "error", err)
		c.fail("internal error during inserting to DB.")
		return
	}

	// Make the mint visible to withdrawal checks right away.
	s.addrs.Add(&storage.RegistryEntry{
		ID:           addr.ID,
		APIID:        addr.APIID,
		CoinName:     addr.CoinName,
		Address:      addr.Address,
		AddressExtra: addr.AddressExtra,
	})

	s.log.Info("Address minted", "coin", coin.CoinName, "address", minted.Address, "api", user.ID)
	c.ok(minted.Address, nil)
}

type balanceRequest struct {
	Coin    string `json:"coin"`
	Address string `json:"address"`
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req balanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.begin(w, "/balance", nil).fail(msgInternalError)
		return
	}
	c := s.begin(w, "/balance", req)

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

	a, err := s.store.GetAddressForAPI(user.ID, coin.CoinName, req.Address)
	if err == storage.ErrAddressNotFound {
		c.fail(fmt.Sprintf("%s, address not found %s!", coin.CoinName, req.Address))
		return
	}
	if err != nil {
		s.log.Error("Failed to read balance", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	places := coin.RoundPlaces
	c.ok(map[string]interface{}{
		"coin":        coin.CoinName,
		"address":     req.Address,
		"balance":     helpers.RoundAmount(a.Balance(), places),
		"amount_hold": a.AmountHold,
		"deposit":     helpers.RoundAmount(a.TotalDeposited, places),
		"withdrew":    helpers.RoundAmount(a.TotalWithdrew, places),
		"received":    helpers.RoundAmount(a.TotalReceived, places),
		"sent":        helpers.RoundAmount(a.TotalSent, places),
	}, nil)
}

type holdRequest struct {
	Coin     string  `json:"coin"`
	Address  string  `json:"address"`
	Amount   float64 `json:"amount"`
	Expiring int64   `json:"expiring"`
	Purpose  string  `json:"purpose"`
}

func (s *Server) handleHoldBalance(w http.ResponseWriter, r *http.Request) {
	var req holdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.begin(w, "/hold_balance", nil).fail(msgInternalError)
		return
	}
	c := s.begin(w, "/hold_balance", req)

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

	// An address we never minted gets the same answer as one owned by
	// another API.
	entry, ok := s.addrs.Current().Lookup(coin.CoinName, req.Address)
	if !ok || entry.APIID != user.ID {
		c.fail(fmt.Sprintf("%s, address %s.. permission denied.", coin.CoinName, req.Address))
		return
	}

	unlock := s.locks.acquire([]string{coin.CoinName + "_" + req.Address})
	defer unlock()

	a, err := s.store.GetAddressForAPI(user.ID, coin.CoinName, req.Address)
	if err == storage.ErrAddressNotFound {
		c.fail(fmt.Sprintf("%s, address not found %s!", coin.CoinName, req.Address))
		return
	}
	if err != nil {
		s.log.Error("Failed to read balance for hold", "coin", coin.CoinName, "error", err)
		c.fail(msgInternalError)
		return
	}

	places := coin.RoundPlaces
	if req.Amount < 0 {
		c.fail(fmt.Sprintf("%s, invalid amount %s!", coin.CoinName, helpers.FormatAmount(req.Amount, places)))
		return
	}

	holdAmount := helpers.RoundAmount(req.Amount, places)
	balance := helpers.RoundAmount(a.Balance(), places)

	expiring := req.Expiring
	if expiring == 0 {
		expiring = holdExpiringDefault
	}
	if expiring > holdExpiringMax {
		expiring = holdExpiringMax
	}
	if expiring < holdExpiringMin {
		expiring = holdExpiringMin
	}
	purpose := helpers.Truncate(strings.TrimSpace(req.Purpose), holdPurposeMax)

	if holdAmount > balance {
		c.fail(fmt.Sprintf("%s, insufficient balance to hold amount %s! Having %s!",
			coin.CoinName, helpers.FormatAmount(holdAmount, places), helpers.FormatAmount(balance, places)))
		s.events.Notify(webhook.HoldInsufficient(
			user.ID, req.Address, helpers.FormatAmount(holdAmount, places), coin.CoinName,
			helpers.FormatAmount(balance, places)))
		return
	}

	expires := time.Now().Add(time.Duration(expiring) * time.Second)
	hold := &storage.Hold{
		CoinName:     coin.CoinName,
		APIID:        user.ID,
		DepositID:    entry.ID,
		Address:      req.Address,
		HoldAmount:   holdAmount,
		TimeExpiring: expires,
		Purpose:      purpose,
	}
	if err := s.store.InsertHold(hold); err != nil {
		s.log.Error("Failed to insert hold", "coin", coin.CoinName, "error", err)
		c.fail(fmt.Sprintf("%s, internal error for holding %s of address %s",
			coin.CoinName, helpers.FormatAmount(holdAmount, places), req.Address))
		return
	}

	s.events.Notify(webhook.HoldPlaced(
		user.ID, req.Address, helpers.FormatAmount(holdAmount, places), coin.CoinName, expires))

	c.ok(map[string]interface{}{
		"coin":        coin.CoinName,
		"address":     req.Address,
		"hold_amount": holdAmount,
		"expiring":    expires.Unix(),
		"purpose":     purpose,
	}, nil)
}
