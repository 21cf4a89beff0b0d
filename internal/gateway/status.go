package gateway

import (
	"net/http"
	"time"

	"github.com/plutonpay/coingate/internal/kvcache"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/helpers"
)

// coinStatus is the public per-coin parameter read.
type coinStatus struct {
	Coin           string  `json:"coin"`
	MinTransfer    float64 `json:"min_transfer"`
	MaxTransfer    float64 `json:"max_transfer"`
	MinWithdraw    float64 `json:"min_withdraw"`
	MaxWithdraw    float64 `json:"max_withdraw"`
	TxFee          float64 `json:"tx_fee"`
	ChainHeight    int64   `json:"chain_height"`
	EnableCreate   bool    `json:"enable_create"`
	EnableDeposit  bool    `json:"enable_deposit"`
	EnableWithdraw bool    `json:"enable_withdraw"`
	Time           int64   `json:"time"`
}

// handleStatusCoin is public: no Authorization, no audit row. The
// reply is memoized so polling dashboards do not hit the coin table.
func (s *Server) handleStatusCoin(w http.ResponseWriter, r *http.Request) {
	c := s.begin(w, "/status/", nil)

	coin, msg := s.resolveCoin(r.PathValue("coin"))
	if msg != "" {
		c.fail(msg)
		return
	}

	var cached coinStatus
	if ok, _ := s.cache.Get(kvcache.TableStatus, coin.CoinName, &cached); ok {
		c.ok(cached, nil)
		return
	}

	status := coinStatus{
		Coin:           coin.CoinName,
		MinTransfer:    coin.MinTransfer,
		MaxTransfer:    coin.MaxTransfer,
		MinWithdraw:    coin.MinWithdraw,
		MaxWithdraw:    coin.MaxWithdraw,
		TxFee:          coin.FeeWithdraw,
		ChainHeight:    coin.ChainHeight,
		EnableCreate:   coin.EnableCreate,
		EnableDeposit:  coin.EnableDeposit,
		EnableWithdraw: coin.EnableWithdraw,
		Time:           time.Now().Unix(),
	}
	if err := s.cache.Set(kvcache.TableStatus, coin.CoinName, status, kvcache.StatusTTL); err != nil {
		s.log.Warn("Failed to memoize status", "coin", coin.CoinName, "error", err)
	}

	c.ok(status, nil)
}

func (s *Server) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	c := s.begin(w, "/status", nil)
	c.ok(s.coins.Names(), nil)
}

// handleReload is the operator's refresh: settings and the address
// registry are reloaded immediately instead of waiting for the next
// settings tick.
func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	c := s.begin(w, "/reload", nil)

	key := r.Header.Get("Authorization")
	if key == "" {
		c.fail(msgNotMaster)
		return
	}
	if !helpers.ConstantTimeCompare([]byte(key), []byte(s.cfg.Server.MasterKey)) {
		c.fail(msgWrongAPIKey)
		return
	}

	if err := s.coins.Reload(); err != nil {
		s.log.Error("Failed to reload coin settings", "error", err)
		c.fail(msgInternalError)
		return
	}
	if err := s.addrs.Reload(); err != nil {
		s.log.Error("Failed to reload address registry", "error", err)
		c.fail(msgInternalError)
		return
	}

	s.log.Info("Configuration reloaded", "coins", len(s.coins.Names()), "addresses", s.addrs.Current().Len())
	s.events.Notify(webhook.ConfigReloaded())
	c.ok(nil, nil)
}
