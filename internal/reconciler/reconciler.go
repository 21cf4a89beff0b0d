// Package reconciler runs the background loops that keep the ledger in
// step with the chains: deposit scans per driver family, confirmation
// promotion, expired-hold sweeps and settings reloads.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/plutonpay/coingate/internal/config"
	"github.com/plutonpay/coingate/internal/driver"
	"github.com/plutonpay/coingate/internal/kvcache"
	"github.com/plutonpay/coingate/internal/metrics"
	"github.com/plutonpay/coingate/internal/registry"
	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/helpers"
	"github.com/plutonpay/coingate/pkg/logging"
)

// Options wires the reconciler's dependencies.
type Options struct {
	Store     *storage.Storage
	Cache     kvcache.Store
	Coins     *registry.CoinTable
	Addresses *registry.Registry
	Events    webhook.EventSink
	Metrics   *metrics.Metrics
	Config    config.ReconcilerConfig
	Logger    *logging.Logger

	// NewDriver overrides driver construction, for tests. Nil means
	// driver.New.
	NewDriver func(*storage.CoinSetting) (driver.Driver, error)
}

// Service owns the background loops. Start launches them; Stop shuts
// them down and waits.
type Service struct {
	store     *storage.Storage
	cache     kvcache.Store
	coins     *registry.CoinTable
	addrs     *registry.Registry
	events    webhook.EventSink
	metrics   *metrics.Metrics
	cfg       config.ReconcilerConfig
	logger    *logging.Logger
	newDriver func(*storage.CoinSetting) (driver.Driver, error)

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates the service. Call Start to launch the loops.
func New(opts Options) *Service {
	s := &Service{
		store:     opts.Store,
		cache:     opts.Cache,
		coins:     opts.Coins,
		addrs:     opts.Addresses,
		events:    opts.Events,
		metrics:   opts.Metrics,
		cfg:       opts.Config,
		logger:    opts.Logger,
		newDriver: opts.NewDriver,
		stopCh:    make(chan struct{}),
	}
	if s.newDriver == nil {
		s.newDriver = driver.New
	}
	if s.events == nil {
		s.events = webhook.Fanout{}
	}
	return s
}

// Start launches one scan loop per driver family plus the promotion,
// hold sweep and settings loops.
func (s *Service) Start() {
	for _, family := range driver.Families {
		s.wg.Add(1)
		go s.scanLoop(family)
	}

	s.wg.Add(3)
	go s.promoteLoop()
	go s.sweepLoop()
	go s.settingsLoop()

	s.logger.Info("Reconciler started",
		"scan_interval", s.cfg.ScanInterval,
		"scan_window", s.cfg.ScanWindow)
}

// Stop shuts the loops down and waits for in-flight work.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("Reconciler stopped")
}

// familyCoins selects the enabled coins one scan loop is responsible for.
func (s *Service) familyCoins(family driver.Family) []*storage.CoinSetting {
	var coins []*storage.CoinSetting
	for _, c := range s.coins.All() {
		if driver.FamilyOf(c.Type) == family && c.EnableDeposit {
			coins = append(coins, c)
		}
	}
	return coins
}

// scanLoop drives the deposit scans of one driver family. Coins within
// a tick run concurrently and the tick waits for all of them, so a coin
// is never scanned twice at once.
func (s *Service) scanLoop(family driver.Family) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			var tick sync.WaitGroup
			for _, c := range s.familyCoins(family) {
				tick.Add(1)
				go func(c *storage.CoinSetting) {
					defer tick.Done()
					s.scanCoin(c)
				}(c)
			}
			tick.Wait()
		}
	}
}

// scanCoin runs one scan pass: fetch the tip, publish it, list the
// window below it and record every transfer aimed at one of ours.
func (s *Service) scanCoin(c *storage.CoinSetting) {
	started := time.Now()
	defer func() {
		s.metrics.ScanDuration.WithLabelValues(c.CoinName).Observe(time.Since(started).Seconds())
	}()

	drv, err := s.newDriver(c)
	if err != nil {
		s.logger.Error("Failed to build driver", "coin", c.CoinName, "error", err)
		return
	}

	ctx := context.Background()

	tip, err := drv.TopBlock(ctx)
	if err != nil {
		s.logger.Warn("Failed to fetch chain tip", "coin", c.CoinName, "error", err)
		return
	}

	if err := s.cache.Set(kvcache.TableBlock, c.CoinName, tip, kvcache.BlockTTL); err != nil {
		s.logger.Warn("Failed to cache chain tip", "coin", c.CoinName, "error", err)
	}
	if err := s.store.UpdateChainHeight(c.CoinName, tip.Height, time.Now()); err != nil {
		s.logger.Warn("Failed to persist chain height", "coin", c.CoinName, "error", err)
	}

	fromHeight := tip.Height - s.cfg.ScanWindow
	if fromHeight < 0 {
		fromHeight = 0
	}

	transfers, err := drv.ListTransfers(ctx, fromHeight, tip.Height)
	if err != nil {
		s.logger.Warn("Failed to list transfers", "coin", c.CoinName, "error", err)
		return
	}

	minAtomic := helpers.AmountToAtomic(c.MinDeposit, c.Decimal)
	for _, t := range transfers {
		if t.Amount < minAtomic {
			continue
		}
		// A transfer is recorded only once it sits at least
		// confirmation_depth blocks below the tip; shallower ones are
		// picked up by a later pass.
		if t.Height <= 0 || t.Height+c.ConfirmationDepth > tip.Height {
			continue
		}
		s.recordDeposit(c, tip, t)
	}
}

// recordDeposit resolves a transfer to its owning address and upserts
// the deposit row, pending until the promotion loop confirms it.
func (s *Service) recordDeposit(c *storage.CoinSetting, tip *driver.Tip, t *driver.IncomingTransfer) {
	var owner *storage.DepositAddress
	var err error

	// Integrated families discriminate by payment id; transfers without
	// one, and the plain-address family, resolve by address.
	if c.Type.IntegratedAddresses() && t.PaymentID != "" {
		owner, err = s.store.FindAddressByExtra(c.CoinName, t.PaymentID)
	} else {
		owner, err = s.store.FindAddressByAddress(c.CoinName, t.Address)
	}
	if err == storage.ErrAddressNotFound {
		return
	}
	if err != nil {
		s.logger.Error("Failed to resolve deposit owner", "coin", c.CoinName, "txid", t.TxID, "error", err)
		return
	}

	amount := helpers.RoundAmount(helpers.AtomicToAmount(t.Amount, c.Decimal), c.RoundPlaces)

	// The block at the tip counts as zero confirmations: a deposit is
	// spendable only once depth full blocks separate it from the tip.
	var confirmations int64
	if t.Height > 0 && tip.Height >= t.Height {
		confirmations = tip.Height - t.Height
	}

	dep := &storage.Deposit{
		CoinName:      c.CoinName,
		APIID:         owner.APIID,
		DepositAddrID: owner.ID,
		TxID:          t.TxID,
		BlockHash:     t.BlockHash,
		Address:       owner.Address,
		Extra:         t.PaymentID,
		Height:        t.Height,
		Amount:        amount,
		Confirmations: confirmations,
	}

	created, err := s.store.UpsertDeposit(dep)
	if err != nil {
		s.logger.Error("Failed to record deposit", "coin", c.CoinName, "txid", t.TxID, "error", err)
		return
	}
	if !created {
		return
	}

	s.metrics.DepositsDetected.WithLabelValues(c.CoinName).Inc()
	s.logger.Info("Deposit detected",
		"coin", c.CoinName, "amount", amount, "address", owner.Address, "txid", t.TxID)

	s.events.Notify(webhook.PendingDeposit(
		owner.APIID,
		helpers.FormatAmount(amount, c.RoundPlaces),
		c.CoinName,
		owner.Address,
		t.Height,
		t.TxID,
		c.Type.IntegratedAddresses(),
	))
}

// promoteLoop flips pending deposits to credited once the confirmation
// rule is met, using cached tips with the persisted height as fallback.
func (s *Service) promoteLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PromoteInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			for _, c := range s.coins.All() {
				s.promoteCoin(c)
			}
		}
	}
}

func (s *Service) promoteCoin(c *storage.CoinSetting) {
	var tip driver.Tip
	ok, err := s.cache.Get(kvcache.TableBlock, c.CoinName, &tip)
	if err != nil || !ok {
		tip.Height = c.ChainHeight
	}

	promoted, err := s.store.PromoteDeposits(c.CoinName, tip.Height, c.ConfirmationDepth)
	if err != nil {
		s.logger.Error("Failed to promote deposits", "coin", c.CoinName, "error", err)
		return
	}

	for _, d := range promoted {
		s.metrics.DepositsPromoted.WithLabelValues(c.CoinName).Inc()
		s.logger.Info("Deposit unlocked",
			"coin", c.CoinName, "amount", d.Amount, "address", d.Address, "txid", d.TxID)

		s.events.Notify(webhook.UnlockedDeposit(
			d.APIID,
			helpers.FormatAmount(d.Amount, c.RoundPlaces),
			c.CoinName,
			d.Address,
			d.TxID,
		))
	}
}

// sweepLoop releases holds past their expiry.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.HoldSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			n, err := s.store.SweepExpiredHolds(time.Now())
			if err != nil {
				s.logger.Error("Failed to sweep holds", "error", err)
				continue
			}
			if n > 0 {
				s.metrics.HoldsSwept.Add(float64(n))
				s.logger.Info("Expired holds released", "count", n)
			}
		}
	}
}

// settingsLoop refreshes the coin table and the address registry so
// administrative changes land without a restart.
func (s *Service) settingsLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SettingsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.coins.Reload(); err != nil {
				s.logger.Error("Failed to reload coin settings", "error", err)
			}
			if err := s.addrs.Reload(); err != nil {
				s.logger.Error("Failed to reload address registry", "error", err)
			}
		}
	}
}

// ScanOnce runs a single scan pass for every enabled coin and waits.
// Used by /reload to pick up changes immediately.
func (s *Service) ScanOnce() {
	var tick sync.WaitGroup
	for _, family := range driver.Families {
		for _, c := range s.familyCoins(family) {
			tick.Add(1)
			go func(c *storage.CoinSetting) {
				defer tick.Done()
				s.scanCoin(c)
			}(c)
		}
	}
	tick.Wait()
}
