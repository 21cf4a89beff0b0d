// Package registry keeps lock-free snapshots of slow-changing state:
// the set of every minted deposit address and the enabled coin table.
// Readers grab the current snapshot with a single atomic load; reloads
// build a fresh snapshot and swap it in whole.
package registry

import (
	"strings"
	"sync/atomic"

	"github.com/plutonpay/coingate/internal/storage"
)

// Snapshot is one immutable view of the address registry.
type Snapshot struct {
	addresses map[string]struct{}         // every address string, any coin
	byKey     map[string]*storage.RegistryEntry // "<coin>_<address>"
}

func registryKey(coinName, address string) string {
	return coinName + "_" + address
}

// Contains reports whether an address string was minted by this
// service, for any coin. Withdrawals to such addresses are refused.
func (s *Snapshot) Contains(address string) bool {
	_, ok := s.addresses[address]
	return ok
}

// Lookup resolves a (coin, address) pair to its ownership record.
func (s *Snapshot) Lookup(coinName, address string) (*storage.RegistryEntry, bool) {
	e, ok := s.byKey[registryKey(coinName, address)]
	return e, ok
}

// Len returns the number of registered addresses.
func (s *Snapshot) Len() int {
	return len(s.byKey)
}

// Registry publishes the current address snapshot.
type Registry struct {
	store *storage.Storage
	cur   atomic.Pointer[Snapshot]
}

// New creates an empty registry. Call Reload before serving.
func New(store *storage.Storage) *Registry {
	r := &Registry{store: store}
	r.cur.Store(&Snapshot{
		addresses: map[string]struct{}{},
		byKey:     map[string]*storage.RegistryEntry{},
	})
	return r
}

// Reload rebuilds the snapshot from storage and swaps it in. On error
// the previous snapshot stays current.
func (r *Registry) Reload() error {
	entries, err := r.store.AllRegistryEntries()
	if err != nil {
		return err
	}

	snap := &Snapshot{
		addresses: make(map[string]struct{}, len(entries)),
		byKey:     make(map[string]*storage.RegistryEntry, len(entries)),
	}
	for _, e := range entries {
		snap.addresses[e.Address] = struct{}{}
		snap.byKey[registryKey(e.CoinName, e.Address)] = e
	}

	r.cur.Store(snap)
	return nil
}

// Current returns the live snapshot.
func (r *Registry) Current() *Snapshot {
	return r.cur.Load()
}

// Add extends the live snapshot with one freshly minted address, so a
// mint is visible to withdrawal checks before the next full reload.
// Copy-on-write keeps concurrent readers safe.
func (r *Registry) Add(e *storage.RegistryEntry) {
	old := r.cur.Load()

	snap := &Snapshot{
		addresses: make(map[string]struct{}, len(old.addresses)+1),
		byKey:     make(map[string]*storage.RegistryEntry, len(old.byKey)+1),
	}
	for a := range old.addresses {
		snap.addresses[a] = struct{}{}
	}
	for k, v := range old.byKey {
		snap.byKey[k] = v
	}
	snap.addresses[e.Address] = struct{}{}
	snap.byKey[registryKey(e.CoinName, e.Address)] = e

	r.cur.Store(snap)
}

// CoinTable publishes the enabled coin settings as a snapshot keyed by
// upper-cased coin name.
type CoinTable struct {
	store *storage.Storage
	cur   atomic.Pointer[coinSnapshot]
}

type coinSnapshot struct {
	byName map[string]*storage.CoinSetting
	names  []string
}

// NewCoinTable creates an empty table. Call Reload before serving.
func NewCoinTable(store *storage.Storage) *CoinTable {
	t := &CoinTable{store: store}
	t.cur.Store(&coinSnapshot{byName: map[string]*storage.CoinSetting{}})
	return t
}

// Reload rebuilds the table from the enabled coins in storage.
func (t *CoinTable) Reload() error {
	coins, err := t.store.ListCoinSettings()
	if err != nil {
		return err
	}

	snap := &coinSnapshot{
		byName: make(map[string]*storage.CoinSetting, len(coins)),
		names:  make([]string, 0, len(coins)),
	}
	for _, c := range coins {
		snap.byName[strings.ToUpper(c.CoinName)] = c
		snap.names = append(snap.names, c.CoinName)
	}

	t.cur.Store(snap)
	return nil
}

// Get returns the settings for a coin name, case-insensitively.
func (t *CoinTable) Get(coinName string) (*storage.CoinSetting, bool) {
	c, ok := t.cur.Load().byName[strings.ToUpper(coinName)]
	return c, ok
}

// Names lists the enabled coin names in storage order.
func (t *CoinTable) Names() []string {
	return t.cur.Load().names
}

// All returns every enabled coin setting.
func (t *CoinTable) All() []*storage.CoinSetting {
	snap := t.cur.Load()
	coins := make([]*storage.CoinSetting, 0, len(snap.names))
	for _, name := range snap.names {
		coins = append(coins, snap.byName[strings.ToUpper(name)])
	}
	return coins
}
