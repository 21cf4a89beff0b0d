package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/plutonpay/coingate/internal/config"
	"github.com/plutonpay/coingate/internal/driver"
	"github.com/plutonpay/coingate/internal/kvcache"
	"github.com/plutonpay/coingate/internal/metrics"
	"github.com/plutonpay/coingate/internal/registry"
	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/helpers"
)

type fakeDriver struct {
	mu      sync.Mutex
	minted  int
	sendErr error
}

func (f *fakeDriver) TopBlock(ctx context.Context) (*driver.Tip, error) {
	return &driver.Tip{Height: 1000}, nil
}

func (f *fakeDriver) MakeAddress(ctx context.Context) (*driver.MintedAddress, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.minted++
	return &driver.MintedAddress{Address: fmt.Sprintf("bc1qminted%d", f.minted)}, nil
}

func (f *fakeDriver) ListTransfers(ctx context.Context, fromHeight, toHeight int64) ([]*driver.IncomingTransfer, error) {
	return nil, nil
}

func (f *fakeDriver) SendExternal(ctx context.Context, fromAddress, toAddress string, amount int64) (*driver.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &driver.SendResult{TxHash: "faketx"}, nil
}

type noticeLog struct {
	mu      sync.Mutex
	notices []string
}

func (n *noticeLog) Notify(content string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, content)
}

func (n *noticeLog) all() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.notices...)
}

type fixture struct {
	store   *storage.Storage
	coins   *registry.CoinTable
	addrs   *registry.Registry
	cache   *kvcache.Memory
	notices *noticeLog
	drv     *fakeDriver
	srv     *Server
	mux     *http.ServeMux
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", "coingate-gateway-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	store, err := storage.New(&storage.Config{Mode: "sqlite3", DSN: filepath.Join(tmpDir, "gateway.db")})
	if err != nil {
		t.Fatalf("failed to open storage: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Server.MasterKey = "master-secret"

	f := &fixture{
		store:   store,
		coins:   registry.NewCoinTable(store),
		addrs:   registry.New(store),
		cache:   kvcache.NewMemory(64),
		notices: &noticeLog{},
		drv:     &fakeDriver{},
	}

	f.srv = NewServer(Options{
		Config:    cfg,
		Store:     store,
		Cache:     f.cache,
		Coins:     f.coins,
		Addrs:     f.addrs,
		Events:    f.notices,
		Metrics:   metrics.New(),
		NewDriver: func(*storage.CoinSetting) (driver.Driver, error) { return f.drv, nil },
	})
	f.mux = f.srv.routes()

	return f
}

// addBTC installs the fixture's default coin.
func (f *fixture) addBTC(t *testing.T) *storage.CoinSetting {
	t.Helper()
	coin := &storage.CoinSetting{
		CoinName: "BTC", Type: storage.CoinTypeBTC,
		Enabled: true, EnableCreate: true, EnableDeposit: true, EnableWithdraw: true,
		Decimal: 8, RoundPlaces: 8, ConfirmationDepth: 6,
		MinDeposit: 0.001, MinTransfer: 0.0001, MaxTransfer: 100,
		MinWithdraw: 0.001, MaxWithdraw: 100, FeeWithdraw: 0.0005,
	}
	f.addCoin(t, coin)
	return coin
}

func (f *fixture) addCoin(t *testing.T, c *storage.CoinSetting) {
	t.Helper()
	if err := f.store.CreateCoinSetting(c); err != nil {
		t.Fatalf("CreateCoinSetting() error = %v", err)
	}
	if err := f.coins.Reload(); err != nil {
		t.Fatalf("CoinTable.Reload() error = %v", err)
	}
}

func (f *fixture) addUser(t *testing.T, key string, allowed []string, suspended bool) *storage.APIUser {
	t.Helper()
	u := &storage.APIUser{APIKey: key, AllowedCoin: allowed, IsSuspended: suspended}
	if err := f.store.CreateAPIUser(u); err != nil {
		t.Fatalf("CreateAPIUser() error = %v", err)
	}
	return u
}

func (f *fixture) addAddress(t *testing.T, a *storage.DepositAddress) *storage.DepositAddress {
	t.Helper()
	if err := f.store.CreateDepositAddress(a); err != nil {
		t.Fatalf("CreateDepositAddress() error = %v", err)
	}
	if err := f.addrs.Reload(); err != nil {
		t.Fatalf("Registry.Reload() error = %v", err)
	}
	return a
}

// credit gives an address a confirmed deposit so its balance is spendable.
func (f *fixture) credit(t *testing.T, a *storage.DepositAddress, txid string, amount float64) {
	t.Helper()
	if _, err := f.store.UpsertDeposit(&storage.Deposit{
		CoinName: a.CoinName, APIID: a.APIID, DepositAddrID: a.ID,
		TxID: txid, Address: a.Address, Height: 1, Amount: amount, Confirmations: 999,
	}); err != nil {
		t.Fatalf("UpsertDeposit() error = %v", err)
	}
	if _, err := f.store.PromoteDeposits(a.CoinName, 0, 6); err != nil {
		t.Fatalf("PromoteDeposits() error = %v", err)
	}
}

func (f *fixture) do(t *testing.T, method, path, apiKey string, body interface{}) *Envelope {
	t.Helper()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request: %v", err)
		}
		rd = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, rd)
	if apiKey != "" {
		req.Header.Set("Authorization", apiKey)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("%s %s status = %d, want 200", method, path, rec.Code)
	}

	var env Envelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("failed to decode envelope: %v (%s)", err, rec.Body.String())
	}
	return &env
}

func TestBalanceUnknownCoin(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)

	env := f.do(t, "POST", "/balance", "k1", map[string]interface{}{"coin": "ZZZ", "address": "a"})

	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Data != nil {
		t.Errorf("Data = %v, want null", env.Data)
	}
	if env.Message != "coin ZZZ not in the supported list!" {
		t.Errorf("Message = %v", env.Message)
	}
}

func TestNewAddressRequiresAuthHeader(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)

	env := f.do(t, "POST", "/newaddress", "", map[string]interface{}{"coin": "BTC", "tag": "t"})

	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Message != "You need Authorization key in header!" {
		t.Errorf("Message = %v", env.Message)
	}
}

func TestAuthRejections(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "suspended-key", nil, true)
	f.addUser(t, "ltc-only", []string{"LTC"}, false)

	env := f.do(t, "POST", "/newaddress", "no-such-key", map[string]interface{}{"coin": "BTC", "tag": "t"})
	if env.Success || env.Message != "Wrong API key!" {
		t.Errorf("unknown key envelope = %+v", env)
	}

	env = f.do(t, "POST", "/newaddress", "suspended-key", map[string]interface{}{"coin": "BTC", "tag": "t"})
	if env.Success || env.Message != "We suspended your API key, please contact us!" {
		t.Errorf("suspended envelope = %+v", env)
	}

	env = f.do(t, "POST", "/newaddress", "ltc-only", map[string]interface{}{"coin": "BTC", "tag": "t"})
	if env.Success || env.Message != "Your API is limited to these coins: LTC! If you need, please request additional access." {
		t.Errorf("limited envelope = %+v", env)
	}
}

func TestNewAddressMintsAndIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)

	env := f.do(t, "POST", "/newaddress", "k1", map[string]interface{}{"coin": "BTC", "tag": "t1"})
	if !env.Success {
		t.Fatalf("mint envelope = %+v", env)
	}
	minted, _ := env.Data.(string)
	if minted == "" {
		t.Fatalf("Data = %v, want minted address", env.Data)
	}
	if env.Message != nil {
		t.Errorf("Message = %v, want null", env.Message)
	}

	// The fresh mint must be visible to registry reads right away.
	if !f.addrs.Current().Contains(minted) {
		t.Errorf("registry does not contain %q after mint", minted)
	}

	env = f.do(t, "POST", "/newaddress", "k1", map[string]interface{}{"coin": "BTC", "tag": "t1"})
	if !env.Success {
		t.Fatalf("repeat envelope = %+v", env)
	}
	if env.Data != minted {
		t.Errorf("repeat Data = %v, want %q", env.Data, minted)
	}
	msg, _ := env.Message.(string)
	if !strings.Contains(msg, "Tag: 't1' already exist") {
		t.Errorf("repeat Message = %v", env.Message)
	}
}

func TestNewAddressBackfillsSecondTag(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)

	f.do(t, "POST", "/newaddress", "k1", map[string]interface{}{"coin": "BTC", "tag": "t1"})
	env := f.do(t, "POST", "/newaddress", "k1", map[string]interface{}{
		"coin": "BTC", "tag": "t1", "second_tag": "memo-7",
	})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}

	a, err := f.store.GetAddressByTag(u.ID, "BTC", "t1")
	if err != nil {
		t.Fatalf("GetAddressByTag() error = %v", err)
	}
	if a.SecondTag != "memo-7" {
		t.Errorf("SecondTag = %q, want memo-7", a.SecondTag)
	}
}

func TestBalanceRead(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "bc1qa", Tag: "t"})
	f.credit(t, a, "tx1", 2.5)

	env := f.do(t, "POST", "/balance", "k1", map[string]interface{}{"coin": "BTC", "address": "bc1qa"})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	data, ok := env.Data.(map[string]interface{})
	if !ok {
		t.Fatalf("Data = %T", env.Data)
	}
	if data["balance"] != 2.5 || data["deposit"] != 2.5 {
		t.Errorf("balance/deposit = %v/%v, want 2.5/2.5", data["balance"], data["deposit"])
	}
	if data["coin"] != "BTC" || data["address"] != "bc1qa" {
		t.Errorf("identity fields = %v/%v", data["coin"], data["address"])
	}
}

func TestBalanceUnknownAddress(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)

	env := f.do(t, "POST", "/balance", "k1", map[string]interface{}{"coin": "BTC", "address": "bc1qnope"})
	if env.Success || env.Message != "BTC, address not found bc1qnope!" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestWithdrawToInternalAddress(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "B", Tag: "tb"})
	f.credit(t, a, "tx1", 5)

	env := f.do(t, "POST", "/withdraw", "k1", map[string]interface{}{
		"coin": "BTC", "from_address": "A", "to_address": "B", "amount": 1.0, "remark": "",
	})

	want := "BTC, you can not send to address B. You might need to call /transfer instead"
	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Message != want {
		t.Errorf("Message = %v, want %q", env.Message, want)
	}
	if env.Data != want {
		t.Errorf("Data = %v, want the warning echoed", env.Data)
	}

	var warned bool
	for _, n := range f.notices.all() {
		if strings.Contains(n, "ATTEMPT TO WITHDRAW") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no internal-destination notice in %v", f.notices.all())
	}
}

func TestWithdrawSuccess(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 2)

	env := f.do(t, "POST", "/withdraw", "k1", map[string]interface{}{
		"coin": "BTC", "from_address": "A", "to_address": "bc1qexternal", "amount": 1.0, "remark": "payout",
	})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Data != "faketx" {
		t.Errorf("Data = %v, want faketx", env.Data)
	}
	msg, _ := env.Message.(string)
	if !strings.Contains(msg, "Tx: faketx, Ref: ") {
		t.Errorf("Message = %v", env.Message)
	}

	withdraws, err := f.store.ListWithdraws(storage.WithdrawFilter{APIID: u.ID, CoinName: "BTC"})
	if err != nil {
		t.Fatalf("ListWithdraws() error = %v", err)
	}
	if len(withdraws) != 1 || withdraws[0].TxID != "faketx" || withdraws[0].Amount != 1 {
		t.Fatalf("withdraws = %+v", withdraws)
	}

	// Amount plus fee left the sender.
	got, _ := f.store.GetAddressForAPI(u.ID, "BTC", "A")
	if helpers.RoundAmount(got.Balance(), 8) != 0.9995 {
		t.Errorf("Balance() = %v, want 0.9995", got.Balance())
	}

	var sent bool
	for _, n := range f.notices.all() {
		if strings.Contains(n, "WITHDRAW 1 BTC to bc1qexternal. Tx: faketx") {
			sent = true
		}
	}
	if !sent {
		t.Errorf("no withdraw notice in %v", f.notices.all())
	}
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 0.5)

	env := f.do(t, "POST", "/withdraw", "k1", map[string]interface{}{
		"coin": "BTC", "from_address": "A", "to_address": "bc1qexternal", "amount": 1.0, "remark": "",
	})
	if env.Success {
		t.Error("Success = true, want false")
	}
	msg, _ := env.Message.(string)
	if !strings.Contains(msg, "insufficient balance to withdraw for A!") {
		t.Errorf("Message = %v", env.Message)
	}
}

func TestWithdrawSendFailureInsertsNoRow(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 2)
	f.drv.sendErr = errors.New("wallet offline")

	env := f.do(t, "POST", "/withdraw", "k1", map[string]interface{}{
		"coin": "BTC", "from_address": "A", "to_address": "bc1qexternal", "amount": 1.0, "remark": "",
	})
	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Message != "BTC, failed to send 1 BTC to bc1qexternal." {
		t.Errorf("Message = %v", env.Message)
	}

	// No ledger row without a broadcast hash, and the balance stays.
	withdraws, _ := f.store.ListWithdraws(storage.WithdrawFilter{APIID: u.ID, CoinName: "BTC"})
	if len(withdraws) != 0 {
		t.Errorf("got %d withdraw rows after failed send, want 0", len(withdraws))
	}
	got, _ := f.store.GetAddressForAPI(u.ID, "BTC", "A")
	if got.Balance() != 2 {
		t.Errorf("Balance() = %v, want 2", got.Balance())
	}
}

func TestTransferLoopDetected(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	b := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "B", Tag: "tb"})
	f.credit(t, a, "tx1", 2)
	f.credit(t, b, "tx2", 2)

	env := f.do(t, "POST", "/transfer", "k1", []map[string]interface{}{
		{"coin": "BTC", "from_address": "A", "to_address": "B", "amount": 1.0, "remark": ""},
		{"coin": "BTC", "from_address": "B", "to_address": "A", "amount": 1.0, "remark": ""},
	})

	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Message != "there is one or more error(s)!" {
		t.Errorf("Message = %v", env.Message)
	}
	list, ok := env.Data.([]interface{})
	if !ok || len(list) != 1 || list[0] != "BTC, loop transfer detected." {
		t.Errorf("Data = %v, want [BTC, loop transfer detected.]", env.Data)
	}
}

func TestTransferSuccess(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "B", Tag: "tb"})
	f.credit(t, a, "tx1", 2)

	env := f.do(t, "POST", "/transfer", "k1", []map[string]interface{}{
		{"coin": "BTC", "from_address": "A", "to_address": "B", "amount": 1.5, "remark": "settle"},
	})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Message != "processed 1 transfer(s)." {
		t.Errorf("Message = %v", env.Message)
	}

	ref, _ := env.Data.(string)
	if ref == "" {
		t.Fatalf("Data = %v, want batch ref", env.Data)
	}
	rows, err := f.store.ListTransfersByRef(ref)
	if err != nil {
		t.Fatalf("ListTransfersByRef() error = %v", err)
	}
	if len(rows) != 1 || rows[0].Amount != 1.5 || rows[0].Purpose != "settle" {
		t.Fatalf("rows = %+v", rows)
	}

	fromAddr, _ := f.store.GetAddressForAPI(u.ID, "BTC", "A")
	toAddr, _ := f.store.GetAddressForAPI(u.ID, "BTC", "B")
	if fromAddr.Balance() != 0.5 {
		t.Errorf("sender Balance() = %v, want 0.5", fromAddr.Balance())
	}
	if toAddr.Balance() != 1.5 {
		t.Errorf("receiver Balance() = %v, want 1.5", toAddr.Balance())
	}
}

func TestTransferFailingBatchWritesNothing(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "B", Tag: "tb"})
	f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "C", Tag: "tc"})
	f.credit(t, a, "tx1", 2)

	env := f.do(t, "POST", "/transfer", "k1", []map[string]interface{}{
		{"coin": "BTC", "from_address": "A", "to_address": "B", "amount": 1.0, "remark": ""},
		{"coin": "BTC", "from_address": "A", "to_address": "C", "amount": 5.0, "remark": ""},
	})
	if env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	list, _ := env.Data.([]interface{})
	if len(list) != 1 || !strings.Contains(list[0].(string), "not sufficient balance.") {
		t.Errorf("Data = %v", env.Data)
	}

	// One bad record rejects the whole batch.
	var count int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM transfers").Scan(&count); err != nil {
		t.Fatalf("count transfers: %v", err)
	}
	if count != 0 {
		t.Errorf("got %d transfer rows after failed batch, want 0", count)
	}
	got, _ := f.store.GetAddressForAPI(u.ID, "BTC", "A")
	if got.Balance() != 2 {
		t.Errorf("Balance() = %v, want 2", got.Balance())
	}
}

func TestTransferForeignAddress(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)
	other := f.addUser(t, "k2", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: other.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.addAddress(t, &storage.DepositAddress{APIID: other.ID, CoinName: "BTC", Address: "B", Tag: "tb"})
	f.credit(t, a, "tx1", 2)

	env := f.do(t, "POST", "/transfer", "k1", []map[string]interface{}{
		{"coin": "BTC", "from_address": "A", "to_address": "B", "amount": 1.0, "remark": ""},
	})
	if env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	list, _ := env.Data.([]interface{})
	if len(list) == 0 || list[0] != "BTC/address: A is not within your API!" {
		t.Errorf("Data = %v", env.Data)
	}
}

func TestHoldPlacedWithDefaultExpiry(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 2)

	before := time.Now().Unix()
	env := f.do(t, "POST", "/hold_alance", "k1", map[string]interface{}{
		"coin": "BTC", "address": "A", "amount": 1.0, "expiring": 0, "purpose": "  order-42  ",
	})
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}

	data, _ := env.Data.(map[string]interface{})
	if data["hold_amount"] != 1.0 || data["purpose"] != "order-42" {
		t.Errorf("data = %v", data)
	}
	expiring := int64(data["expiring"].(float64))
	if expiring < before+3599 || expiring > before+3602 {
		t.Errorf("expiring = %d, want about %d", expiring, before+3600)
	}

	// The hold is against the spendable balance immediately.
	got, _ := f.store.GetAddressForAPI(u.ID, "BTC", "A")
	if got.Balance() != 1 || got.AmountHold != 1 {
		t.Errorf("Balance()/AmountHold = %v/%v, want 1/1", got.Balance(), got.AmountHold)
	}
	if n, _ := f.store.CountHolds(u.ID, "BTC", "A"); n != 1 {
		t.Errorf("CountHolds() = %d, want 1", n)
	}

	var placed bool
	for _, n := range f.notices.all() {
		if strings.Contains(n, "HOLDING 1 BTC") {
			placed = true
		}
	}
	if !placed {
		t.Errorf("no hold notice in %v", f.notices.all())
	}
}

func TestHoldInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 2)

	env := f.do(t, "POST", "/hold_alance", "k1", map[string]interface{}{
		"coin": "BTC", "address": "A", "amount": 5.0,
	})
	if env.Success {
		t.Error("Success = true, want false")
	}
	if env.Message != "BTC, insufficient balance to hold amount 5! Having 2!" {
		t.Errorf("Message = %v", env.Message)
	}

	var warned bool
	for _, n := range f.notices.all() {
		if strings.Contains(n, "trying to hold 5 BTC but having 2 BTC.") {
			warned = true
		}
	}
	if !warned {
		t.Errorf("no insufficient-hold notice in %v", f.notices.all())
	}
}

func TestHoldForeignAddressDenied(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)
	other := f.addUser(t, "k2", nil, false)
	f.addAddress(t, &storage.DepositAddress{APIID: other.ID, CoinName: "BTC", Address: "A", Tag: "ta"})

	// An address of another API and one we never minted read the same.
	for _, addr := range []string{"A", "bc1qnowhere"} {
		env := f.do(t, "POST", "/hold_alance", "k1", map[string]interface{}{
			"coin": "BTC", "address": addr, "amount": 1.0,
		})
		if env.Success {
			t.Errorf("%s: Success = true, want false", addr)
		}
		msg, _ := env.Message.(string)
		if !strings.Contains(msg, "permission denied.") {
			t.Errorf("%s: Message = %v", addr, env.Message)
		}
	}
}

func TestNotedFlow(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 1)

	env := f.do(t, "GET", "/noted/BTC/ghost", "k1", nil)
	if !env.Success || env.Data != nil || env.Message != "no such transaction for BTC." {
		t.Errorf("unknown tx envelope = %+v", env)
	}

	env = f.do(t, "GET", "/noted/BTC/tx1", "k1", nil)
	if !env.Success || env.Message != "noted for tx tx1." {
		t.Errorf("noted envelope = %+v", env)
	}

	deposits, _ := f.store.ListDeposits(storage.DepositFilter{APIID: u.ID, CoinName: "BTC"})
	if len(deposits) != 1 || !deposits[0].AlreadyNoted || deposits[0].NotedTime == nil {
		t.Errorf("deposits = %+v", deposits)
	}
}

func TestListsEmpty(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	f.addUser(t, "k1", nil, false)

	env := f.do(t, "GET", "/list_transactions/BTC", "k1", nil)
	if !env.Success || env.Message != "no transactions." {
		t.Errorf("transactions envelope = %+v", env)
	}
	env = f.do(t, "GET", "/list_withdraws/BTC", "k1", nil)
	if !env.Success || env.Message != "no transactions." {
		t.Errorf("withdraws envelope = %+v", env)
	}
	env = f.do(t, "GET", "/list_address/BTC", "k1", nil)
	if !env.Success || env.Message != "no address." {
		t.Errorf("address envelope = %+v", env)
	}
}

func TestListTransactionsRows(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta", SecondTag: "m"})
	f.credit(t, a, "tx1", 1.25)

	env := f.do(t, "GET", "/list_transactions/BTC/A", "k1", nil)
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	rows, _ := env.Data.([]interface{})
	if len(rows) != 1 {
		t.Fatalf("Data = %v", env.Data)
	}
	row := rows[0].(map[string]interface{})
	if row["txid"] != "tx1" || row["amount"] != 1.25 || row["tag"] != "ta" || row["second_tag"] != "m" {
		t.Errorf("row = %v", row)
	}

	// The address filter is scoped to the caller's own registry.
	env = f.do(t, "GET", "/list_transactions/BTC/bc1qother", "k1", nil)
	if env.Success || env.Message != "BTC, address: bc1qother not within your API." {
		t.Errorf("foreign address envelope = %+v", env)
	}
}

func TestStatusIsPublicAndMemoized(t *testing.T) {
	f := newFixture(t)
	coin := f.addBTC(t)

	env := f.do(t, "GET", "/status/btc", "", nil)
	if !env.Success {
		t.Fatalf("envelope = %+v", env)
	}
	data, _ := env.Data.(map[string]interface{})
	if data["coin"] != "BTC" || data["tx_fee"] != coin.FeeWithdraw || data["enable_withdraw"] != true {
		t.Errorf("data = %v", data)
	}

	// A cached reply is served as-is until the TTL lapses.
	sentinel := coinStatus{Coin: "BTC", MinWithdraw: 42}
	if err := f.cache.Set(kvcache.TableStatus, "BTC", sentinel, kvcache.StatusTTL); err != nil {
		t.Fatalf("cache Set() error = %v", err)
	}
	env = f.do(t, "GET", "/status/BTC", "", nil)
	data, _ = env.Data.(map[string]interface{})
	if data["min_withdraw"] != 42.0 {
		t.Errorf("memoized min_withdraw = %v, want 42", data["min_withdraw"])
	}

	env = f.do(t, "GET", "/status", "", nil)
	names, _ := env.Data.([]interface{})
	if len(names) != 1 || names[0] != "BTC" {
		t.Errorf("coin list = %v", env.Data)
	}
}

func TestReload(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)

	env := f.do(t, "GET", "/reload", "", nil)
	if env.Success || env.Message != "This is not where you need to do!" {
		t.Errorf("no header envelope = %+v", env)
	}

	env = f.do(t, "GET", "/reload", "wrong", nil)
	if env.Success || env.Message != "Wrong API key!" {
		t.Errorf("wrong key envelope = %+v", env)
	}

	// A coin inserted behind the table's back appears after the reload.
	if err := f.store.CreateCoinSetting(&storage.CoinSetting{
		CoinName: "LTC", Type: storage.CoinTypeBTC, Enabled: true,
		Decimal: 8, RoundPlaces: 8,
	}); err != nil {
		t.Fatalf("CreateCoinSetting() error = %v", err)
	}

	env = f.do(t, "GET", "/reload", "master-secret", nil)
	if !env.Success || env.Data != nil || env.Message != nil {
		t.Errorf("reload envelope = %+v", env)
	}
	if _, ok := f.coins.Get("LTC"); !ok {
		t.Error("LTC not visible after reload")
	}

	var reloaded bool
	for _, n := range f.notices.all() {
		if n == "Configuration reloaded" {
			reloaded = true
		}
	}
	if !reloaded {
		t.Errorf("no reload notice in %v", f.notices.all())
	}
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	f.addBTC(t)
	u := f.addUser(t, "k1", nil, false)
	a := f.addAddress(t, &storage.DepositAddress{APIID: u.ID, CoinName: "BTC", Address: "A", Tag: "ta"})
	f.credit(t, a, "tx1", 1)

	f.do(t, "POST", "/balance", "k1", map[string]interface{}{"coin": "BTC", "address": "A"})
	f.do(t, "POST", "/balance", "k1", map[string]interface{}{"coin": "BTC", "address": "ghost"})

	okCount, err := f.store.CountAPILogs(false)
	if err != nil {
		t.Fatalf("CountAPILogs() error = %v", err)
	}
	failCount, _ := f.store.CountAPILogs(true)
	if okCount != 1 || failCount != 1 {
		t.Errorf("audit counts = (%d, %d), want (1, 1)", okCount, failCount)
	}

	// Rejections before the key resolves have no owner to log against.
	f.do(t, "POST", "/balance", "", map[string]interface{}{"coin": "BTC", "address": "A"})
	failCount, _ = f.store.CountAPILogs(true)
	if failCount != 1 {
		t.Errorf("anonymous failure logged: count = %d, want 1", failCount)
	}
}

var _ webhook.EventSink = (*noticeLog)(nil)
