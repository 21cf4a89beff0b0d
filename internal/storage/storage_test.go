package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNew(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coingate-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := &Config{Mode: "sqlite3", DSN: filepath.Join(tmpDir, "gateway.db")}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	// Verify database file was created
	if _, err := os.Stat(filepath.Join(tmpDir, "gateway.db")); os.IsNotExist(err) {
		t.Error("database file was not created")
	}

	// Verify DB is accessible
	if store.DB() == nil {
		t.Error("DB() returned nil")
	}
}

func TestNewWithTildeExpansion(t *testing.T) {
	home, _ := os.UserHomeDir()
	expanded := expandPath("~/.test")
	expected := filepath.Join(home, ".test")

	if expanded != expected {
		t.Errorf("expandPath(~/.test) = %s, want %s", expanded, expected)
	}
}

func TestStorageSchema(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coingate-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := &Config{Mode: "sqlite3", DSN: filepath.Join(tmpDir, "gateway.db")}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	tables := []string{
		"coin_settings", "api_users", "deposit_addresses", "deposits",
		"withdraws", "transfers", "holds", "api_logs", "api_failed_logs",
	}
	for _, table := range tables {
		var name string
		err := store.DB().QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}
}

func TestInsertIgnoreDialect(t *testing.T) {
	s := &Storage{mode: "sqlite3"}
	if got := s.insertIgnore(); got != "INSERT OR IGNORE INTO" {
		t.Errorf("sqlite3 insertIgnore() = %q", got)
	}
	s = &Storage{mode: "mysql"}
	if got := s.insertIgnore(); got != "INSERT IGNORE INTO" {
		t.Errorf("mysql insertIgnore() = %q", got)
	}
}

// TestBalanceInvariant drives one address through every event kind and
// checks the derived balance against a recomputation from the event rows.
func TestBalanceInvariant(t *testing.T) {
	tmpDir, err := os.MkdirTemp("", "coingate-storage-test-*")
	if err != nil {
		t.Fatalf("failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tmpDir)

	cfg := &Config{Mode: "sqlite3", DSN: filepath.Join(tmpDir, "gateway.db")}
	store, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	sender := &DepositAddress{APIID: 1, CoinName: "WRKZ", Address: "WrkzSender", AddressExtra: "aa11", Tag: "sender"}
	if err := store.CreateDepositAddress(sender); err != nil {
		t.Fatalf("CreateDepositAddress() error = %v", err)
	}
	receiver := &DepositAddress{APIID: 1, CoinName: "WRKZ", Address: "WrkzReceiver", AddressExtra: "bb22", Tag: "receiver"}
	if err := store.CreateDepositAddress(receiver); err != nil {
		t.Fatalf("CreateDepositAddress() error = %v", err)
	}

	// Deposit 100, confirmed immediately.
	dep := &Deposit{
		CoinName: "WRKZ", APIID: 1, DepositAddrID: sender.ID,
		TxID: "tx-1", Address: "WrkzMaster", Extra: "aa11",
		Height: 500, Amount: 100, Confirmations: 20,
	}
	if _, err := store.UpsertDeposit(dep); err != nil {
		t.Fatalf("UpsertDeposit() error = %v", err)
	}
	if _, err := store.PromoteDeposits("WRKZ", 600, 10); err != nil {
		t.Fatalf("PromoteDeposits() error = %v", err)
	}

	// Transfer 30 to the receiver.
	err = store.InsertTransfers([]*Transfer{{
		APIID: 1, FromAddress: sender.Address, ToAddress: receiver.Address,
		Amount: 30, CoinName: "WRKZ", RefUUID: "ref-1",
		FromDepositID: sender.ID, ToDepositID: receiver.ID,
	}})
	if err != nil {
		t.Fatalf("InsertTransfers() error = %v", err)
	}

	// Withdraw 20 with fee 1.
	err = store.InsertWithdraw(&Withdraw{
		APIID: 1, CoinName: "WRKZ", FromAddress: sender.Address,
		Amount: 20, FeeAndTax: 1, FromDepositID: sender.ID,
		ToAddress: "WrkzOutside", TxID: "out-1", RefUUID: "ref-2",
	})
	if err != nil {
		t.Fatalf("InsertWithdraw() error = %v", err)
	}

	// Hold 5.
	err = store.InsertHold(&Hold{
		CoinName: "WRKZ", APIID: 1, DepositID: sender.ID, Address: sender.Address,
		HoldAmount: 5, TimeExpiring: time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("InsertHold() error = %v", err)
	}

	got, err := store.GetAddressForAPI(1, "WRKZ", sender.Address)
	if err != nil {
		t.Fatalf("GetAddressForAPI() error = %v", err)
	}

	// balance = deposited + received - sent - withdrew - hold
	want := 100.0 + 0 - 30 - 21 - 5
	if got.Balance() != want {
		t.Errorf("Balance() = %v, want %v", got.Balance(), want)
	}
	if got.TotalDeposited != 100 || got.NumbDeposit != 1 {
		t.Errorf("deposit counters = %v/%d, want 100/1", got.TotalDeposited, got.NumbDeposit)
	}
	if got.TotalSent != 30 || got.NumbSent != 1 {
		t.Errorf("sent counters = %v/%d, want 30/1", got.TotalSent, got.NumbSent)
	}
	if got.TotalWithdrew != 21 || got.NumbWithdrew != 1 {
		t.Errorf("withdrew counters = %v/%d, want 21/1", got.TotalWithdrew, got.NumbWithdrew)
	}
	if got.AmountHold != 5 {
		t.Errorf("AmountHold = %v, want 5", got.AmountHold)
	}

	// The receiver saw only the transfer credit.
	rcv, err := store.GetAddressForAPI(1, "WRKZ", receiver.Address)
	if err != nil {
		t.Fatalf("GetAddressForAPI() error = %v", err)
	}
	if rcv.Balance() != 30 {
		t.Errorf("receiver Balance() = %v, want 30", rcv.Balance())
	}

	// Recompute from event rows and compare against the counters.
	var fromDeposits, fromTransfersIn, fromTransfersOut, fromWithdraws float64
	row := store.DB().QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM deposits WHERE depost_id = ? AND can_credit = 'YES'`, sender.ID)
	if err := row.Scan(&fromDeposits); err != nil {
		t.Fatalf("sum deposits: %v", err)
	}
	row = store.DB().QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE to_address = ?`, sender.Address)
	if err := row.Scan(&fromTransfersIn); err != nil {
		t.Fatalf("sum transfers in: %v", err)
	}
	row = store.DB().QueryRow(`SELECT COALESCE(SUM(amount), 0) FROM transfers WHERE from_address = ?`, sender.Address)
	if err := row.Scan(&fromTransfersOut); err != nil {
		t.Fatalf("sum transfers out: %v", err)
	}
	row = store.DB().QueryRow(`SELECT COALESCE(SUM(amount + fee_and_tax), 0) FROM withdraws WHERE from_address = ?`, sender.Address)
	if err := row.Scan(&fromWithdraws); err != nil {
		t.Fatalf("sum withdraws: %v", err)
	}

	recomputed := fromDeposits + fromTransfersIn - fromTransfersOut - fromWithdraws - got.AmountHold
	if recomputed != got.Balance() {
		t.Errorf("recomputed balance = %v, counters say %v", recomputed, got.Balance())
	}
}
