package webhook

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/plutonpay/coingate/pkg/logging"
)

func TestNotifyDelivers(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("failed to decode webhook body: %v", err)
		}
		got <- body.Content
	}))
	defer srv.Close()

	n := New(srv.URL, logging.Default())
	n.Notify("hello")

	select {
	case content := <-got:
		if content != "hello" {
			t.Errorf("content = %q, want hello", content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestNotifyTruncates(t *testing.T) {
	got := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		got <- body.Content
	}))
	defer srv.Close()

	n := New(srv.URL, logging.Default())
	n.Notify(strings.Repeat("x", 5000))

	select {
	case content := <-got:
		if len(content) != maxContentLen {
			t.Errorf("content length = %d, want %d", len(content), maxContentLen)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook never arrived")
	}
}

func TestNotifyDisabled(t *testing.T) {
	// Empty URL drops notices without error.
	n := New("", logging.Default())
	n.Notify("dropped")
}

func TestFanout(t *testing.T) {
	var a, b recorder
	Fanout{&a, &b}.Notify("event")

	if a.last != "event" || b.last != "event" {
		t.Errorf("fanout = (%q, %q), want both event", a.last, b.last)
	}
}

type recorder struct{ last string }

func (r *recorder) Notify(content string) { r.last = content }

func TestNoticeFormats(t *testing.T) {
	cases := []struct {
		name string
		got  string
		want string
	}{
		{
			"pending integrated",
			PendingDeposit(5, "1.25", "XMR", "4Aaddr", 3000000, "tx1", true),
			"API: 5 / ⏳ PENDING DEPOSIT 1.25 XMR to 4Aaddr. Height: 3000000",
		},
		{
			"pending btc",
			PendingDeposit(5, "0.5", "BTC", "bc1q", 0, "txabc", false),
			"API: 5 / ⏳ PENDING DEPOSIT 0.5 BTC to bc1q. Tx: txabc",
		},
		{
			"unlocked",
			UnlockedDeposit(5, "1.25", "XMR", "4Aaddr", "tx1"),
			"API: 5 / ✅ UNLOCKED 1.25 XMR to 4Aaddr. Tx: tx1",
		},
		{
			"withdraw internal",
			WithdrawToInternal(2, "3", "TRTL", "TRTLfrom", "TRTLto"),
			"API: 2 / 🔴 ATTEMPT TO WITHDRAW 3 TRTL from TRTLfrom to TRTLto in our API database.",
		},
		{
			"withdraw failed",
			WithdrawFailed(2, "3", "TRTL", "TRTLto"),
			"API: 2 / 🔴 FAILED TO WITHDRAW 3 TRTL to TRTLto.",
		},
		{
			"withdraw sent",
			WithdrawSent(2, "3", "TRTL", "TRTLto", "txdef"),
			"API: 2 / ✈️ WITHDRAW 3 TRTL to TRTLto. Tx: txdef",
		},
		{
			"hold insufficient",
			HoldInsufficient(7, "bc1q", "10", "BTC", "2.5"),
			"🔴 API: 7 / bc1q - trying to hold 10 BTC but having 2.5 BTC.",
		},
		{
			"hold placed",
			HoldPlaced(7, "bc1q", "1", "BTC", time.Unix(1700000000, 0)),
			"🗃️ API: 7 / bc1q - HOLDING 1 BTC and expiring: <t:1700000000:f>.",
		},
		{
			"reload",
			ConfigReloaded(),
			"Configuration reloaded",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.got != tc.want {
				t.Errorf("got %q, want %q", tc.got, tc.want)
			}
		})
	}
}
