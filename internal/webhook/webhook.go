// Package webhook posts operational notices to a Discord-compatible
// endpoint. Delivery is fire-and-forget: a dead receiver never blocks
// or fails a request.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/plutonpay/coingate/pkg/helpers"
	"github.com/plutonpay/coingate/pkg/logging"
)

// maxContentLen is the receiver's hard cap on message bodies.
const maxContentLen = 1000

// EventSink receives operational notices. The WS hub implements this
// too, so both fan-outs share the same call sites.
type EventSink interface {
	Notify(content string)
}

// Notifier delivers notices over HTTP. A nil URL disables delivery
// without disabling the call sites.
type Notifier struct {
	url    string
	http   *http.Client
	logger *logging.Logger
}

// New creates a notifier. url may be empty.
func New(url string, logger *logging.Logger) *Notifier {
	return &Notifier{
		url:    url,
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Notify posts one notice on its own goroutine. Failures are logged
// and dropped.
func (n *Notifier) Notify(content string) {
	if n.url == "" {
		return
	}

	body, err := json.Marshal(map[string]string{
		"content": helpers.Truncate(content, maxContentLen),
	})
	if err != nil {
		return
	}

	go func() {
		resp, err := n.http.Post(n.url, "application/json", bytes.NewReader(body))
		if err != nil {
			n.logger.Warn("Webhook delivery failed", "error", err)
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			n.logger.Warn("Webhook delivery rejected", "status", resp.StatusCode)
		}
	}()
}

var _ EventSink = (*Notifier)(nil)

// Fanout forwards a notice to several sinks.
type Fanout []EventSink

func (f Fanout) Notify(content string) {
	for _, s := range f {
		s.Notify(content)
	}
}

// Notice builders. Formats are load-bearing: dashboards parse them.

// PendingDeposit announces a freshly detected deposit. Integrated
// families report the height it was seen at; plain-address chains name
// the transaction instead.
func PendingDeposit(apiID int64, amount, coin, address string, height int64, txid string, integrated bool) string {
	if integrated {
		return fmt.Sprintf("API: %d / ⏳ PENDING DEPOSIT %s %s to %s. Height: %d", apiID, amount, coin, address, height)
	}
	return fmt.Sprintf("API: %d / ⏳ PENDING DEPOSIT %s %s to %s. Tx: %s", apiID, amount, coin, address, txid)
}

// UnlockedDeposit announces a deposit reaching confirmation depth.
func UnlockedDeposit(apiID int64, amount, coin, address, txid string) string {
	return fmt.Sprintf("API: %d / ✅ UNLOCKED %s %s to %s. Tx: %s", apiID, amount, coin, address, txid)
}

// WithdrawToInternal flags a withdrawal aimed at one of our own
// addresses, which the API refuses.
func WithdrawToInternal(apiID int64, amount, coin, from, to string) string {
	return fmt.Sprintf("API: %d / 🔴 ATTEMPT TO WITHDRAW %s %s from %s to %s in our API database.", apiID, amount, coin, from, to)
}

// WithdrawFailed reports a wallet refusing or failing a send.
func WithdrawFailed(apiID int64, amount, coin, to string) string {
	return fmt.Sprintf("API: %d / 🔴 FAILED TO WITHDRAW %s %s to %s.", apiID, amount, coin, to)
}

// WithdrawSent reports a broadcast withdrawal.
func WithdrawSent(apiID int64, amount, coin, to, tx string) string {
	return fmt.Sprintf("API: %d / ✈️ WITHDRAW %s %s to %s. Tx: %s", apiID, amount, coin, to, tx)
}

// HoldInsufficient reports a hold attempt over the available balance.
func HoldInsufficient(apiID int64, address, amount, coin, balance string) string {
	return fmt.Sprintf("🔴 API: %d / %s - trying to hold %s %s but having %s %s.", apiID, address, amount, coin, balance, coin)
}

// HoldPlaced reports a successful hold with its Discord-format expiry.
func HoldPlaced(apiID int64, address, amount, coin string, expires time.Time) string {
	return fmt.Sprintf("🗃️ API: %d / %s - HOLDING %s %s and expiring: <t:%d:f>.", apiID, address, amount, coin, expires.Unix())
}

// ConfigReloaded announces a successful /reload.
func ConfigReloaded() string {
	return "Configuration reloaded"
}
