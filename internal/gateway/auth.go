package gateway

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/plutonpay/coingate/internal/storage"
)

// Fixed auth and envelope messages. Callers of the API match on these
// strings, so they never change.
const (
	msgInternalError = "internal error."
	msgNoAuthHeader  = "You need Authorization key in header!"
	msgWrongAPIKey   = "Wrong API key!"
	msgSuspended     = "We suspended your API key, please contact us!"
	msgNotMaster     = "This is not where you need to do!"
)

func msgCoinNotSupported(coin string) string {
	return fmt.Sprintf("coin %s not in the supported list!", coin)
}

func msgCoinLimited(u *storage.APIUser) string {
	return fmt.Sprintf("Your API is limited to these coins: %s! If you need, please request additional access.", u.AllowedCoinList())
}

// resolveCoin upper-cases and validates a coin name against the live
// coin table. An empty table means the daemon has not finished loading.
func (s *Server) resolveCoin(name string) (*storage.CoinSetting, string) {
	if len(s.coins.Names()) == 0 {
		return nil, msgInternalError
	}
	coin := strings.ToUpper(name)
	c, ok := s.coins.Get(coin)
	if !ok {
		return nil, msgCoinNotSupported(coin)
	}
	return c, ""
}

// authUser resolves the Authorization header to an API user. The
// header carries the raw key, no scheme prefix.
func (s *Server) authUser(r *http.Request) (*storage.APIUser, string) {
	key := r.Header.Get("Authorization")
	if key == "" {
		return nil, msgNoAuthHeader
	}

	user, err := s.store.GetAPIUserByKey(key)
	if err == storage.ErrAPIUserNotFound {
		return nil, msgWrongAPIKey
	}
	if err != nil {
		s.log.Error("Failed to resolve api key", "error", err)
		return nil, msgInternalError
	}
	if user.IsSuspended {
		return nil, msgSuspended
	}
	return user, ""
}
