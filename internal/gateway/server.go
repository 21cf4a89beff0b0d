// Package gateway serves the HTTP API: address issuance, balances,
// withdrawals, internal transfers, holds, history reads and the
// operator surface. Every reply uses one envelope and HTTP 200; the
// envelope carries the outcome.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/plutonpay/coingate/internal/config"
	"github.com/plutonpay/coingate/internal/driver"
	"github.com/plutonpay/coingate/internal/kvcache"
	"github.com/plutonpay/coingate/internal/metrics"
	"github.com/plutonpay/coingate/internal/registry"
	"github.com/plutonpay/coingate/internal/storage"
	"github.com/plutonpay/coingate/internal/webhook"
	"github.com/plutonpay/coingate/pkg/logging"
)

// Envelope is the uniform response shape. Message is a string or null.
type Envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data"`
	Message   interface{} `json:"message"`
	SecondTag interface{} `json:"second_tag,omitempty"`
	Time      int64       `json:"time"`
}

// Server is the HTTP API front end.
type Server struct {
	cfg     *config.Config
	store   *storage.Storage
	cache   kvcache.Store
	coins   *registry.CoinTable
	addrs   *registry.Registry
	events  webhook.EventSink
	metrics *metrics.Metrics
	log     *logging.Logger

	newDriver func(*storage.CoinSetting) (driver.Driver, error)

	wsHub *WSHub
	locks *addressLocks

	server   *http.Server
	listener net.Listener
}

// Options wires the server's dependencies.
type Options struct {
	Config  *config.Config
	Store   *storage.Storage
	Cache   kvcache.Store
	Coins   *registry.CoinTable
	Addrs   *registry.Registry
	Events  webhook.EventSink
	Metrics *metrics.Metrics

	// NewDriver overrides driver construction, for tests. Nil means
	// driver.New.
	NewDriver func(*storage.CoinSetting) (driver.Driver, error)
}

// NewServer creates the API server. Call Start to begin serving.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:     opts.Config,
		store:   opts.Store,
		cache:   opts.Cache,
		coins:   opts.Coins,
		addrs:   opts.Addrs,
		events:  opts.Events,
		metrics: opts.Metrics,
		log:     logging.GetDefault().Component("api"),
		newDriver: opts.NewDriver,
		wsHub:   NewWSHub(),
		locks:   newAddressLocks(),
	}
	if s.newDriver == nil {
		s.newDriver = driver.New
	}
	// Every notice the API emits is mirrored onto the WS ops feed.
	if opts.Events != nil {
		s.events = webhook.Fanout{opts.Events, s.wsHub}
	} else {
		s.events = webhook.Fanout{s.wsHub}
	}
	return s
}

// Hub returns the WS ops feed, so broadcasts can be fanned in from
// the reconciler alongside the webhook.
func (s *Server) Hub() *WSHub {
	return s.wsHub
}

// routes builds the endpoint table.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /newaddress", s.handleNewAddress)
	mux.HandleFunc("POST /balance", s.handleBalance)
	mux.HandleFunc("POST /withdraw", s.handleWithdraw)
	mux.HandleFunc("POST /transfer", s.handleTransfer)
	mux.HandleFunc("POST /hold_alance", s.handleHoldBalance)
	mux.HandleFunc("GET /list_transactions/{coin}", s.handleListTransactions)
	mux.HandleFunc("GET /list_transactions/{coin}/{address}", s.handleListTransactions)
	mux.HandleFunc("GET /list_withdraws/{coin}", s.handleListWithdraws)
	mux.HandleFunc("GET /list_withdraws/{coin}/{address}", s.handleListWithdraws)
	mux.HandleFunc("GET /list_address/{coin}", s.handleListAddresses)
	mux.HandleFunc("GET /noted/{coin}/{tx}", s.handleNoted)
	mux.HandleFunc("GET /status", s.handleStatusAll)
	mux.HandleFunc("GET /status/{coin}", s.handleStatusCoin)
	mux.HandleFunc("GET /reload", s.handleReload)
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.Handle("GET /metrics", s.metrics.Handler())
	return mux
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go s.wsHub.Run()

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 330 * time.Second, // withdraw can wait on a slow wallet
	}

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("API server error", "error", err)
		}
	}()

	s.log.Info("API server started", "addr", addr)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop() error {
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}
	return nil
}

// call tracks one request's audit identity and serialized input.
type call struct {
	s      *Server
	w      http.ResponseWriter
	method string // audit method name
	apiID  int64
	data   string // serialized request for the audit log
}

func (s *Server) begin(w http.ResponseWriter, method string, req interface{}) *call {
	data := ""
	if req != nil {
		if b, err := json.Marshal(req); err == nil {
			data = string(b)
		}
	}
	return &call{s: s, w: w, method: method, data: data}
}

// ok writes a success envelope and appends the success audit log.
func (c *call) ok(data, message interface{}) {
	c.write(Envelope{Success: true, Data: data, Message: message, Time: time.Now().Unix()}, true)
}

// fail writes a failure envelope and appends the failed audit log.
func (c *call) fail(message string) {
	c.failData(nil, message)
}

func (c *call) failData(data interface{}, message string) {
	c.write(Envelope{Success: false, Data: data, Message: message, Time: time.Now().Unix()}, false)
}

func (c *call) write(env Envelope, success bool) {
	body, err := json.Marshal(env)
	if err != nil {
		c.s.log.Error("Failed to encode response", "method", c.method, "error", err)
		body = []byte(`{"success":false,"data":null,"message":"internal error."}`)
	}

	if c.apiID != 0 {
		var logErr error
		if success {
			logErr = c.s.store.AppendAPILog(c.apiID, c.method, c.data, string(body))
		} else {
			logErr = c.s.store.AppendAPIFailedLog(c.apiID, c.method, c.data, string(body))
		}
		if logErr != nil {
			c.s.log.Error("Failed to append audit log", "method", c.method, "error", logErr)
		}
	}
	c.s.metrics.ObserveRequest(c.method, success)

	c.w.Header().Set("Content-Type", "application/json")
	c.w.WriteHeader(http.StatusOK)
	c.w.Write(body)
}

// addressLocks serializes balance-check-then-write sequences per
// (coin, address) key so two requests cannot both pass the same
// balance check.
type addressLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newAddressLocks() *addressLocks {
	return &addressLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *addressLocks) get(key string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// acquire locks every key in sorted order and returns the release.
// Sorting gives a global lock order, so overlapping batches cannot
// deadlock.
func (l *addressLocks) acquire(keys []string) func() {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			uniq = append(uniq, k)
		}
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, k := range uniq {
		m := l.get(k)
		m.Lock()
		held = append(held, m)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
