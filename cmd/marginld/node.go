package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/luxfi/margin/pkg/margin"
	"github.com/luxfi/margin/pkg/metrics"
	"github.com/luxfi/margin/pkg/notify"
	"github.com/luxfi/margin/pkg/oracle"
	"github.com/luxfi/margin/pkg/payment"
	"github.com/luxfi/margin/pkg/rpc"
	"github.com/luxfi/margin/pkg/store"
	"github.com/luxfi/margin/pkg/vault"
)

// Node wires the ledger to its collaborators and transports.
type Node struct {
	config *Config
	logger log.Logger

	db       database.Database
	store    *store.Store
	oracle   *oracle.Oracle
	vault    *vault.Vault
	ledger   *margin.Ledger
	engine   *margin.LiquidationEngine
	payments *payment.Manager
	service  *rpc.Service

	events    *dispatcher
	registry  *prometheus.Registry
	collector *metrics.Collector
	hub       *notify.Hub
	zmq       *notify.ZMQPublisher
	nc        *nats.Conn
	priceSub  *nats.Subscription

	// writes serializes RPC mutations with the maintenance sweep.
	writes    sync.Mutex
	persistMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func openDatabase(config *Config, logger log.Logger) (database.Database, error) {
	dataPath := config.dataPath()
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	dbManager := manager.NewManager(dataPath, nil)

	if config.DBType == "badgerdb" {
		dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
		dbConfig.Namespace = "marginld"
		db, err := dbManager.New(dbConfig)
		if err == nil {
			logger.Info("BadgerDB initialized", "path", dataPath)
			return db, nil
		}
		logger.Warn("Failed to open BadgerDB", "error", err)
	}

	db, err := dbManager.New(manager.DefaultMemoryConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}
	logger.Info("Using in-memory database")
	return db, nil
}

// NewNode builds a node on db and restores the ledger from it. The event
// sinks that need network connections are attached in Start.
func NewNode(config *Config, db database.Database, logger log.Logger) (*Node, error) {
	maxChange, err := config.maxChange()
	if err != nil {
		return nil, err
	}
	feeRate, err := config.feeRate()
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:   config,
		logger:   logger,
		db:       db,
		store:    store.New(db, logger),
		oracle:   oracle.New(&oracle.Config{MaxChangePercent: maxChange, Logger: logger}),
		vault:    vault.New(&vault.Config{Logger: logger}),
		registry: prometheus.NewRegistry(),
		hub:      notify.NewHub(notify.DefaultHubConfig(), logger),
	}

	if config.InitialPrice != "" {
		price, err := uint256.FromDecimal(config.InitialPrice)
		if err != nil {
			return nil, fmt.Errorf("invalid initial price %q: %w", config.InitialPrice, err)
		}
		if err := n.oracle.SetPrice(*price); err != nil {
			return nil, err
		}
	}

	n.collector, err = metrics.NewCollector("margin", n.registry, nil)
	if err != nil {
		return nil, err
	}
	events := &dispatcher{sinks: notify.Multi{n.collector, n.hub, &notify.LogSink{Logger: logger}}}

	n.ledger = margin.NewLedger(n.oracle, n.vault, &margin.LedgerConfig{Events: events, Logger: logger})
	if err := n.collector.WatchOpenInterest(n.ledger); err != nil {
		return nil, err
	}

	policy := margin.ExactLossPolicy
	if config.Policy == "threshold" {
		policy = margin.LossThresholdPolicy
	}
	n.engine = margin.NewLiquidationEngine(n.ledger, n.oracle, &margin.EngineConfig{
		Policy: policy,
		Fees:   margin.LeverageScaledFee{BasisPoints: feeRate},
		Events: events,
		Logger: logger,
	})
	n.payments = payment.NewManager(n.ledger, n.engine, logger)
	n.service = rpc.NewService(n.ledger, n.engine, &rpc.Config{
		Prefix:   config.SubjectPrefix,
		OnCommit: n.persist,
		Writes:   &n.writes,
		Logger:   logger,
	})
	n.events = events

	snap, err := n.store.Load()
	if err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	if err := n.ledger.Restore(snap); err != nil {
		return nil, fmt.Errorf("restore ledger: %w", err)
	}
	for _, p := range snap.Positions {
		if err := n.vault.Seed(p.Token, p.Amount, p.Owner); err != nil {
			return nil, fmt.Errorf("restore collateral %s/%d: %w", p.Owner, p.ID, err)
		}
	}
	return n, nil
}

// dispatcher lets sinks be attached after the ledger is built.
type dispatcher struct {
	mu    sync.RWMutex
	sinks notify.Multi
}

func (d *dispatcher) Emit(ev margin.Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	d.sinks.Emit(ev)
}

func (d *dispatcher) attach(s margin.EventSink) {
	d.mu.Lock()
	d.sinks = append(d.sinks, s)
	d.mu.Unlock()
}

// persist saves the current ledger state.
func (n *Node) persist() error {
	n.persistMu.Lock()
	defer n.persistMu.Unlock()
	return n.store.Save(n.ledger.Snapshot())
}

// Start connects the transports and starts the background loops.
func (n *Node) Start() error {
	n.ctx, n.cancel = context.WithCancel(context.Background())

	if n.config.ZMQEndpoint != "" {
		zmq, err := notify.NewZMQPublisher(n.config.ZMQEndpoint, n.logger)
		switch {
		case errors.Is(err, notify.ErrZMQUnavailable):
			n.logger.Warn("ZMQ publishing disabled", "error", err)
		case err != nil:
			return err
		default:
			n.zmq = zmq
			n.events.attach(zmq)
		}
	}

	if n.config.NATSURL != "" {
		nc, err := nats.Connect(n.config.NATSURL,
			nats.Name("marginld"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(time.Second))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		n.nc = nc
		n.events.attach(notify.NewNATSPublisher(nc, n.config.SubjectPrefix, n.logger))
		if err := n.service.Serve(nc); err != nil {
			return err
		}
		n.priceSub, err = nc.Subscribe(n.config.SubjectPrefix+".price", func(m *nats.Msg) {
			if err := n.handlePrice(m.Data); err != nil {
				n.logger.Warn("Price update rejected", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("subscribe price feed: %w", err)
		}
		n.logger.Info("Connected to NATS", "url", nc.ConnectedUrl(), "prefix", n.config.SubjectPrefix)
	}

	n.wg.Add(3)
	go n.runSweeps()
	go n.runHTTP()
	go func() {
		defer n.wg.Done()
		n.collector.CollectSystemMetrics(n.ctx, 10*time.Second)
	}()

	n.logger.Info("marginld started",
		"positions", n.ledger.Len(),
		"httpPort", n.config.HTTPPort,
		"sweepInterval", n.config.SweepInterval)
	return nil
}

// PriceUpdate is the body of a <prefix>.price message.
type PriceUpdate struct {
	Spot string `json:"spot,omitempty"`
	Mark string `json:"mark,omitempty"`
}

func (n *Node) handlePrice(data []byte) error {
	var update PriceUpdate
	if err := json.Unmarshal(data, &update); err != nil {
		return err
	}
	var errs error
	if update.Spot != "" {
		p, err := uint256.FromDecimal(update.Spot)
		if err == nil {
			err = n.oracle.SetPrice(*p)
		}
		errs = multierr.Append(errs, err)
	}
	if update.Mark != "" {
		p, err := uint256.FromDecimal(update.Mark)
		if err == nil {
			err = n.oracle.SetMarkPrice(*p)
		}
		errs = multierr.Append(errs, err)
	}
	return errs
}

func (n *Node) runSweeps() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.sweep()
		}
	}
}

func (n *Node) sweep() {
	n.writes.Lock()
	defer n.writes.Unlock()

	report, err := n.payments.Sweep(n.ctx)
	if err != nil {
		n.logger.Warn("Maintenance sweep had failures", "failed", report.Failed, "error", err)
	}
	if report.FeesCollected+report.Liquidated == 0 {
		return
	}
	if err := n.persist(); err != nil {
		n.logger.Error("Failed to persist ledger", "error", err)
	}
}

func (n *Node) routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(n.registry))
	mux.Handle("/ws", n.hub)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		sent, dropped := n.hub.Stats()
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "healthy",
			"positions": n.ledger.Len(),
			"nextId":    n.ledger.NextID(),
			"wsClients": n.hub.Clients(),
			"wsSent":    sent,
			"wsDropped": dropped,
			"nats":      n.nc != nil && n.nc.IsConnected(),
		})
	})
	return mux
}

func (n *Node) runHTTP() {
	defer n.wg.Done()

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler:           n.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-n.ctx.Done()
		server.Shutdown(context.Background())
	}()

	n.logger.Info("HTTP server started", "port", n.config.HTTPPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("HTTP server error", "error", err)
	}
}

// Shutdown stops the loops, saves the ledger and closes every connection.
func (n *Node) Shutdown() error {
	n.logger.Info("Shutting down marginld...")

	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()

	var errs error
	if n.priceSub != nil {
		errs = multierr.Append(errs, n.priceSub.Unsubscribe())
	}
	errs = multierr.Append(errs, n.service.Close())
	if n.nc != nil {
		errs = multierr.Append(errs, n.nc.Drain())
	}
	n.hub.Close()
	if n.zmq != nil {
		errs = multierr.Append(errs, n.zmq.Close())
	}
	errs = multierr.Append(errs, n.persist())
	errs = multierr.Append(errs, n.db.Close())

	n.logger.Info("marginld shutdown complete")
	return errs
}
