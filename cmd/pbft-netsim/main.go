// Command pbft-netsim runs a single PBFT validator as its own OS process:
// NATS carries peer gossip, an optional Postgres-backed store persists
// committed blocks (falling back to the in-memory adapter otherwise), and a
// small gin HTTP server exposes node state plus a websocket stream of phase
// transitions for an operator to watch. Adapted directly from the
// application's own Postgres+Redis+NATS+gin+websocket process wiring.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/splintercommunity/pbft-core/internal/config"
	"github.com/splintercommunity/pbft-core/internal/consensus/codec"
	"github.com/splintercommunity/pbft-core/internal/consensus/metrics"
	"github.com/splintercommunity/pbft-core/internal/consensus/pbft"
	"github.com/splintercommunity/pbft-core/internal/consensus/service"
	"github.com/splintercommunity/pbft-core/internal/consensus/transport"
	"github.com/splintercommunity/pbft-core/internal/hoststore"
)

// nodeIndex selects this process's position in the roster; in a real
// deployment each process would get its own env/flag, kept as a single
// env var here to match the demo's single-process-per-validator model.
func nodeIndex() int {
	idx := 0
	if v := os.Getenv("PBFT_NODE_INDEX"); v != "" {
		fmt.Sscanf(v, "%d", &idx)
	}
	return idx
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if cfg.Logging.Level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	idx := nodeIndex()
	roster := make([]pbft.PeerID, len(cfg.Consensus.Peers))
	for i, p := range cfg.Consensus.Peers {
		roster[i] = pbft.PeerID(p)
	}
	if idx >= len(roster) {
		logger.Fatal("PBFT_NODE_INDEX out of range", zap.Int("index", idx), zap.Int("roster_size", len(roster)))
	}
	self := roster[idx]

	eventHub := newPhaseEventHub()

	var node *pbft.Node
	wireCodec := codec.New()
	sink := metrics.NewSink()

	onGossip := make(chan pbft.PeerMessage, 256)
	onRemoteBlock := make(chan pbft.Block, 256)
	nats, err := transport.NewNats(natsURL(), self, logger,
		func(m pbft.PeerMessage) { onGossip <- m },
		func(b pbft.Block) { onRemoteBlock <- b },
	)
	if err != nil {
		logger.Fatal("couldn't connect to NATS", zap.Error(err))
	}
	defer nats.Close()

	svc, closeStore := buildService(cfg, logger, nats)
	defer closeStore()

	nodeCfg := pbft.Config{
		ID:                pbft.NodeID(idx),
		PeerID:            self,
		Roster:            roster,
		ViewChangeTimeout: cfg.Consensus.ViewChangeTimeout,
		CheckpointPeriod:  cfg.Consensus.CheckpointPeriod,
		MaxLogSize:        cfg.Consensus.MaxLogSize,
	}
	node = pbft.NewNode(nodeCfg, svc, wireCodec, logger, sink)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	dispatch := func(msg pbft.PeerMessage) {
		mu.Lock()
		defer mu.Unlock()
		if err := node.OnPeerMessage(msg); err != nil && !err.IsSoft() {
			logger.Warn("peer message rejected", zap.Error(err))
		}
		eventHub.publish(phaseEvent{Phase: node.State.Phase.String(), View: node.State.View, SeqNum: node.State.SeqNum})
	}

	// onBlockNew fires synchronously inside this process's own FinalizeBlock
	// (itself called from TryPublish, already under mu): the locally
	// finalized block is delivered to this node's own OnBlockNew exactly as
	// the in-process harness's announceBlockNew does for its primary, and
	// published over NATS so every sibling process's OnBlockNew fires too.
	if hc, ok := svc.(service.HostCallbacks); ok {
		hc.SetHostCallbacks(
			func(b pbft.Block) {
				if err := node.OnBlockNew(b); err != nil && !err.IsSoft() {
					logger.Warn("block-new rejected", zap.Error(err))
				}
				if err := nats.AnnounceBlockNew(b); err != nil {
					logger.Warn("couldn't announce new block", zap.Error(err))
				}
			},
			func(id pbft.BlockID) {
				mu.Lock()
				defer mu.Unlock()
				if err := node.OnBlockValid(id); err != nil && !err.IsSoft() {
					logger.Warn("block-valid rejected", zap.Error(err))
				}
			},
			func(id pbft.BlockID) {
				if err := node.OnBlockCommit(id); err != nil {
					logger.Warn("block-commit rejected", zap.Error(err))
				}
			},
		)
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-onGossip:
				dispatch(msg)
			case b := <-onRemoteBlock:
				mu.Lock()
				if err := node.OnBlockNew(b); err != nil && !err.IsSoft() {
					logger.Warn("remote block-new rejected", zap.Error(err))
				}
				mu.Unlock()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(cfg.Consensus.MessageTimeout)
		defer ticker.Stop()
		publishTicker := time.NewTicker(cfg.Consensus.BlockDuration)
		defer publishTicker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				mu.Lock()
				if err := node.HandleTimeoutTick(); err != nil && !err.IsSoft() {
					logger.Warn("view-change timeout handling failed", zap.Error(err))
				}
				_ = node.RetryBacklog()
				mu.Unlock()
			case <-publishTicker.C:
				mu.Lock()
				node.TryPublish()
				mu.Unlock()
			}
		}
	}()

	router := buildRouter(node, &mu, eventHub)
	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}
	go func() {
		logger.Info("operator API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("operator API stopped", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()
}

func natsURL() string {
	if v := os.Getenv("PBFT_NATS_URL"); v != "" {
		return v
	}
	return "nats://localhost:4222"
}

// buildService wires the in-memory adapter by default, or a Postgres/Redis
// backed one when cfg.Store names a DSN/address.
func buildService(cfg *config.Config, logger *zap.Logger, nats *transport.Nats) (pbft.Service, func()) {
	noop := func() {}
	if cfg.Store.PostgresDSN == "" {
		return service.NewMemory(logger, nats.Broadcast, nats.SendTo), noop
	}

	store, err := hoststore.NewPostgres(cfg.Store.PostgresDSN)
	if err != nil {
		logger.Fatal("couldn't open postgres store", zap.Error(err))
	}

	var cache hoststore.CheckpointCache
	var closeCache func() error = func() error { return nil }
	if cfg.Store.RedisAddr != "" {
		r, err := hoststore.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisDB)
		if err != nil {
			logger.Warn("couldn't open redis checkpoint cache, continuing without it", zap.Error(err))
		} else {
			cache = r
			closeCache = r.Close
		}
	}

	svc, err := service.NewPersistent(store, cache, logger, nats.Broadcast, nats.SendTo)
	if err != nil {
		logger.Fatal("couldn't construct persistent service", zap.Error(err))
	}
	return svc, func() {
		_ = closeCache()
		_ = store.Close()
	}
}

type phaseEvent struct {
	Phase  string `json:"phase"`
	View   uint64 `json:"view"`
	SeqNum uint64 `json:"seq_num"`
}

// phaseEventHub fans phase-transition events out to every connected
// websocket observer, adapted from the application's own websocket hub
// pattern: a mutex-guarded set of subscriber channels that publish sends to
// directly, dropping the event for any subscriber whose buffer is full.
type phaseEventHub struct {
	mu   sync.Mutex
	subs map[chan phaseEvent]struct{}
}

func newPhaseEventHub() *phaseEventHub {
	return &phaseEventHub{subs: make(map[chan phaseEvent]struct{})}
}

func (h *phaseEventHub) subscribe() chan phaseEvent {
	ch := make(chan phaseEvent, 16)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *phaseEventHub) unsubscribe(ch chan phaseEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

func (h *phaseEventHub) publish(e phaseEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func buildRouter(node *pbft.Node, mu *sync.Mutex, hub *phaseEventHub) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/status", func(c *gin.Context) {
		mu.Lock()
		defer mu.Unlock()
		c.JSON(http.StatusOK, gin.H{
			"id":      node.State.ID,
			"peer_id": node.State.PeerID,
			"view":    node.State.View,
			"seq_num": node.State.SeqNum,
			"phase":   node.State.Phase.String(),
			"mode":    node.State.Mode.String(),
			"role":    node.State.Role.String(),
		})
	})

	r.GET("/events", func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		ch := hub.subscribe()
		defer hub.unsubscribe(ch)
		for e := range ch {
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		}
	})

	return r
}
