package agent

import (
	"context"
	"encoding/json"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/taskmesh/taskmesh/model"
	"github.com/taskmesh/taskmesh/pkg/clock"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultRequestTimeout = 2 * time.Second
)

// PeerConfig is one statically configured peer.
type PeerConfig struct {
	ID       model.NodeID `toml:"id" json:"id"`
	Endpoint string       `toml:"endpoint" json:"endpoint"`
}

// RegistryConfig configures peer discovery.
type RegistryConfig struct {
	Peers          []PeerConfig  `toml:"peers" json:"peers"`
	PollInterval   time.Duration `toml:"poll-interval" json:"poll-interval"`
	RequestTimeout time.Duration `toml:"request-timeout" json:"request-timeout"`
}

// Adjust validates the RegistryConfig and fills in defaults.
func (c RegistryConfig) Adjust() RegistryConfig {
	adjusted := c
	if adjusted.PollInterval <= 0 {
		adjusted.PollInterval = defaultPollInterval
	}
	if adjusted.RequestTimeout <= 0 {
		adjusted.RequestTimeout = defaultRequestTimeout
	}
	return adjusted
}

// Card is the self-description a peer serves at its well-known
// location.
type Card struct {
	ID           model.NodeID `json:"id"`
	Capabilities []string     `json:"capabilities"`

	TotalMemoryMB int64   `json:"total_memory_mb"`
	TotalCPUCores float64 `json:"total_cpu_cores"`
	FreeMemoryMB  int64   `json:"free_memory_mb"`
	FreeCPUCores  float64 `json:"free_cpu_cores"`
}

// ClusterSink receives the aggregate view the registry derives from
// polled peer cards.
type ClusterSink interface {
	UpdateClusterResources(u model.ClusterUpdate)
}

type peerEntry struct {
	cfg      PeerConfig
	info     model.PeerInfo
	card     Card
	active   bool
	lastSeen clock.MonotonicTime
}

// Registry keeps track of the configured peers by polling each peer's
// agent card. Peers flip to inactive when a poll fails and back to
// active on the next success.
type Registry struct {
	cfg  RegistryConfig
	cli  *http.Client
	sink ClusterSink

	mu    sync.RWMutex
	peers map[model.NodeID]*peerEntry

	// randMu serializes draws from r. The read lock above admits
	// parallel callers, and *rand.Rand is not safe for concurrent use.
	randMu sync.Mutex
	r      *rand.Rand

	wg        sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewRegistry creates a Registry and starts the discovery loop. sink
// may be nil if nobody consumes the aggregate view.
func NewRegistry(cfg RegistryConfig, sink ClusterSink) *Registry {
	cfg = cfg.Adjust()
	r := &Registry{
		cfg:     cfg,
		cli:     &http.Client{Timeout: cfg.RequestTimeout},
		sink:    sink,
		peers:   make(map[model.NodeID]*peerEntry),
		r:       rand.New(rand.NewSource(time.Now().UnixNano())),
		closeCh: make(chan struct{}),
	}
	for _, peer := range cfg.Peers {
		r.peers[peer.ID] = &peerEntry{
			cfg:  peer,
			info: model.PeerInfo{ID: peer.ID, Endpoint: peer.Endpoint},
		}
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run()
	}()
	return r
}

// Close stops the discovery loop.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.closeCh)
	})
	r.wg.Wait()
}

func (r *Registry) run() {
	// Poll immediately so the first scheduling passes see peers.
	r.pollAll()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.closeCh:
			return
		case <-ticker.C:
			r.pollAll()
		}
	}
}

func (r *Registry) pollAll() {
	r.mu.RLock()
	targets := make([]PeerConfig, 0, len(r.peers))
	for _, entry := range r.peers {
		targets = append(targets, entry.cfg)
	}
	r.mu.RUnlock()

	for _, target := range targets {
		r.pollPeer(target)
	}
	r.publishClusterView()
}

func (r *Registry) pollPeer(target PeerConfig) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.RequestTimeout)
	defer cancel()

	card, err := fetchCard(ctx, r.cli, target.Endpoint)

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.peers[target.ID]
	if !ok {
		return
	}
	if err != nil {
		if entry.active {
			log.L().Warn("peer became inactive",
				zap.String("node-id", string(target.ID)),
				zap.String("endpoint", target.Endpoint),
				zap.Duration("since-last-seen", entry.lastSeen.Elapsed()),
				zap.Error(err))
		}
		entry.active = false
		return
	}

	if !entry.active {
		log.L().Info("discovered peer",
			zap.String("node-id", string(target.ID)),
			zap.String("endpoint", target.Endpoint),
			zap.Strings("capabilities", card.Capabilities))
	}
	entry.active = true
	entry.lastSeen = clock.Mono()
	entry.card = *card
	entry.info = model.PeerInfo{
		ID:           target.ID,
		Endpoint:     target.Endpoint,
		Capabilities: card.Capabilities,
		FreeMemoryMB: card.FreeMemoryMB,
		FreeCPUCores: card.FreeCPUCores,
	}
}

func fetchCard(ctx context.Context, cli *http.Client, endpoint string) (*Card, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+agentCardPath, nil)
	if err != nil {
		return nil, err
	}
	resp, err := cli.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	var card Card
	if err := json.NewDecoder(resp.Body).Decode(&card); err != nil {
		return nil, err
	}
	return &card, nil
}

// publishClusterView pushes the aggregate of all active peers to the
// sink.
func (r *Registry) publishClusterView() {
	if r.sink == nil {
		return
	}

	r.mu.RLock()
	var (
		totalMem, freeMem int64
		totalCPU, freeCPU float64
		active            int
	)
	nodes := len(r.peers)
	for _, entry := range r.peers {
		if !entry.active {
			continue
		}
		active++
		totalMem += entry.card.TotalMemoryMB
		freeMem += entry.card.FreeMemoryMB
		totalCPU += entry.card.TotalCPUCores
		freeCPU += entry.card.FreeCPUCores
	}
	r.mu.RUnlock()

	r.sink.UpdateClusterResources(model.ClusterUpdate{
		TotalMemoryMB:     &totalMem,
		TotalCPUCores:     &totalCPU,
		AvailableMemoryMB: &freeMem,
		AvailableCPUCores: &freeCPU,
		NodeCount:         &nodes,
		ActiveNodes:       &active,
	})
}

// FindBestNodeForTask picks an active peer whose advertised free
// capacity fits the requirement. The walk starts at a random peer so
// that load spreads across equally fitting peers.
func (r *Registry) FindBestNodeForTask(req model.ResourceRequirement) (model.NodeID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fitting := make([]*peerEntry, 0, len(r.peers))
	for _, entry := range r.peers {
		if entry.active && entry.info.CanFit(req) {
			fitting = append(fitting, entry)
		}
	}
	if len(fitting) == 0 {
		return "", false
	}
	r.randMu.Lock()
	idx := r.r.Intn(len(fitting))
	r.randMu.Unlock()
	return fitting[idx].info.ID, true
}

// Peer returns the current info for a peer, or false if it is unknown.
func (r *Registry) Peer(id model.NodeID) (model.PeerInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.peers[id]
	if !ok {
		return model.PeerInfo{}, false
	}
	return entry.info, true
}

// ActivePeers returns a snapshot of the currently active peers.
func (r *Registry) ActivePeers() []model.PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ret := make([]model.PeerInfo, 0, len(r.peers))
	for _, entry := range r.peers {
		if entry.active {
			ret = append(ret, entry.info)
		}
	}
	return ret
}
