// Package coordinator owns shard placement and cluster-wide fan-out. One
// coordinator runs per deployment: it hosts shards of its own, terminates
// every source transport, and applies operations to worker-hosted shards
// over the coordination links.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Wundero/sinkr/internal/cluster"
	"github.com/Wundero/sinkr/internal/metrics"
	"github.com/Wundero/sinkr/internal/shard"
	"github.com/Wundero/sinkr/internal/store"
	"github.com/Wundero/sinkr/pkg/logging"
	"github.com/Wundero/sinkr/pkg/protocol"
)

const storeTimeout = 5 * time.Second

// PeerReaper cleans up the peers stranded on a dead shard.
type PeerReaper interface {
	ReapShardPeers(ctx context.Context, shardID string)
}

// Placement tells the sink transport where a new socket should live.
type Placement struct {
	ShardID       string
	WorkerID      string
	AdvertiseAddr string
}

// Local reports whether the shard is hosted in this process.
func (p Placement) Local() bool { return p.WorkerID == "" }

// seat is the coordinator's view of one sink shard.
type seat struct {
	workerID    string // empty for local shards
	connections int
}

// Coordinator tracks every sink shard in the deployment and the links to
// the workers hosting the remote ones.
type Coordinator struct {
	store   store.Store
	host    *shard.Host
	metrics *metrics.Metrics
	logger  logging.Logger

	softCap         int
	shardsPerWorker int

	reaper PeerReaper

	mu    sync.RWMutex
	links map[string]*cluster.Link
	seats map[string]*seat
}

// New builds a coordinator over the local shard host. softCap is the
// connection count past which a shard stops taking new sinks;
// shardsPerWorker is how many shards a freshly attached worker is
// provisioned with.
func New(st store.Store, host *shard.Host, m *metrics.Metrics, logger logging.Logger, softCap, shardsPerWorker int) *Coordinator {
	return &Coordinator{
		store:           st,
		host:            host,
		metrics:         m,
		logger:          logger,
		softCap:         softCap,
		shardsPerWorker: shardsPerWorker,
		links:           make(map[string]*cluster.Link),
		seats:           make(map[string]*seat),
	}
}

// SetReaper wires the channel engine in after construction. The engine
// needs the coordinator as its fan-out first.
func (c *Coordinator) SetReaper(r PeerReaper) { c.reaper = r }

// Workers reports the number of attached workers.
func (c *Coordinator) Workers() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.links)
}

// Bootstrap clears state left over from the previous deployment. Peer and
// shard rows describe sockets that no longer exist.
func (c *Coordinator) Bootstrap(ctx context.Context) error {
	if err := c.store.ResetShardHandlers(ctx); err != nil {
		return fmt.Errorf("reset shard handlers: %w", err)
	}
	if err := c.store.DeleteAllPeers(ctx); err != nil {
		return fmt.Errorf("delete stale peers: %w", err)
	}
	return nil
}

// Place picks the shard for a new sink socket: the least-loaded shard
// still under the soft cap, or a fresh shard when every seat is full. New
// shards land on the worker hosting the fewest, or locally when no worker
// is attached.
func (c *Coordinator) Place(ctx context.Context) Placement {
	c.mu.Lock()
	defer c.mu.Unlock()

	if shardID, ok := c.leastLoaded(); ok {
		return c.placementOf(shardID)
	}
	return c.allocate(ctx)
}

func (c *Coordinator) leastLoaded() (string, bool) {
	best := ""
	bestLoad := 0
	for id, s := range c.seats {
		if s.workerID != "" && c.links[s.workerID] == nil {
			continue
		}
		if s.connections >= c.softCap {
			continue
		}
		if best == "" || s.connections < bestLoad || (s.connections == bestLoad && id < best) {
			best = id
			bestLoad = s.connections
		}
	}
	return best, best != ""
}

func (c *Coordinator) placementOf(shardID string) Placement {
	s := c.seats[shardID]
	p := Placement{ShardID: shardID, WorkerID: s.workerID}
	if s.workerID != "" {
		p.AdvertiseAddr = c.links[s.workerID].AdvertiseAddr()
	}
	return p
}

// allocate creates a shard on the emptiest worker, falling back to a local
// shard when no worker is attached or the create message cannot be sent.
// Callers hold c.mu.
func (c *Coordinator) allocate(ctx context.Context) Placement {
	shardID := uuid.New().String()

	var target *cluster.Link
	if len(c.links) > 0 {
		counts := make(map[string]int, len(c.links))
		for _, s := range c.seats {
			if s.workerID != "" {
				counts[s.workerID]++
			}
		}
		for workerID, link := range c.links {
			if target == nil || counts[workerID] < counts[target.WorkerID()] ||
				(counts[workerID] == counts[target.WorkerID()] && workerID < target.WorkerID()) {
				target = link
			}
		}
	}

	if target != nil {
		if err := target.CreateShard(shardID); err != nil {
			c.logger.WithError(err).WithField("worker_id", target.WorkerID()).Warn("Failed to create shard on worker, allocating locally")
			target = nil
		}
	}

	workerID, addr := "", ""
	if target != nil {
		workerID, addr = target.WorkerID(), target.AdvertiseAddr()
	} else {
		c.host.CreateShard(shardID)
	}

	c.seats[shardID] = &seat{workerID: workerID}
	c.persistSeat(ctx, shardID, 0, workerID, addr)

	return Placement{ShardID: shardID, WorkerID: workerID, AdvertiseAddr: addr}
}

// ReportLoad records a local shard's connection count. Implements the
// host's load reporter.
func (c *Coordinator) ReportLoad(shardID string, connections int) {
	c.mu.Lock()
	if s, ok := c.seats[shardID]; ok && s.workerID == "" {
		s.connections = connections
	}
	c.mu.Unlock()

	c.persistLoad(shardID, connections)
}

// HandleLoad records a remote shard's connection count. Implements the
// link handler.
func (c *Coordinator) HandleLoad(workerID, shardID string, connections int) {
	c.mu.Lock()
	s, ok := c.seats[shardID]
	if ok && s.workerID == workerID {
		s.connections = connections
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.metrics.ShardConnections.WithLabelValues(shardID).Set(float64(connections))
	c.persistLoad(shardID, connections)
}

// HandleRelay applies a worker-originated op across the deployment.
// Worker relays carry membership notifications, which fail when any shard
// fails.
func (c *Coordinator) HandleRelay(ctx context.Context, op *shard.Op) (int, error) {
	return c.fanOp(ctx, op, false)
}

// AttachWorker registers a worker link: adopts its announced shards and
// provisions new ones up to the configured count. A link reusing a live
// worker id replaces the old session.
func (c *Coordinator) AttachWorker(ctx context.Context, link *cluster.Link) {
	workerID := link.WorkerID()
	addr := link.AdvertiseAddr()
	announced := link.Shards()

	c.mu.Lock()
	if old := c.links[workerID]; old != nil {
		old.Close()
	}
	c.links[workerID] = link

	for _, st := range announced {
		c.seats[st.ID] = &seat{workerID: workerID, connections: st.Connections}
	}

	var created []string
	for i := len(announced); i < c.shardsPerWorker; i++ {
		shardID := uuid.New().String()
		if err := link.CreateShard(shardID); err != nil {
			c.logger.WithError(err).WithField("worker_id", workerID).Warn("Failed to provision worker shard")
			break
		}
		c.seats[shardID] = &seat{workerID: workerID}
		created = append(created, shardID)
	}
	c.mu.Unlock()

	for _, st := range announced {
		c.persistSeat(ctx, st.ID, st.Connections, workerID, addr)
	}
	for _, shardID := range created {
		c.persistSeat(ctx, shardID, 0, workerID, addr)
	}

	c.logger.WithFields(logging.Fields{
		"worker_id":      workerID,
		"advertise_addr": addr,
		"shards":         len(announced) + len(created),
	}).Info("Worker attached")
}

// DetachWorker removes a dead worker and reaps the peers stranded on its
// shards, so channel members see leave notifications even when a worker
// crashes. A link already replaced by a fresh session is ignored.
func (c *Coordinator) DetachWorker(ctx context.Context, link *cluster.Link) {
	workerID := link.WorkerID()

	c.mu.Lock()
	if c.links[workerID] != link {
		c.mu.Unlock()
		return
	}
	delete(c.links, workerID)

	var orphaned []string
	for id, s := range c.seats {
		if s.workerID == workerID {
			orphaned = append(orphaned, id)
			delete(c.seats, id)
		}
	}
	c.mu.Unlock()
	link.Close()

	sort.Strings(orphaned)
	for _, shardID := range orphaned {
		c.metrics.ShardConnections.DeleteLabelValues(shardID)
		if err := c.store.DeleteShardHandler(ctx, shardID); err != nil {
			c.logger.WithError(err).WithField("shard_id", shardID).Warn("Failed to delete shard handler")
		}
		if c.reaper != nil {
			c.reaper.ReapShardPeers(ctx, shardID)
		}
	}

	c.logger.WithFields(logging.Fields{
		"worker_id": workerID,
		"shards":    len(orphaned),
	}).Info("Worker detached")
}

// Broadcast sends a frame to every sink of the app. Fails when any shard
// fails.
func (c *Coordinator) Broadcast(ctx context.Context, appID string, frame protocol.SinkFrame) (int, error) {
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}
	return c.fanOp(ctx, &shard.Op{Kind: shard.OpBroadcast, AppID: appID, Frame: payload}, false)
}

// Deliver sends a frame to the given peers. Fails when any shard fails.
func (c *Coordinator) Deliver(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error) {
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}
	return c.fanOp(ctx, &shard.Op{Kind: shard.OpDeliver, AppID: appID, PeerIDs: peerIDs, Frame: payload}, false)
}

// DeliverAny sends a frame to the given peers and succeeds as soon as any
// shard delivers, regardless of other shards' failures.
func (c *Coordinator) DeliverAny(ctx context.Context, appID string, peerIDs []string, frame protocol.SinkFrame) (int, error) {
	payload, err := frame.Encode()
	if err != nil {
		return 0, err
	}
	return c.fanOp(ctx, &shard.Op{Kind: shard.OpDeliver, AppID: appID, PeerIDs: peerIDs, Frame: payload}, true)
}

// fanOp applies one op to every sink shard in the deployment and sums the
// deliveries. anyWins selects the aggregation: broadcasts and channel
// sends fail when any shard fails, direct sends succeed when any shard
// delivers.
func (c *Coordinator) fanOp(ctx context.Context, op *shard.Op, anyWins bool) (int, error) {
	start := time.Now()
	defer func() {
		c.metrics.FanoutDuration.WithLabelValues(string(op.Kind)).Observe(time.Since(start).Seconds())
	}()

	type target struct {
		shardID string
		link    *cluster.Link
	}
	c.mu.RLock()
	targets := make([]target, 0, len(c.seats))
	for id, s := range c.seats {
		if s.workerID == "" {
			targets = append(targets, target{shardID: id})
			continue
		}
		if link := c.links[s.workerID]; link != nil {
			targets = append(targets, target{shardID: id, link: link})
		}
	}
	c.mu.RUnlock()

	var (
		mu        sync.Mutex
		delivered int
		firstErr  error
		wg        sync.WaitGroup
	)
	for _, tgt := range targets {
		wg.Add(1)
		go func(tgt target) {
			defer wg.Done()

			var (
				n   int
				err error
			)
			if tgt.link == nil {
				n, err = c.host.Apply(tgt.shardID, op)
			} else {
				n, err = tgt.link.Invoke(ctx, tgt.shardID, op)
			}

			mu.Lock()
			delivered += n
			if err != nil && firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(tgt)
	}
	wg.Wait()

	if anyWins && delivered > 0 {
		return delivered, nil
	}
	if firstErr != nil {
		return delivered, firstErr
	}
	return delivered, nil
}

func (c *Coordinator) persistSeat(ctx context.Context, shardID string, connections int, workerID, addr string) {
	err := c.store.UpsertShardHandler(ctx, &store.ShardHandler{
		ID:              shardID,
		ConnectionCount: connections,
		WorkerID:        workerID,
		AdvertiseAddr:   addr,
	})
	if err != nil {
		c.logger.WithError(err).WithField("shard_id", shardID).Warn("Failed to persist shard handler")
	}
}

func (c *Coordinator) persistLoad(shardID string, connections int) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := c.store.UpdateShardLoad(ctx, shardID, connections); err != nil {
		c.logger.WithError(err).WithField("shard_id", shardID).Warn("Failed to record shard load")
	}
}
