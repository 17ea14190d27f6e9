package cachering

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"go-cachering/database"
)

// Discovery keeps a Cache's membership in step with a members table shared
// by the cluster. Each node announces itself with a lease, renews it, and
// reconciles the live lease holders into Join and Leave calls. Nodes whose
// lease lapses are dropped by every peer.
type Discovery struct {
	db        *sql.DB
	clusterID string
	self      NodeMetadata
	cache     *Cache
	options   options

	mu      sync.Mutex // Guards queries and cancel
	queries *database.Queries
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDiscovery creates a Discovery that announces self and drives cache.
func NewDiscovery(db *sql.DB, clusterID string, self NodeMetadata, cache *Cache, opts ...Option) *Discovery {
	var options = defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if self.Weight <= 0 {
		self.Weight = 1
	}

	return &Discovery{
		db:        db,
		clusterID: clusterID,
		self:      self,
		cache:     cache,
		options:   options,
	}
}

// Start announces this node, loads the current members into the cache and
// begins lease renewal and membership refresh.
//
// Context handling: ctx bounds the initial announce and refresh. Background
// workers run with their own context and stop on Stop.
func (d *Discovery) Start(ctx context.Context) error {
	if err := ValidateClusterID(d.clusterID); err != nil {
		return fmt.Errorf("invalid clusterID: %w", err)
	}

	if err := database.Migrate(d.db, d.clusterID); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		return nil
	}
	d.queries = database.NewQueries(d.db, d.clusterID)

	if err := d.announce(ctx); err != nil {
		return err
	}

	if err := d.refresh(ctx); err != nil {
		return fmt.Errorf("failed to load members after announce: %w", err)
	}

	d.options.logger.Info("announced to cluster",
		"cluster_id", d.clusterID,
		"node_id", d.self.ID,
		"members", len(d.cache.Members()))

	var workerCtx context.Context
	workerCtx, d.cancel = context.WithCancel(context.Background())

	d.wg.Add(3)
	go d.renewLeaseWorker(workerCtx)
	go d.refreshMembersWorker(workerCtx)
	go d.cleanupExpiredMembersWorker(workerCtx)

	return nil
}

// Stop halts the workers and withdraws this node's lease so peers drop it
// on their next refresh.
func (d *Discovery) Stop(ctx context.Context) error {
	d.mu.Lock()
	var cancel = d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel == nil {
		return ErrNotStarted
	}

	cancel()
	d.wg.Wait()

	if err := d.queries.DeleteMember(ctx, d.clusterID, d.self.ID); err != nil {
		return fmt.Errorf("failed to withdraw membership: %w", err)
	}
	return nil
}

// Refresh reconciles the cache membership with the live leases now.
func (d *Discovery) Refresh(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.queries == nil {
		return ErrNotStarted
	}
	return d.refresh(ctx)
}

// announce writes this node's lease.
func (d *Discovery) announce(ctx context.Context) error {
	var record = &database.MemberRecord{
		ClusterID: d.clusterID,
		NodeID:    d.self.ID,
		Address:   d.self.Address,
		Weight:    d.self.Weight,
		ExpiresAt: d.options.now().Add(d.options.memberLeaseTTL),
	}
	if err := d.queries.SetMember(ctx, record); err != nil {
		return fmt.Errorf("failed to announce node %s: %w", d.self.ID, err)
	}
	return nil
}

// renew extends this node's lease, re-announcing when a peer already expired it.
func (d *Discovery) renew(ctx context.Context) error {
	var expiresAt = d.options.now().Add(d.options.memberLeaseTTL)
	renewed, err := d.queries.RenewMember(ctx, d.clusterID, d.self.ID, expiresAt)
	if err != nil {
		return err
	}
	if !renewed {
		d.options.logger.Warn("membership lease lost, re-announcing", "node_id", d.self.ID)
		return d.announce(ctx)
	}
	return nil
}

// refresh joins live members missing from the cache and removes members
// whose lease is gone. Must be called with lock held.
func (d *Discovery) refresh(ctx context.Context) error {
	var records, err = d.queries.ListMembers(ctx, d.clusterID, d.options.now())
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}

	var live = make(map[string]*database.MemberRecord, len(records))
	for _, record := range records {
		live[record.NodeID] = record
	}

	var known = make(map[string]NodeState)
	for _, m := range d.cache.Members() {
		known[m.Node.ID] = m.State
	}

	for id, state := range known {
		if _, ok := live[id]; ok || state == NodeLeaving {
			continue
		}
		if err := d.cache.Leave(ctx, id); err != nil {
			d.options.logger.Warn("failed to drop expired member", "node_id", id, "error", err)
		}
	}

	for _, record := range records {
		if _, ok := known[record.NodeID]; ok {
			continue
		}
		var node = NodeMetadata{
			ID:      record.NodeID,
			Address: record.Address,
			Weight:  record.Weight,
		}
		if err := d.cache.Join(ctx, node); err != nil {
			d.options.logger.Warn("failed to add member", "node_id", record.NodeID, "error", err)
		}
	}

	return nil
}

// renewLeaseWorker periodically renews this node's lease.
func (d *Discovery) renewLeaseWorker(ctx context.Context) {
	defer d.wg.Done()

	var ticker = time.NewTicker(d.options.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.renew(ctx); err != nil {
				d.options.logger.Error("failed to renew membership lease", "error", err)
			}
		}
	}
}

// refreshMembersWorker periodically reconciles the cache with the members table.
func (d *Discovery) refreshMembersWorker(ctx context.Context) {
	defer d.wg.Done()

	var ticker = time.NewTicker(d.options.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.Lock()
			var err = d.refresh(ctx)
			d.mu.Unlock()
			if err != nil {
				d.options.logger.Error("failed to refresh members", "error", err)
			}
		}
	}
}

// cleanupExpiredMembersWorker periodically deletes lapsed leases.
func (d *Discovery) cleanupExpiredMembersWorker(ctx context.Context) {
	defer d.wg.Done()

	var ticker = time.NewTicker(d.options.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := d.queries.DeleteExpiredMembers(ctx, d.clusterID, d.options.now())
			if err != nil {
				d.options.logger.Error("failed to cleanup expired members", "error", err)
				continue
			}
			if deleted > 0 {
				d.options.logger.Info("expired members removed", "count", deleted)
			}
		}
	}
}
