package corelink

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/raskyld/corelink/pkg/telemetry"
	"github.com/raskyld/corelink/pkg/wire"
)

// nameDirectory is an eventually consistent index of which node serves
// each service name.
//
// Records are never mutated once inserted in the tree, every change
// inserts a fresh copy. Readers can therefore walk a snapshot of the
// tree without holding the lock.
type nameDirectory struct {
	lk      sync.RWMutex
	tree    *iradix.Tree
	changed chan struct{}

	// a local clock to order our own claims, seeded from the wall clock
	// so a restarted node supersedes what it announced before.
	clock uint64

	conflicts       map[string]time.Time
	conflictTimeout time.Duration
	tick            time.Duration

	// onEvict is called, outside of the lock, for every local service
	// which lost a name conflict.
	onEvict func(service string)

	logger    *slog.Logger
	localNode string

	closeOnce sync.Once
	closeCh   chan struct{}
	wg        sync.WaitGroup
}

type nameRecord struct {
	owner   string
	history map[string]*wire.NameClaim
}

func (rec *nameRecord) clone() *nameRecord {
	if rec == nil {
		return &nameRecord{history: make(map[string]*wire.NameClaim)}
	}
	return &nameRecord{
		owner:   rec.owner,
		history: maps.Clone(rec.history),
	}
}

// claimants returns the nodes currently claiming the name, sorted.
func (rec *nameRecord) claimants() []string {
	var nodes []string
	for node, claim := range rec.history {
		if claim.Mode == wire.ClaimModeClaim {
			nodes = append(nodes, node)
		}
	}
	sort.Strings(nodes)
	return nodes
}

func newNameDir(
	logger *slog.Logger,
	localNode string,
	conflictTimeout time.Duration,
	tick time.Duration,
	onEvict func(service string),
) *nameDirectory {
	dir := &nameDirectory{
		tree:            iradix.New(),
		changed:         make(chan struct{}),
		clock:           uint64(time.Now().UnixNano()),
		conflicts:       make(map[string]time.Time),
		conflictTimeout: conflictTimeout,
		tick:            tick,
		onEvict:         onEvict,
		logger:          logger,
		localNode:       localNode,
		closeCh:         make(chan struct{}),
	}

	dir.wg.Add(1)
	go dir.handleConflicts()

	return dir
}

// not thread safe!
func (dir *nameDirectory) get(name string) *nameRecord {
	raw, ok := dir.tree.Get([]byte(name))
	if !ok {
		return nil
	}
	return raw.(*nameRecord)
}

// not thread safe!
// must be called by an holder of Write lock
func (dir *nameDirectory) put(name string, previous, rec *nameRecord) {
	if len(rec.history) == 0 {
		dir.tree, _, _ = dir.tree.Delete([]byte(name))
	} else {
		dir.tree, _, _ = dir.tree.Insert([]byte(name), rec)
	}

	if previous == nil || previous.owner != rec.owner {
		close(dir.changed)
		dir.changed = make(chan struct{})
	}
}

func (dir *nameDirectory) resolve(name string) (string, error) {
	dir.lk.RLock()
	defer dir.lk.RUnlock()
	rec := dir.get(name)
	if rec == nil || rec.owner == "" {
		return "", ErrNameResolution
	}
	return rec.owner, nil
}

// await blocks until name has an owner.
func (dir *nameDirectory) await(ctx context.Context, name string) (string, error) {
	for {
		dir.lk.RLock()
		rec := dir.get(name)
		changed := dir.changed
		dir.lk.RUnlock()

		if rec != nil && rec.owner != "" {
			return rec.owner, nil
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %w", ErrNameResolution, ctx.Err())
		case <-dir.closeCh:
			return "", ErrNodeClosed
		case <-changed:
		}
	}
}

func (dir *nameDirectory) scan(prefix string) ([]string, error) {
	dir.lk.RLock()
	snapshot := dir.tree
	dir.lk.RUnlock()

	var found []string
	snapshot.Root().WalkPrefix([]byte(prefix), func(k []byte, v interface{}) bool {
		if v.(*nameRecord).owner != "" {
			found = append(found, string(k))
		}
		return false
	})

	if len(found) == 0 {
		return nil, ErrNameResolution
	}
	return found, nil
}

// localClaims returns the latest claim of the local node for every name
// it ever announced.
func (dir *nameDirectory) localClaims() []*wire.NameClaim {
	dir.lk.RLock()
	snapshot := dir.tree
	dir.lk.RUnlock()

	var claims []*wire.NameClaim
	snapshot.Root().Walk(func(_ []byte, v interface{}) bool {
		if claim, ok := v.(*nameRecord).history[dir.localNode]; ok {
			c := *claim
			claims = append(claims, &c)
		}
		return false
	})
	return claims
}

// record applies claim to the directory.
//
// Synchronous claims are the ones of the local node: they are stamped
// with our clock and fail with `ErrNameConflict` when another node owns
// the name. Asynchronous claims come from the cluster, stale revisions
// are ignored and conflicts are left to `handleConflicts`.
func (dir *nameDirectory) record(claim *wire.NameClaim, synchronous bool) error {
	if err := claim.Validate(); err != nil {
		return err
	}

	name := claim.Service
	claimant := claim.Node

	dir.lk.Lock()
	defer dir.lk.Unlock()

	previous := dir.get(name)

	if synchronous {
		if claim.Mode == wire.ClaimModeClaim && previous != nil &&
			previous.owner != "" && previous.owner != claimant {
			return fmt.Errorf("%w: %s is served by %s", ErrNameConflict, name, previous.owner)
		}
		dir.clock++
		claim.Rev = dir.clock
	} else if previous != nil {
		if seen, ok := previous.history[claimant]; ok && claim.Rev <= seen.Rev {
			dir.logger.Debug(
				"ignoring stale claim",
				telemetry.LabelService.L(name),
				telemetry.LabelPeerName.L(claimant),
			)
			return nil
		}
	}

	rec := previous.clone()
	stored := *claim
	rec.history[claimant] = &stored

	switch claim.Mode {
	case wire.ClaimModeUnclaim:
		if rec.owner == claimant {
			rec.owner = ""
			// Another claimant was waiting on a conflict, it takes over.
			if nodes := rec.claimants(); len(nodes) > 0 {
				rec.owner = nodes[0]
			}
		}
	case wire.ClaimModeClaim:
		if rec.owner == "" {
			rec.owner = claimant
		} else if rec.owner != claimant {
			if _, active := dir.conflicts[name]; !active {
				dir.conflicts[name] = time.Now().Add(dir.conflictTimeout)
				dir.logger.Warn(
					"service name conflict detected",
					telemetry.LabelService.L(name),
					telemetry.LabelPeerName.L(claimant),
					slog.String("owner", rec.owner),
				)
			}
		}
	}

	dir.put(name, previous, rec)
	return nil
}

// purge forgets every claim of node, used once it left the cluster.
func (dir *nameDirectory) purge(node string) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	var names []string
	dir.tree.Root().Walk(func(k []byte, v interface{}) bool {
		if _, ok := v.(*nameRecord).history[node]; ok {
			names = append(names, string(k))
		}
		return false
	})

	for _, name := range names {
		previous := dir.get(name)
		rec := previous.clone()
		delete(rec.history, node)
		if rec.owner == node {
			rec.owner = ""
			if nodes := rec.claimants(); len(nodes) > 0 {
				rec.owner = nodes[0]
			}
		}
		dir.put(name, previous, rec)
	}

	if len(names) > 0 {
		dir.logger.Info(
			"purged claims of departed node",
			telemetry.LabelPeerName.L(node),
			slog.Int("count", len(names)),
		)
	}
}

func (dir *nameDirectory) handleConflicts() {
	defer dir.wg.Done()
	ticker := time.NewTicker(dir.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, name := range dir.settleConflicts(time.Now()) {
				if dir.onEvict != nil {
					dir.onEvict(name)
				}
			}
		case <-dir.closeCh:
			return
		}
	}
}

// settleConflicts drops the conflicts which resolved themselves and
// breaks the ties which lasted past their deadline. The smallest node
// name wins, every node computes the same winner without talking.
// It returns the local services which lost.
func (dir *nameDirectory) settleConflicts(now time.Time) (evicted []string) {
	dir.lk.Lock()
	defer dir.lk.Unlock()

	for name, deadline := range dir.conflicts {
		previous := dir.get(name)
		if previous == nil {
			delete(dir.conflicts, name)
			continue
		}

		nodes := previous.claimants()
		if len(nodes) <= 1 {
			rec := previous.clone()
			rec.owner = ""
			if len(nodes) == 1 {
				rec.owner = nodes[0]
			}
			dir.put(name, previous, rec)
			delete(dir.conflicts, name)
			dir.logger.Debug(
				"conflict resolved",
				telemetry.LabelService.L(name),
				telemetry.LabelPeerName.L(rec.owner),
			)
			continue
		}

		if deadline.After(now) {
			continue
		}

		winner := nodes[0]
		rec := previous.clone()
		rec.owner = winner
		dir.put(name, previous, rec)
		delete(dir.conflicts, name)

		dir.logger.Warn(
			"service name conflict broken by tie",
			telemetry.LabelService.L(name),
			telemetry.LabelPeerName.L(winner),
		)

		for _, loser := range nodes[1:] {
			if loser == dir.localNode {
				evicted = append(evicted, name)
			}
		}
	}

	return evicted
}

func (dir *nameDirectory) close() {
	dir.closeOnce.Do(func() {
		close(dir.closeCh)
	})
	dir.wg.Wait()
}
