// Package flush implements the memtable lifecycle state machine and the
// async push path (C7): Active -> Sealed -> Pushing -> Destroyed, a bounded
// push queue, and startup recovery of surviving memtable directories.
//
// Grounded on internal/wal/manager.go's segment rotation pattern
// (rotateSegment/loadSegments/createNewSegment) — retargeted from WAL
// segments onto memtable directories, since this module's memtable already
// gets local durability from bbolt and a second write-ahead log would
// duplicate it (see DESIGN.md's dropped-module note for internal/wal). The
// background-goroutine/ticker lifecycle and optional event-publishing hook
// are grounded on internal/services/storage_manager.go's
// Start/Stop/publishEvent idiom.
package flush

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"storage-engine/internal/manifest"
	"storage-engine/internal/memtable"
	"storage-engine/internal/sstable"
	"storage-engine/internal/xerrors"
)

// State is a memtable's position in its lifecycle.
type State int

const (
	StateActive State = iota
	StateSealed
	StatePushing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateSealed:
		return "sealed"
	case StatePushing:
		return "pushing"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event names the lifecycle notifications the orchestrator emits. This is
// a pure observability hook (spec SPEC_FULL.md §4.7 supplement): no
// consumer ships with this module, and a nil Publisher is always safe.
type Event struct {
	Kind       string // memtable_sealed | push_started | push_completed | push_failed | recovered_sealed_memtable
	MemtableID string
	Detail     string
}

// Publisher receives lifecycle events. Implementations must not block;
// Orchestrator calls Publish synchronously, from the push goroutine for push
// events and from the caller's goroutine inside Rotate and Recover.
type Publisher interface {
	Publish(Event)
}

// sealedMemtable tracks one memtable queued for push.
type sealedMemtable struct {
	mt    *memtable.MemTable
	state State
}

// Orchestrator owns the single Active memtable pointer and a single-
// consumer bounded queue of Sealed memtables awaiting push (spec §5: "the
// engine must never have more than one Active memtable, but may have
// multiple Sealed/Pushing memtables queued").
type Orchestrator struct {
	scratchDir string
	writer     *sstable.Writer
	man        *manifest.Manifest
	publisher  Publisher
	retryLimit int

	mu     sync.RWMutex
	active *memtable.MemTable

	queue  chan *sealedMemtable
	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// New builds an Orchestrator. Call Start to begin the push worker and
// Recover (once, at startup, before accepting writes) to re-queue any
// memtable directories left over from a prior process.
func New(scratchDir string, writer *sstable.Writer, man *manifest.Manifest, publisher Publisher, queueDepth, retryLimit int) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	o := &Orchestrator{
		scratchDir: scratchDir,
		writer:     writer,
		man:        man,
		publisher:  publisher,
		retryLimit: retryLimit,
		queue:      make(chan *sealedMemtable, queueDepth),
		group:      group,
		ctx:        gctx,
		cancel:     cancel,
	}
	return o
}

func (o *Orchestrator) publish(ev Event) {
	if o.publisher != nil {
		o.publisher.Publish(ev)
	}
}

// Start launches the single background worker that drains the push queue.
func (o *Orchestrator) Start() {
	o.group.Go(func() error {
		for {
			select {
			case <-o.ctx.Done():
				return nil
			case sm, ok := <-o.queue:
				if !ok {
					return nil
				}
				o.pushWithRetry(sm)
			}
		}
	})
}

// Stop cancels the background worker and waits for it to return, including
// any push it has already dequeued. Memtables still waiting in the queue are
// not pushed; their files stay in the scratch directory for the next
// Recover. Idempotent: cancel runs only while the context is still live, and
// a second Wait returns at once.
func (o *Orchestrator) Stop() {
	select {
	case <-o.ctx.Done():
		// already stopped
	default:
		o.cancel()
	}
	_ = o.group.Wait()
}

// Active returns the current Active memtable, creating one on first use.
// Callers must hold onto the returned pointer for their entire operation:
// a concurrent rotation replaces the orchestrator's pointer, not the
// memtable a caller already has (spec §5).
func (o *Orchestrator) Active() (*memtable.MemTable, error) {
	o.mu.RLock()
	if o.active != nil {
		defer o.mu.RUnlock()
		return o.active, nil
	}
	o.mu.RUnlock()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != nil {
		return o.active, nil
	}
	mt, err := memtable.Open(o.scratchDir, memtable.IDFor(time.Now()))
	if err != nil {
		return nil, err
	}
	o.active = mt
	return mt, nil
}

// Rotate atomically swaps in a fresh Active memtable, seals the old one,
// and enqueues it for an asynchronous push. Returns the sealed memtable's
// id for observability.
func (o *Orchestrator) Rotate() (string, error) {
	o.mu.Lock()
	old := o.active
	o.active = nil
	o.mu.Unlock()

	if old == nil {
		return "", nil
	}

	old.Seal()
	o.publish(Event{Kind: "memtable_sealed", MemtableID: old.ID})

	sm := &sealedMemtable{mt: old, state: StateSealed}
	select {
	case o.queue <- sm:
	case <-o.ctx.Done():
		return old.ID, xerrors.New(xerrors.ErrStorageUnavailable, "orchestrator stopped, cannot enqueue push")
	}
	return old.ID, nil
}

func (o *Orchestrator) pushWithRetry(sm *sealedMemtable) {
	sm.state = StatePushing
	o.publish(Event{Kind: "push_started", MemtableID: sm.mt.ID})

	var lastErr error
	for attempt := 0; attempt <= o.retryLimit; attempt++ {
		if err := o.pushStore(sm.mt); err != nil {
			lastErr = err
			continue
		}
		lastErr = nil
		break
	}

	if lastErr != nil {
		// The memtable stays Sealed on disk. It is not re-queued by this
		// process; the next startup's Recover finds it and queues it again.
		sm.state = StateSealed
		o.publish(Event{Kind: "push_failed", MemtableID: sm.mt.ID, Detail: lastErr.Error()})
		log.Printf("flush: push failed for memtable %s after %d attempts: %v", sm.mt.ID, o.retryLimit+1, lastErr)
		return
	}

	sm.state = StateDestroyed
	if err := sm.mt.Destroy(); err != nil {
		log.Printf("flush: failed to destroy pushed memtable %s: %v", sm.mt.ID, err)
	}
	o.publish(Event{Kind: "push_completed", MemtableID: sm.mt.ID})

	if err := o.man.Refresh(o.ctx); err != nil {
		log.Printf("flush: manifest refresh after push failed: %v", err)
	}
}

// pushStore drives the SST writer for every stream in store.StreamsIter(),
// one SST per stream (split=false, whatever the memtable's size). A writer
// refusal because the payload key already exists
// (ErrAlreadyExists) means some earlier attempt already landed this
// stream's SST; pushStore treats that as success and moves on (spec §4.7's
// idempotent-retry guard).
func (o *Orchestrator) pushStore(mt *memtable.MemTable) error {
	groups, err := mt.StreamsIter()
	if err != nil {
		return err
	}

	for _, g := range groups {
		opts := sstable.WriteOptions{MemtableID: mt.ID, Split: false}
		_, remaining, err := o.writer.Write(o.ctx, g.Stream, g.Records, opts)
		if err != nil {
			if xerrors.Is(err, xerrors.ErrAlreadyExists) {
				continue
			}
			return err
		}
		if len(remaining) != 0 {
			return xerrors.New(xerrors.ErrSSTableError, "flush push unexpectedly produced a split remainder")
		}
	}
	return nil
}

// Recover scans the scratch directory for surviving memtable files (a prior
// process exited before their push completed), seals and enqueues each one,
// and reports how many were recovered. Must run before the engine starts
// accepting writes (spec §4.7).
func (o *Orchestrator) Recover() (int, error) {
	ids, err := memtable.ListScratchMemtables(o.scratchDir)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, id := range ids {
		mt, err := memtable.Open(o.scratchDir, id)
		if err != nil {
			log.Printf("flush: recovery could not reopen memtable %s: %v", id, err)
			continue
		}
		mt.Seal()
		o.publish(Event{Kind: "recovered_sealed_memtable", MemtableID: id})
		select {
		case o.queue <- &sealedMemtable{mt: mt, state: StateSealed}:
			count++
		case <-o.ctx.Done():
			return count, xerrors.New(xerrors.ErrStorageUnavailable, "orchestrator stopped during recovery")
		}
	}
	return count, nil
}
