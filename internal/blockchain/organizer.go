// Copyright (c) 2013-2016 The btcsuite developers
// Copyright (c) 2015-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package blockchain

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/container/apbf"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/progresslog"
)

const (
	// DefaultQueueSize is the default number of organize requests that may
	// be queued before Organize refuses further requests with ErrQueueFull.
	DefaultQueueSize = 1024

	// maxStaleRetries is the maximum number of times a branch that lost a
	// race with a concurrent commit is rebuilt and retried.
	maxStaleRetries = 5

	// maxKnownInvalid is the minimum number of invalid block hashes that are
	// remembered in order to reject them again without revalidating.
	maxKnownInvalid = 10000

	// knownInvalidFPRate is the false positive rate of the filter used to
	// remember invalid block hashes.
	knownInvalidFPRate = 0.000001
)

// Config is a descriptor which specifies the organizer instance configuration.
type Config struct {
	// Store defines the confirmed chain the organizer extends and
	// reorganizes.
	//
	// This field is required.
	Store ChainStore

	// Policy defines the consensus rules enforced by the validation
	// pipeline.
	//
	// This field is required.
	Policy ValidatePolicy

	// Reconciler is invoked with the commit lock held after every commit in
	// order to update the unconfirmed transaction state.
	//
	// This field is optional.
	Reconciler TxReconciler

	// Pool defines the limits of the pending block pool.  Zero values
	// select the defaults.
	Pool PoolConfig

	// Workers is the number of goroutines that process organize requests.
	// It defaults to the number of processor cores.
	Workers int

	// QueueSize is the number of organize requests that may be queued.
	// Requests beyond it fail with ErrQueueFull.
	QueueSize int

	// TimeSource returns the time used when validating block timestamps.
	// It defaults to time.Now.
	TimeSource func() time.Time
}

// organizeJob houses a block to organize along with the callback to notify
// with the result.
type organizeJob struct {
	block    *dcrutil.Block
	callback func(error)
}

// Organizer decides, for each block it is given, whether it extends, forks,
// or replaces the main chain of the chain store, commits the resulting
// changes, and notifies subscribers about them.
//
// Organize requests are processed by a pool of worker goroutines.  The
// validation stages for different branches run concurrently while commits
// are serialized by the commit lock.
type Organizer struct {
	cfg      Config
	store    ChainStore
	pool     *BlockPool
	pipeline *pipeline
	registry *reorgRegistry
	progress *progresslog.Logger

	// commitLock serializes commits and protects the reads of the main
	// chain used to build branches and evaluate fork choice.  Commits take
	// the write side while those reads take the read side.  Pending writers
	// block new readers, so a commit never waits behind a steady stream of
	// fork choice evaluations.
	commitLock sync.RWMutex

	invalidMtx sync.Mutex
	invalid    *apbf.Filter

	// stateMtx serializes Start and Stop while lifecycleMtx protects the
	// fields that describe the current run.  The halted channel is closed
	// once the most recent run has fully wound down.
	stateMtx     sync.Mutex
	lifecycleMtx sync.RWMutex
	running      bool
	jobs         chan *organizeJob
	quit         chan struct{}
	halted       chan struct{}
	senders      sync.WaitGroup
	wg           sync.WaitGroup
}

// New returns an organizer instance configured with the provided values.  The
// organizer must be started before it will process blocks.
func New(cfg *Config) (*Organizer, error) {
	if cfg.Store == nil {
		return nil, AssertError("organizer requires a chain store")
	}
	if cfg.Policy == nil {
		return nil, AssertError("organizer requires a validation policy")
	}
	config := *cfg
	if config.Workers <= 0 {
		config.Workers = runtime.NumCPU()
	}
	if config.QueueSize <= 0 {
		config.QueueSize = DefaultQueueSize
	}
	if config.TimeSource == nil {
		config.TimeSource = time.Now
	}

	return &Organizer{
		cfg:      config,
		store:    config.Store,
		pool:     NewBlockPool(config.Store, config.Pool),
		pipeline: newPipeline(config.Store, config.Policy, config.Workers, config.TimeSource),
		registry: newReorgRegistry(),
		progress: progresslog.New("Organized", log),
		invalid:  apbf.NewFilter(maxKnownInvalid, knownInvalidFPRate),
	}, nil
}

// Start begins processing organize requests.  It has no effect when the
// organizer is already running.  A stopped organizer may be started again.
func (o *Organizer) Start() {
	o.stateMtx.Lock()
	defer o.stateMtx.Unlock()

	o.lifecycleMtx.Lock()
	if o.running {
		o.lifecycleMtx.Unlock()
		return
	}
	halted := o.halted
	o.lifecycleMtx.Unlock()

	// Wait for a run that halted on its own to finish winding down.
	if halted != nil {
		<-halted
	}

	o.lifecycleMtx.Lock()
	log.Trace("Starting chain organizer")
	o.jobs = make(chan *organizeJob, o.cfg.QueueSize)
	o.quit = make(chan struct{})
	o.registry.start()
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.organizeHandler(o.jobs, o.quit)
	}
	o.running = true
	o.lifecycleMtx.Unlock()
}

// Stop refuses any further organize requests, waits for requests that are in
// progress to complete, fails queued requests with ErrStopped, and relays
// ErrStopped to all subscribers.  It has no effect when the organizer is not
// running other than waiting for a halt caused by a chain store failure to
// complete.
//
// Every callback provided to Organize has been invoked exactly once by the
// time Stop returns.
func (o *Organizer) Stop() {
	o.stateMtx.Lock()
	defer o.stateMtx.Unlock()

	o.lifecycleMtx.Lock()
	if !o.running {
		halted := o.halted
		o.lifecycleMtx.Unlock()
		if halted != nil {
			<-halted
		}
		return
	}
	log.Infof("Chain organizer shutting down")
	halted := o.haltLocked()
	o.lifecycleMtx.Unlock()
	<-halted
}

// haltLocked refuses any further organize requests and winds down the current
// run from a separate goroutine.  It returns a channel that is closed once the
// run has wound down.
//
// This function MUST be called with the lifecycle lock held and the organizer
// running.
func (o *Organizer) haltLocked() chan struct{} {
	o.running = false
	close(o.quit)
	halted := make(chan struct{})
	o.halted = halted
	go o.windDown(o.jobs, halted)
	return halted
}

// windDown waits for callers that were in the process of queueing a request
// and for the workers to finish any request in progress, fails all requests
// that were queued but never started, and relays ErrStopped to subscribers.
// It must be run as a goroutine.
func (o *Organizer) windDown(jobs chan *organizeJob, halted chan struct{}) {
	// A commit that is in progress always completes.
	o.senders.Wait()
	o.wg.Wait()

	var numFailed int
out:
	for {
		select {
		case job := <-jobs:
			job.callback(ErrStopped)
			numFailed++
		default:
			break out
		}
	}
	if numFailed > 0 {
		log.Debugf("Failed %d queued organize %s on shutdown", numFailed,
			pickNoun(numFailed, "request", "requests"))
	}

	o.registry.unsubscribe(true)
	close(halted)
}

// fail relays the chain store failure to all subscribers and halts the
// organizer since it is not possible to safely continue once the store fails.
func (o *Organizer) fail(err error) {
	o.registry.fail(err)

	o.lifecycleMtx.Lock()
	if o.running {
		log.Criticalf("Chain organizer halting: %v", err)
		o.haltLocked()
	}
	o.lifecycleMtx.Unlock()
}

// Organize queues the block to be organized and returns without waiting for
// the result.  The callback is invoked exactly once with the result from a
// separate goroutine, or immediately with ErrStopped when the organizer is not
// running.
//
// The result is nil when the block was committed to the main chain, is
// already in the main chain, or is pending in the pool because its branch does
// not have more work than the main chain.
//
// Organize never blocks the caller.  The callback is invoked immediately with
// ErrQueueFull when the request queue is full.
func (o *Organizer) Organize(block *dcrutil.Block, callback func(error)) {
	o.lifecycleMtx.RLock()
	if !o.running {
		o.lifecycleMtx.RUnlock()
		callback(ErrStopped)
		return
	}
	jobs := o.jobs
	o.senders.Add(1)
	o.lifecycleMtx.RUnlock()

	select {
	case jobs <- &organizeJob{block: block, callback: callback}:
	default:
		str := fmt.Sprintf("unable to organize block %s: %d requests are "+
			"already queued", block.Hash(), cap(jobs))
		callback(contextError(ErrQueueFull, str))
	}
	o.senders.Done()
}

// ProcessBlock organizes the block and waits for the result.  See Organize for
// details.
func (o *Organizer) ProcessBlock(block *dcrutil.Block) error {
	reply := make(chan error, 1)
	o.Organize(block, func(err error) {
		reply <- err
	})
	return <-reply
}

// organizeHandler processes organize requests until the quit channel is
// closed.  It must be run as a goroutine.
func (o *Organizer) organizeHandler(jobs <-chan *organizeJob, quit <-chan struct{}) {
out:
	for {
		select {
		case job := <-jobs:
			// Prefer shutting down over starting new work.
			select {
			case <-quit:
				job.callback(ErrStopped)
				continue
			default:
			}

			err := o.organize(job.block, quit)
			job.callback(err)

		case <-quit:
			break out
		}
	}

	o.wg.Done()
	log.Trace("Organize handler done")
}

// organize runs the full organization process for the block.
func (o *Organizer) organize(block *dcrutil.Block, quit <-chan struct{}) error {
	hash := block.Hash()
	if o.isKnownInvalid(hash) {
		str := fmt.Sprintf("block %s is known to be invalid", hash)
		return ruleError(ErrKnownInvalidBlock, str)
	}

	// Nothing to do when the block is already part of the main chain.
	if o.store.MainChainHasBlock(hash) {
		log.Tracef("Block %s is already in the main chain", hash)
		return nil
	}

	// Perform the context-free checks prior to adding the block to the pool
	// so blocks that are obviously invalid never enter it.  Only failures
	// that follow from the header are remembered since a block with a
	// malformed body shares its hash with the genuine block.
	if err := o.pipeline.checkBlock(block); err != nil {
		var vErr ValidationError
		if errors.As(err, &vErr) {
			log.Infof("Rejected block %s: %v", &vErr.Hash, vErr.Err)
			if rejectsHash(vErr) {
				o.markInvalid(&vErr.Hash)
			}
		}
		return err
	}

	if err := o.pool.Add(block); err != nil {
		return err
	}

	var err error
	for attempt := 0; attempt <= maxStaleRetries; attempt++ {
		err = o.organizeBranch(hash, quit)
		if !errors.Is(err, ErrStaleBranch) {
			return err
		}
		log.Debugf("Retrying organization of block %s: %v", hash, err)
	}
	return err
}

// organizeBranch builds the branch ending with the pending block with the
// given hash, validates it, and commits it when it has more work than the
// portion of the main chain it replaces.
func (o *Organizer) organizeBranch(hash *chainhash.Hash, quit <-chan struct{}) error {
	// The branch is built against a consistent view of the main chain.
	o.commitLock.RLock()
	branch, err := o.pool.Branch(hash)
	o.commitLock.RUnlock()
	if err != nil {
		if !errors.Is(err, ErrUnknownBlock) {
			return err
		}

		// The block is no longer pending, so it was either connected as a
		// part of a branch committed concurrently or discarded.
		switch {
		case o.store.MainChainHasBlock(hash):
			return nil
		case o.isKnownInvalid(hash):
			str := fmt.Sprintf("block %s is known to be invalid", hash)
			return ruleError(ErrKnownInvalidBlock, str)
		}
		str := fmt.Sprintf("block %s was removed from the pool before it "+
			"could be organized", hash)
		return contextError(ErrUnknownBlock, str)
	}

	// Avoid the expense of validation when the branch can't possibly become
	// the main chain.  Ties favor the chain that was seen first.
	o.commitLock.RLock()
	wins, err := o.branchWinsLocked(branch)
	o.commitLock.RUnlock()
	if err != nil {
		return err
	}
	if !wins {
		log.Debugf("Keeping %s pending since it does not have more work "+
			"than the main chain", branch)
		return nil
	}

	results, err := o.pipeline.validateBranch(branch)
	if err != nil {
		var vErr ValidationError
		if errors.As(err, &vErr) {
			o.pool.markValidated(validHashes(results))
			o.rejectBlock(vErr)
		}
		return err
	}
	o.pool.markValidated(branch.Hashes())

	return o.commit(branch, quit)
}

// validHashes returns the hashes of the blocks the results report as valid.
func validHashes(results []ValidationResult) []chainhash.Hash {
	var hashes []chainhash.Hash
	for i := range results {
		if results[i].Status == StatusValid {
			hashes = append(hashes, results[i].Hash)
		}
	}
	return hashes
}

// branchWinsLocked returns whether or not the branch has strictly more work
// than the portion of the main chain after its fork point.
//
// This function MUST be called with the commit lock held (for reads).
func (o *Organizer) branchWinsLocked(branch *Branch) (bool, error) {
	best := o.store.BestState()
	forkWork, err := o.store.ChainWork(&branch.forkHash)
	if err != nil {
		if errors.Is(err, ErrUnknownBlock) {
			str := fmt.Sprintf("fork point of %s is no longer in the main "+
				"chain", branch)
			return false, contextError(ErrStaleBranch, str)
		}
		return false, storeError("load chain work", err)
	}
	displaced := new(uint256.Uint256).Set(&best.Work).Sub(&forkWork)
	return branch.work.Gt(displaced), nil
}

// rejectsHash returns whether every block with the hash of the block that
// failed validation fails the same way.  Blocks only reach the accept and
// connect stages after the check stage binds their body to the header, while
// check failures only do so when the header alone determines them.  Blocks
// with a timestamp too far in the future may become valid later.
func rejectsHash(vErr ValidationError) bool {
	if vErr.Stage == StageCheck {
		return vErr.HeaderDetermined()
	}
	return !errors.Is(vErr.Err, ErrTimeTooNew)
}

// rejectBlock discards the block that failed validation along with all of its
// pending descendants, and remembers them as invalid when the failure rejects
// the hash of the block.
func (o *Organizer) rejectBlock(vErr ValidationError) {
	hash := &vErr.Hash
	removed := o.pool.InvalidateDescendants(hash)
	o.pool.Remove(hash)
	log.Infof("Rejected block %s: %v", hash, vErr.Err)
	if len(removed) > 0 {
		log.Debugf("Discarded %d pending %s that build on invalid block %s",
			len(removed), pickNoun(len(removed), "block", "blocks"), hash)
	}

	if !rejectsHash(vErr) {
		return
	}
	o.markInvalid(hash)
	for i := range removed {
		o.markInvalid(&removed[i])
	}
}

// markInvalid remembers the block with the given hash as invalid.
func (o *Organizer) markInvalid(hash *chainhash.Hash) {
	o.invalidMtx.Lock()
	o.invalid.Add(hash[:])
	o.invalidMtx.Unlock()
}

// isKnownInvalid returns whether or not the block with the given hash is
// remembered as invalid.
func (o *Organizer) isKnownInvalid(hash *chainhash.Hash) bool {
	o.invalidMtx.Lock()
	invalid := o.invalid.Contains(hash[:])
	o.invalidMtx.Unlock()
	return invalid
}

// commit connects the validated branch to the main chain, disconnecting the
// main chain blocks after the fork point, and notifies subscribers.
func (o *Organizer) commit(branch *Branch, quit <-chan struct{}) error {
	select {
	case <-quit:
		return ErrStopped
	default:
	}

	o.commitLock.Lock()

	// Ensure the branch still builds on the main chain and was not
	// connected by a concurrent commit since it was built.
	firstHash := branch.blocks[0].Hash()
	if !o.store.MainChainHasBlock(&branch.forkHash) ||
		o.store.MainChainHasBlock(firstHash) {

		o.commitLock.Unlock()
		str := fmt.Sprintf("main chain changed while validating %s", branch)
		return contextError(ErrStaleBranch, str)
	}

	// Fork choice is evaluated again since the main chain may have been
	// extended while the branch was validated.
	wins, err := o.branchWinsLocked(branch)
	if err != nil {
		o.commitLock.Unlock()
		return err
	}
	if !wins {
		o.commitLock.Unlock()
		str := fmt.Sprintf("%s no longer has more work than the main chain",
			branch)
		return contextError(ErrStaleBranch, str)
	}

	best := o.store.BestState()
	outgoing, err := o.mainChainBlocks(branch.forkHeight+1, best.Height)
	if err != nil {
		o.commitLock.Unlock()
		return err
	}
	if err := o.store.Commit(outgoing, branch.blocks); err != nil {
		o.commitLock.Unlock()
		log.Criticalf("Unable to commit %s: %v", branch, err)
		sErr := storeError("commit", err)
		o.fail(sErr)
		return sErr
	}

	// Update the pool to reflect the new main chain.  Disconnected blocks
	// are returned to the pool so the chain may reorganize back to them.
	o.pool.RemoveBranch(branch)
	o.pool.addValidated(outgoing)
	o.pool.Prune(branch.Height())

	event := &ReorgEvent{
		ForkHash:   branch.forkHash,
		ForkHeight: branch.forkHeight,
		Incoming:   branch.blocks,
		Outgoing:   outgoing,
	}
	if o.cfg.Reconciler != nil {
		if err := o.cfg.Reconciler.Reconcile(event); err != nil {
			log.Errorf("Unable to reconcile unconfirmed transactions: %v",
				err)
		}
	}

	if event.IsReorg() {
		log.Infof("REORGANIZE: Chain forks at %v (height %v)",
			&branch.forkHash, branch.forkHeight)
		log.Infof("REORGANIZE: Old best chain tip was %v (height %v)",
			&best.Hash, best.Height)
		log.Infof("REORGANIZE: New best chain tip is %v (height %v)",
			branch.Tip().Hash(), branch.Height())
	}
	msgBlocks := make([]*wire.MsgBlock, 0, len(branch.blocks))
	for _, block := range branch.blocks {
		msgBlocks = append(msgBlocks, block.MsgBlock())
	}
	o.progress.LogCommit(msgBlocks, len(outgoing), false)

	// Hand over from the commit lock to the registry lock before notifying
	// so subscribers observe events in commit order while queries may
	// proceed.
	o.registry.mtx.Lock()
	o.commitLock.Unlock()
	o.registry.relayLocked(nil, event)
	o.registry.mtx.Unlock()
	return nil
}

// mainChainBlocks returns the main chain blocks in the provided inclusive
// height range ordered oldest first.
func (o *Organizer) mainChainBlocks(startHeight, endHeight int64) ([]*dcrutil.Block, error) {
	if endHeight < startHeight {
		return nil, nil
	}
	blocks := make([]*dcrutil.Block, 0, endHeight-startHeight+1)
	for height := startHeight; height <= endHeight; height++ {
		block, err := o.store.BlockByHeight(height)
		if err != nil {
			return nil, storeError("load block", err)
		}
		blocks = append(blocks, block)
	}
	return blocks, nil
}

// Subscribe registers the handler to be notified about every change committed
// to the main chain from now on.  The handler is invoked immediately with
// ErrStopped when the organizer is not running.
func (o *Organizer) Subscribe(handler ReorgHandler) {
	o.registry.subscribe(handler)
}

// Unsubscribe relays ErrStopped to every registered handler and removes all of
// them.
func (o *Organizer) Unsubscribe() {
	o.registry.unsubscribe(false)
}

// Filter returns the subset of the provided block hashes that are not pending,
// retained as orphans, or in the main chain.  It is intended to avoid
// requesting blocks that are already known.
func (o *Organizer) Filter(hashes []chainhash.Hash) []chainhash.Hash {
	return o.pool.Filter(hashes)
}

// FilterInventory removes the block inventory vectors of the provided request
// that refer to blocks that are already known.  Other inventory vectors are
// left intact.
func (o *Organizer) FilterInventory(msg *wire.MsgGetData) {
	filtered := msg.InvList[:0]
	for _, iv := range msg.InvList {
		if iv.Type == wire.InvTypeBlock {
			if o.pool.Have(&iv.Hash) || o.store.MainChainHasBlock(&iv.Hash) {
				continue
			}
		}
		filtered = append(filtered, iv)
	}
	for i := len(filtered); i < len(msg.InvList); i++ {
		msg.InvList[i] = nil
	}
	msg.InvList = filtered
}

// OrphansOf returns the retained orphan blocks that build on the block with the
// given hash so they may be resubmitted once it is known.
func (o *Organizer) OrphansOf(hash *chainhash.Hash) []*dcrutil.Block {
	return o.pool.OrphansOf(hash)
}

// BestState returns information about the current main chain tip.  It does not
// wait for a commit in progress, so it is safe to call from a reorg handler.
func (o *Organizer) BestState() *BestState {
	return o.store.BestState()
}

// Pool returns the pending block pool used by the organizer.
func (o *Organizer) Pool() *BlockPool {
	return o.pool
}
