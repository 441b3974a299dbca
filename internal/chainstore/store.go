// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/decred/dcrd/blockchain/standalone/v2"
	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/chaincfg/v3"
	"github.com/decred/dcrd/container/lru"
	"github.com/decred/dcrd/dcrutil/v4"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

const (
	// dbName is the name of the chain database within the data directory.
	dbName = "chaindb"

	// DefaultBlockCacheSize is the default number of recently accessed main
	// chain blocks kept in memory.
	DefaultBlockCacheSize = 288
)

// Store is a leveldb-backed implementation of blockchain.ChainStore.
type Store struct {
	// These fields are set when the instance is created and are not changed
	// afterward.
	db         *leveldb.DB
	params     *chaincfg.Params
	blockCache *lru.Map[chainhash.Hash, *dcrutil.Block]

	// mtx protects the best chain state and ensures readers never observe
	// a partially applied commit.
	mtx     sync.RWMutex
	state   chainState
	tipTime time.Time
}

// Ensure Store implements the blockchain.ChainStore interface.
var _ blockchain.ChainStore = (*Store)(nil)

// fileExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// Open loads (or creates when needed) the chain database within the provided
// data directory and returns a store backed by it.  A newly created database is
// initialized with the genesis block of the provided network.
func Open(params *chaincfg.Params, dataDir string) (*Store, error) {
	dbPath := filepath.Join(dataDir, dbName)

	// Ensure the full path to the database exists.
	dbExists := fileExists(dbPath)
	if !dbExists {
		// The error can be ignored here since the call to leveldb.OpenFile will
		// fail if the directory couldn't be created.
		_ = os.MkdirAll(dataDir, 0700)
	}

	// Open the database (will create it if needed).
	log.Infof("Loading chain database from '%s'", dbPath)
	opts := opt.Options{
		ErrorIfExist: !dbExists,
		Strict:       opt.DefaultStrict,
		Compression:  opt.NoCompression,
		Filter:       filter.NewBloomFilter(10),
	}
	db, err := leveldb.OpenFile(dbPath, &opts)
	if err != nil {
		return nil, convertLdbErr(err, "failed to open chain database")
	}

	store, err := newStore(db, params, DefaultBlockCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// OpenMemory returns a store backed by an in-memory database that is
// initialized with the genesis block of the provided network.
func OpenMemory(params *chaincfg.Params) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{
		Filter: filter.NewBloomFilter(10),
	})
	if err != nil {
		return nil, convertLdbErr(err, "failed to open in-memory database")
	}
	store, err := newStore(db, params, DefaultBlockCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// newStore returns a store backed by the provided database, creating the
// initial chain state when the database is new.
func newStore(db *leveldb.DB, params *chaincfg.Params, cacheSize uint32) (*Store, error) {
	s := &Store{
		db:         db,
		params:     params,
		blockCache: lru.NewMap[chainhash.Hash, *dcrutil.Block](cacheSize),
	}

	info, err := s.fetchInfo()
	if err != nil {
		return nil, err
	}
	if info == nil {
		if err := s.createNew(); err != nil {
			return nil, err
		}
	} else {
		if info.version > currentDatabaseVersion {
			str := fmt.Sprintf("the current chain database is no longer "+
				"compatible with this version of the software (%d > %d)",
				info.version, currentDatabaseVersion)
			return nil, contextError(ErrVersionTooNew, str)
		}
		if info.net != params.Net {
			str := fmt.Sprintf("the chain database is for network %v "+
				"instead of %v", info.net, params.Net)
			return nil, contextError(ErrWrongNetwork, str)
		}
		log.Debugf("Chain database version %d created %v", info.version,
			info.created)
	}

	if err := s.loadState(); err != nil {
		return nil, err
	}
	log.Infof("Chain state: height %d, hash %v, total transactions %d, "+
		"work %v", s.state.height, s.state.hash, s.state.numTxns,
		s.state.work.String())
	return s, nil
}

// fetchInfo loads the database info.  It returns nil when the database has not
// been initialized.
func (s *Store) fetchInfo() (*dbInfo, error) {
	version, err := s.db.Get(dbInfoVersionKey, nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, convertLdbErr(err, "failed to load database info")
	}
	net, err := s.db.Get(dbInfoNetKey, nil)
	if err != nil {
		return nil, convertLdbErr(err, "failed to load database network")
	}
	created, err := s.db.Get(dbInfoCreatedKey, nil)
	if err != nil {
		return nil, convertLdbErr(err, "failed to load database creation "+
			"time")
	}
	if len(version) != 4 || len(net) != 4 || len(created) != 8 {
		return nil, contextError(ErrBackendCorruption, "malformed database "+
			"info")
	}
	return &dbInfo{
		version: byteOrder.Uint32(version),
		net:     wire.CurrencyNet(byteOrder.Uint32(net)),
		created: time.Unix(int64(byteOrder.Uint64(created)), 0),
	}, nil
}

// createNew initializes a new database with the database info and the genesis
// block of the network as the main chain.
func (s *Store) createNew() error {
	genesis := dcrutil.NewBlock(s.params.GenesisBlock)
	view := newCommitView(s, &chainState{})
	if err := view.connectBlock(genesis, true); err != nil {
		return err
	}

	batch := view.batch
	batch.Put(dbInfoVersionKey, serializeUint32(currentDatabaseVersion))
	batch.Put(dbInfoNetKey, serializeUint32(uint32(s.params.Net)))
	batch.Put(dbInfoCreatedKey, serializeUint64(uint64(time.Now().Unix())))
	view.flush()
	if err := s.db.Write(batch, nil); err != nil {
		return convertLdbErr(err, "failed to initialize chain database")
	}
	log.Infof("Initialized chain database with genesis block %v",
		genesis.Hash())
	return nil
}

// loadState loads the best chain state and the timestamp of the tip.
func (s *Store) loadState() error {
	serialized, err := s.db.Get(bestStateKey, nil)
	if err != nil {
		return convertLdbErr(err, "failed to load best chain state")
	}
	state, err := deserializeChainState(serialized)
	if err != nil {
		return contextError(ErrBackendCorruption, err.Error())
	}
	tip, err := s.fetchBlock(&state.hash)
	if err != nil {
		return err
	}
	if tip == nil {
		str := fmt.Sprintf("best chain tip %v is missing", state.hash)
		return contextError(ErrBackendCorruption, str)
	}

	s.state = *state
	s.tipTime = tip.MsgBlock().Header.Timestamp
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// BestState returns information about the current main chain tip.
//
// This function is safe for concurrent access.
func (s *Store) BestState() *blockchain.BestState {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return &blockchain.BestState{
		Hash:      s.state.hash,
		Height:    s.state.height,
		Work:      s.state.work,
		Timestamp: s.tipTime,
		NumTxns:   s.state.numTxns,
	}
}

// fetchIndexEntry returns the height and cumulative work of the main chain
// block with the given hash along with whether or not it exists.
func (s *Store) fetchIndexEntry(hash *chainhash.Hash) (int64, uint256.Uint256, bool, error) {
	serialized, err := s.db.Get(blockIndexKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return 0, uint256.Uint256{}, false, nil
		}
		return 0, uint256.Uint256{}, false, convertLdbErr(err,
			"failed to load block index entry")
	}
	height, work, err := deserializeBlockIndexEntry(serialized)
	if err != nil {
		str := fmt.Sprintf("corrupt block index entry for %v: %v", hash, err)
		return 0, uint256.Uint256{}, false, contextError(ErrBackendCorruption,
			str)
	}
	return height, work, true, nil
}

// fetchBlock returns the block with the given hash from the cache or the
// database.  It returns nil when the block is not stored.
func (s *Store) fetchBlock(hash *chainhash.Hash) (*dcrutil.Block, error) {
	if block, ok := s.blockCache.Get(*hash); ok {
		return block, nil
	}
	serialized, err := s.db.Get(blockKey(hash), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		return nil, convertLdbErr(err, "failed to load block")
	}
	block, err := dcrutil.NewBlockFromBytes(serialized)
	if err != nil {
		str := fmt.Sprintf("corrupt block %v: %v", hash, err)
		return nil, contextError(ErrBackendCorruption, str)
	}
	s.blockCache.Put(*hash, block)
	return block, nil
}

// unknownBlockError returns an error that identifies the block as not being
// part of the main chain.
func unknownBlockError(hash *chainhash.Hash) error {
	str := fmt.Sprintf("block %s is not in the main chain", hash)
	return blockchain.ContextError{Err: blockchain.ErrUnknownBlock,
		Description: str}
}

// MainChainHasBlock returns whether or not the block with the given hash is in
// the main chain.
//
// This function is safe for concurrent access.
func (s *Store) MainChainHasBlock(hash *chainhash.Hash) bool {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	has, err := s.db.Has(blockIndexKey(hash), nil)
	if err != nil {
		log.Errorf("Failed to query block index for %v: %v", hash, err)
		return false
	}
	return has
}

// BlockByHash returns the main chain block with the given hash.
//
// This function is safe for concurrent access.
func (s *Store) BlockByHash(hash *chainhash.Hash) (*dcrutil.Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.blockByHashLocked(hash)
}

// blockByHashLocked returns the main chain block with the given hash.
//
// This function MUST be called with the store lock held (for reads).
func (s *Store) blockByHashLocked(hash *chainhash.Hash) (*dcrutil.Block, error) {
	_, _, ok, err := s.fetchIndexEntry(hash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, unknownBlockError(hash)
	}
	block, err := s.fetchBlock(hash)
	if err != nil {
		return nil, err
	}
	if block == nil {
		str := fmt.Sprintf("main chain block %v is missing", hash)
		return nil, contextError(ErrBackendCorruption, str)
	}
	return block, nil
}

// BlockByHeight returns the main chain block at the given height.
//
// This function is safe for concurrent access.
func (s *Store) BlockByHeight(height int64) (*dcrutil.Block, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	if height < 0 || height > s.state.height {
		str := fmt.Sprintf("no main chain block at height %d (tip height "+
			"%d)", height, s.state.height)
		return nil, blockchain.ContextError{Err: blockchain.ErrUnknownBlock,
			Description: str}
	}
	serialized, err := s.db.Get(mainChainKey(height), nil)
	if err != nil {
		return nil, convertLdbErr(err, "failed to load main chain hash")
	}
	var hash chainhash.Hash
	if err := hash.SetBytes(serialized); err != nil {
		str := fmt.Sprintf("corrupt main chain hash at height %d: %v",
			height, err)
		return nil, contextError(ErrBackendCorruption, str)
	}
	return s.blockByHashLocked(&hash)
}

// ChainWork returns the cumulative work of the main chain up to and including
// the block with the given hash.
//
// This function is safe for concurrent access.
func (s *Store) ChainWork(hash *chainhash.Hash) (uint256.Uint256, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	_, work, ok, err := s.fetchIndexEntry(hash)
	if err != nil {
		return uint256.Uint256{}, err
	}
	if !ok {
		return uint256.Uint256{}, unknownBlockError(hash)
	}
	return work, nil
}

// dbFetchUtxoEntry fetches the specified transaction output from the database.
//
// When there is no entry for the provided output, nil will be returned for both
// the entry and the error.
func (s *Store) dbFetchUtxoEntry(outpoint wire.OutPoint) (*blockchain.UtxoEntry, error) {
	serialized, err := s.db.Get(outpointKey(outpoint), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, nil
		}
		str := fmt.Sprintf("failed to get utxo entry %v", outpoint)
		return nil, convertLdbErr(err, str)
	}
	entry, err := deserializeUtxoEntry(serialized)
	if err != nil {
		// Ensure any deserialization errors are returned as corruption
		// errors.
		if isDeserializeErr(err) {
			str := fmt.Sprintf("corrupt utxo entry for %v: %v", outpoint, err)
			return nil, contextError(ErrBackendCorruption, str)
		}
		return nil, err
	}
	return entry, nil
}

// FetchUtxoEntry returns the entry for the given outpoint.  It returns nil when
// the output has never been created by the main chain.
//
// This function is safe for concurrent access.
func (s *Store) FetchUtxoEntry(outpoint wire.OutPoint) (*blockchain.UtxoEntry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.dbFetchUtxoEntry(outpoint)
}

// Commit atomically disconnects the outgoing blocks from the tip of the main
// chain and connects the incoming blocks.  Both slices are ordered oldest
// first.
//
// This function is safe for concurrent access.
func (s *Store) Commit(outgoing, incoming []*dcrutil.Block) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	state := s.state
	view := newCommitView(s, &state)
	for i := len(outgoing) - 1; i >= 0; i-- {
		if err := view.disconnectBlock(outgoing[i]); err != nil {
			return err
		}
	}
	for _, block := range incoming {
		if err := view.connectBlock(block, false); err != nil {
			return err
		}
	}
	view.flush()
	if err := s.db.Write(view.batch, nil); err != nil {
		return convertLdbErr(err, "failed to write commit")
	}

	for _, block := range outgoing {
		s.blockCache.Delete(*block.Hash())
	}
	tip := s.tipTime
	if len(incoming) > 0 {
		for _, block := range incoming {
			s.blockCache.Put(*block.Hash(), block)
		}
		tip = incoming[len(incoming)-1].MsgBlock().Header.Timestamp
	} else if len(outgoing) > 0 {
		parent, err := s.fetchBlock(&state.hash)
		if err != nil {
			return err
		}
		if parent != nil {
			tip = parent.MsgBlock().Header.Timestamp
		}
	}
	s.state = state
	s.tipTime = tip
	log.Debugf("Committed %d incoming and %d outgoing blocks (height %d, "+
		"hash %v)", len(incoming), len(outgoing), state.height, state.hash)
	return nil
}

// commitView accumulates the changes of a commit in a leveldb batch along with
// the utxo entries it modifies so later blocks of the same commit observe the
// changes of earlier ones.
type commitView struct {
	s     *Store
	batch *leveldb.Batch
	state *chainState

	// utxos houses the modified entries.  A nil entry marks an output that
	// is removed.
	utxos map[wire.OutPoint]*blockchain.UtxoEntry
}

// newCommitView returns an empty view that updates the provided state.
func newCommitView(s *Store, state *chainState) *commitView {
	return &commitView{
		s:     s,
		batch: new(leveldb.Batch),
		state: state,
		utxos: make(map[wire.OutPoint]*blockchain.UtxoEntry),
	}
}

// fetchEntry returns the entry for the outpoint as modified by the view so far.
func (v *commitView) fetchEntry(outpoint wire.OutPoint) (*blockchain.UtxoEntry, error) {
	if entry, ok := v.utxos[outpoint]; ok {
		return entry, nil
	}
	entry, err := v.s.dbFetchUtxoEntry(outpoint)
	if err != nil {
		return nil, err
	}
	if entry != nil {
		v.utxos[outpoint] = entry
	}
	return entry, nil
}

// isCoinBase returns whether the transaction at the given index of a block is
// its coinbase.
func isCoinBase(txIdx int, tx *wire.MsgTx) bool {
	return txIdx == 0 && standalone.IsCoinBaseTx(tx, false)
}

// connectBlock connects the block to the tip of the view.  The genesis flag
// must only be set for the first block of a new database.
func (v *commitView) connectBlock(block *dcrutil.Block, genesis bool) error {
	hash := block.Hash()
	header := &block.MsgBlock().Header
	height := v.state.height + 1
	if genesis {
		height = 0
	} else if header.PrevBlock != v.state.hash {
		str := fmt.Sprintf("block %v does not extend the main chain tip %v",
			hash, v.state.hash)
		return contextError(ErrBadCommit, str)
	}

	for txIdx, tx := range block.Transactions() {
		msgTx := tx.MsgTx()
		if !isCoinBase(txIdx, msgTx) {
			for _, txIn := range msgTx.TxIn {
				outpoint := txIn.PreviousOutPoint
				entry, err := v.fetchEntry(outpoint)
				if err != nil {
					return err
				}
				if entry == nil || entry.IsSpent() {
					str := fmt.Sprintf("block %v spends unavailable output "+
						"%v", hash, outpoint)
					return contextError(ErrMissingTxOut, str)
				}
				entry.SpentHeight = height
			}
		}
		for txOutIdx, txOut := range msgTx.TxOut {
			outpoint := wire.OutPoint{Hash: *tx.Hash(),
				Index: uint32(txOutIdx), Tree: wire.TxTreeRegular}
			v.utxos[outpoint] = &blockchain.UtxoEntry{
				Amount:        txOut.Value,
				PkScript:      txOut.PkScript,
				ScriptVersion: txOut.Version,
				BlockHeight:   height,
				IsCoinBase:    txIdx == 0,
			}
		}
	}

	serialized, err := block.Bytes()
	if err != nil {
		return err
	}
	blockWork := blockchain.CalcWork(header.Bits)
	work := v.state.work
	work.Add(&blockWork)
	v.batch.Put(blockKey(hash), serialized)
	v.batch.Put(blockIndexKey(hash), serializeBlockIndexEntry(height, &work))
	v.batch.Put(mainChainKey(height), hash[:])

	v.state.hash = *hash
	v.state.height = height
	v.state.work = work
	v.state.numTxns += uint64(len(block.Transactions()))
	return nil
}

// disconnectBlock disconnects the block, which must be the tip of the view.
func (v *commitView) disconnectBlock(block *dcrutil.Block) error {
	hash := block.Hash()
	if *hash != v.state.hash {
		str := fmt.Sprintf("block %v is not the main chain tip %v", hash,
			v.state.hash)
		return contextError(ErrBadCommit, str)
	}
	if v.state.height == 0 {
		return contextError(ErrBadCommit, "the genesis block may not be "+
			"disconnected")
	}

	txns := block.Transactions()
	for txIdx := len(txns) - 1; txIdx >= 0; txIdx-- {
		tx := txns[txIdx]
		msgTx := tx.MsgTx()
		for txOutIdx := range msgTx.TxOut {
			outpoint := wire.OutPoint{Hash: *tx.Hash(),
				Index: uint32(txOutIdx), Tree: wire.TxTreeRegular}
			v.utxos[outpoint] = nil
		}
		if isCoinBase(txIdx, msgTx) {
			continue
		}
		for _, txIn := range msgTx.TxIn {
			outpoint := txIn.PreviousOutPoint
			entry, err := v.fetchEntry(outpoint)
			if err != nil {
				return err
			}
			if entry == nil {
				str := fmt.Sprintf("missing utxo entry %v spent by "+
					"disconnected block %v", outpoint, hash)
				return contextError(ErrBackendCorruption, str)
			}
			entry.SpentHeight = 0
		}
	}

	v.batch.Delete(blockKey(hash))
	v.batch.Delete(blockIndexKey(hash))
	v.batch.Delete(mainChainKey(v.state.height))

	blockWork := blockchain.CalcWork(block.MsgBlock().Header.Bits)
	v.state.work.Sub(&blockWork)
	v.state.hash = block.MsgBlock().Header.PrevBlock
	v.state.height--
	v.state.numTxns -= uint64(len(txns))
	return nil
}

// flush adds the modified utxo entries and the best chain state to the batch.
func (v *commitView) flush() {
	for outpoint, entry := range v.utxos {
		key := outpointKey(outpoint)
		if entry == nil {
			v.batch.Delete(key)
			continue
		}
		v.batch.Put(key, serializeUtxoEntry(entry))
	}
	v.batch.Put(bestStateKey, serializeChainState(v.state))
}
