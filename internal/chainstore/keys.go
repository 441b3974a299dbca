// Copyright (c) 2021-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package chainstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/decred/dcrd/chaincfg/chainhash"
	"github.com/decred/dcrd/math/uint256"
	"github.com/decred/dcrd/wire"
	"github.com/decred/dcrorg/internal/blockchain"
)

// currentDatabaseVersion indicates the current chain store database version.
const currentDatabaseVersion = 1

var (
	// byteOrder is the preferred byte order used for serializing numeric fields
	// for storage in the database.
	byteOrder = binary.LittleEndian
)

// -----------------------------------------------------------------------------
// keySet represents a top level key set in the chain store.  All keys in the
// store start with a serialized prefix consisting of the key set and version of
// that key set as follows:
//
//	<key set><version>
//
//	Key        Value    Size      Description
//	key set    uint8    1 byte    The key set identifier, as defined below
//	version    uint8    1 byte    The version of the key set
//
// -----------------------------------------------------------------------------
type keySet uint8

// These constants define the available chain store key sets.
const (
	keySetDbInfo     keySet = iota + 1 // 1
	keySetChainState                   // 2
	keySetBlocks                       // 3
	keySetBlockIndex                   // 4
	keySetMainChain                    // 5
	keySetUtxoSet                      // 6
)

// keySetNoVersion defines the value to be used for the version of key sets
// where versioning does not apply.
const keySetNoVersion = 0

// keySetVersions defines the current version for each chain store key set.
var keySetVersions = map[keySet]uint8{
	keySetDbInfo:     keySetNoVersion,
	keySetChainState: keySetNoVersion,
	keySetBlocks:     1,
	keySetBlockIndex: 1,
	keySetMainChain:  1,
	keySetUtxoSet:    1,
}

var (
	prefixDbInfo     = []byte{byte(keySetDbInfo), keySetVersions[keySetDbInfo]}
	prefixChainState = []byte{byte(keySetChainState),
		keySetVersions[keySetChainState]}
	prefixBlocks     = []byte{byte(keySetBlocks), keySetVersions[keySetBlocks]}
	prefixBlockIndex = []byte{byte(keySetBlockIndex),
		keySetVersions[keySetBlockIndex]}
	prefixMainChain = []byte{byte(keySetMainChain),
		keySetVersions[keySetMainChain]}
	prefixUtxoSet = []byte{byte(keySetUtxoSet), keySetVersions[keySetUtxoSet]}
)

// prefixedKey returns a new byte slice that consists of the provided prefix
// appended with the provided key.
func prefixedKey(prefix []byte, key []byte) []byte {
	lenPrefix := len(prefix)
	prefixedKey := make([]byte, lenPrefix+len(key))
	_ = copy(prefixedKey, prefix)
	_ = copy(prefixedKey[lenPrefix:], key)
	return prefixedKey
}

var (
	dbInfoVersionKey = prefixedKey(prefixDbInfo, []byte("version"))
	dbInfoNetKey     = prefixedKey(prefixDbInfo, []byte("net"))
	dbInfoCreatedKey = prefixedKey(prefixDbInfo, []byte("created"))
	bestStateKey     = prefixedKey(prefixChainState, []byte("beststate"))
)

// blockKey returns the key for the serialized block with the given hash.
func blockKey(hash *chainhash.Hash) []byte {
	return prefixedKey(prefixBlocks, hash[:])
}

// blockIndexKey returns the key for the index entry of the main chain block
// with the given hash.
func blockIndexKey(hash *chainhash.Hash) []byte {
	return prefixedKey(prefixBlockIndex, hash[:])
}

// mainChainKey returns the key for the main chain block at the given height.
// Heights are serialized big endian so iteration is in height order.
func mainChainKey(height int64) []byte {
	var key [4]byte
	binary.BigEndian.PutUint32(key[:], uint32(height))
	return prefixedKey(prefixMainChain, key[:])
}

// outpointKey returns the key for the utxo entry of the given outpoint.
//
//	Field    Type             Size
//	hash     chainhash.Hash   32 bytes
//	tree     int8             1 byte
//	index    uint32           4 bytes
func outpointKey(outpoint wire.OutPoint) []byte {
	var key [chainhash.HashSize + 5]byte
	copy(key[:], outpoint.Hash[:])
	key[chainhash.HashSize] = byte(outpoint.Tree)
	binary.BigEndian.PutUint32(key[chainhash.HashSize+1:], outpoint.Index)
	return prefixedKey(prefixUtxoSet, key[:])
}

// errDeserialize signifies that a problem was encountered when deserializing
// data.
type errDeserialize string

// Error implements the error interface.
func (e errDeserialize) Error() string {
	return string(e)
}

// isDeserializeErr returns whether or not the passed error is an errDeserialize
// error.
func isDeserializeErr(err error) bool {
	var e errDeserialize
	return errors.As(err, &e)
}

// -----------------------------------------------------------------------------
// The database info contains the version of the store, the network it was
// created for, and the time it was created.
//
//	Key       Value     Size
//	version   uint32    4 bytes
//	net       uint32    4 bytes
//	created   uint64    8 bytes (unix seconds)
// -----------------------------------------------------------------------------

// dbInfo houses the database info read from the store.
type dbInfo struct {
	version uint32
	net     wire.CurrencyNet
	created time.Time
}

// serializeUint32 returns the provided value serialized with byteOrder.
func serializeUint32(v uint32) []byte {
	var b [4]byte
	byteOrder.PutUint32(b[:], v)
	return b[:]
}

// serializeUint64 returns the provided value serialized with byteOrder.
func serializeUint64(v uint64) []byte {
	var b [8]byte
	byteOrder.PutUint64(b[:], v)
	return b[:]
}

// -----------------------------------------------------------------------------
// The best chain state consists of the hash and height of the main chain tip,
// the total number of transactions in the main chain, and the cumulative work
// of the main chain.
//
//	Field      Type             Size
//	hash       chainhash.Hash   32 bytes
//	height     uint32           4 bytes
//	numTxns    uint64           8 bytes
//	work       uint256          32 bytes (big endian)
// -----------------------------------------------------------------------------

// bestStateSize is the size of a serialized best chain state.
const bestStateSize = chainhash.HashSize + 4 + 8 + 32

// chainState houses the persisted portion of the best chain state.
type chainState struct {
	hash    chainhash.Hash
	height  int64
	numTxns uint64
	work    uint256.Uint256
}

// serializeChainState returns the serialization of the passed chain state.
func serializeChainState(state *chainState) []byte {
	serialized := make([]byte, bestStateSize)
	copy(serialized, state.hash[:])
	offset := chainhash.HashSize
	byteOrder.PutUint32(serialized[offset:], uint32(state.height))
	offset += 4
	byteOrder.PutUint64(serialized[offset:], state.numTxns)
	offset += 8
	state.work.PutBytes((*[32]byte)(serialized[offset:]))
	return serialized
}

// deserializeChainState deserializes the passed serialized chain state.
func deserializeChainState(serialized []byte) (*chainState, error) {
	if len(serialized) != bestStateSize {
		str := fmt.Sprintf("unexpected best chain state length %d",
			len(serialized))
		return nil, errDeserialize(str)
	}

	var state chainState
	copy(state.hash[:], serialized[:chainhash.HashSize])
	offset := chainhash.HashSize
	state.height = int64(byteOrder.Uint32(serialized[offset:]))
	offset += 4
	state.numTxns = byteOrder.Uint64(serialized[offset:])
	offset += 8
	state.work.SetBytes((*[32]byte)(serialized[offset:]))
	return &state, nil
}

// -----------------------------------------------------------------------------
// A block index entry exists for every main chain block.
//
//	Field      Type      Size
//	height     uint32    4 bytes
//	work       uint256   32 bytes (big endian)
// -----------------------------------------------------------------------------

// blockIndexEntrySize is the size of a serialized block index entry.
const blockIndexEntrySize = 4 + 32

// serializeBlockIndexEntry returns the serialization of a block index entry
// with the given height and cumulative work.
func serializeBlockIndexEntry(height int64, work *uint256.Uint256) []byte {
	serialized := make([]byte, blockIndexEntrySize)
	byteOrder.PutUint32(serialized, uint32(height))
	work.PutBytes((*[32]byte)(serialized[4:]))
	return serialized
}

// deserializeBlockIndexEntry deserializes the passed block index entry.
func deserializeBlockIndexEntry(serialized []byte) (int64, uint256.Uint256, error) {
	var work uint256.Uint256
	if len(serialized) != blockIndexEntrySize {
		str := fmt.Sprintf("unexpected block index entry length %d",
			len(serialized))
		return 0, work, errDeserialize(str)
	}
	height := int64(byteOrder.Uint32(serialized))
	work.SetBytes((*[32]byte)(serialized[4:]))
	return height, work, nil
}

// -----------------------------------------------------------------------------
// A utxo entry exists for every output created by the main chain.  Entries
// spent by the main chain are retained with the height of the spending block.
//
//	Field           Type      Size
//	amount          uint64    8 bytes
//	block height    uint32    4 bytes
//	spent height    uint32    4 bytes
//	flags           uint8     1 byte
//	script version  uint16    2 bytes
//	pkscript        []byte    variable
//
// The flags field only makes use of the low bit which is set when the output
// was created by a coinbase transaction.
// -----------------------------------------------------------------------------

const (
	// utxoEntryHeaderSize is the size of the fixed portion of a serialized
	// utxo entry.
	utxoEntryHeaderSize = 8 + 4 + 4 + 1 + 2

	// utxoFlagCoinBase indicates the output was created by a coinbase.
	utxoFlagCoinBase uint8 = 1 << 0
)

// serializeUtxoEntry returns the serialization of the passed utxo entry.
func serializeUtxoEntry(entry *blockchain.UtxoEntry) []byte {
	serialized := make([]byte, utxoEntryHeaderSize+len(entry.PkScript))
	byteOrder.PutUint64(serialized, uint64(entry.Amount))
	byteOrder.PutUint32(serialized[8:], uint32(entry.BlockHeight))
	byteOrder.PutUint32(serialized[12:], uint32(entry.SpentHeight))
	if entry.IsCoinBase {
		serialized[16] = utxoFlagCoinBase
	}
	byteOrder.PutUint16(serialized[17:], entry.ScriptVersion)
	copy(serialized[utxoEntryHeaderSize:], entry.PkScript)
	return serialized
}

// deserializeUtxoEntry deserializes the passed serialized utxo entry.
func deserializeUtxoEntry(serialized []byte) (*blockchain.UtxoEntry, error) {
	if len(serialized) < utxoEntryHeaderSize {
		str := fmt.Sprintf("unexpected end of data after %d bytes while "+
			"decoding utxo entry", len(serialized))
		return nil, errDeserialize(str)
	}

	pkScript := make([]byte, len(serialized)-utxoEntryHeaderSize)
	copy(pkScript, serialized[utxoEntryHeaderSize:])
	return &blockchain.UtxoEntry{
		Amount:        int64(byteOrder.Uint64(serialized)),
		BlockHeight:   int64(byteOrder.Uint32(serialized[8:])),
		SpentHeight:   int64(byteOrder.Uint32(serialized[12:])),
		IsCoinBase:    serialized[16]&utxoFlagCoinBase != 0,
		ScriptVersion: byteOrder.Uint16(serialized[17:]),
		PkScript:      pkScript,
	}, nil
}
