// Package dedupe remembers recently finalized transfers.
//
// Devices publish with at-least-once delivery, so duplicate chunks can arrive
// after an image has already been stored. Without a memory of finished
// transfers those chunks would open a fresh, never-completing assembly. The
// filter keeps a fixed-size circular table of 8-byte truncated SHA256 hashes
// of transfer keys; the oldest entry is overwritten once the table is full.
//
// Each entry also carries the fingerprint of the announcement that declared
// the stored transfer, so a redelivered announcement can be recognized
// without touching the metadata store.
package dedupe

import (
	"crypto/sha256"
	"encoding/binary"
	"strconv"
	"sync"

	"github.com/kabili207/camgate/core/transfer"
)

const (
	// DefaultCapacity is the default number of remembered transfers.
	DefaultCapacity = 256
	// KeyHashSize is the truncated SHA256 hash size for a transfer key.
	KeyHashSize = 8
)

// Filter tracks recently completed transfer keys. It is safe for concurrent
// use.
type Filter struct {
	mu     sync.Mutex
	hashes []byte // circular buffer of KeyHashSize-byte hashes
	prints []uint64
	used   []bool
	max    int
	next   int
}

// New creates a Filter with the default capacity.
func New() *Filter {
	return NewWithCapacity(DefaultCapacity)
}

// NewWithCapacity creates a Filter remembering up to n keys. n <= 0 selects
// DefaultCapacity.
func NewWithCapacity(n int) *Filter {
	if n <= 0 {
		n = DefaultCapacity
	}
	return &Filter{
		hashes: make([]byte, n*KeyHashSize),
		prints: make([]uint64, n),
		used:   make([]bool, n),
		max:    n,
	}
}

// Add records key as completed with no announcement fingerprint.
func (f *Filter) Add(key transfer.Key) {
	f.Remember(key, 0)
}

// Remember records key as completed along with the fingerprint of its
// announcement. Remembering a key already present only updates the
// fingerprint.
func (f *Filter) Remember(key transfer.Key, fingerprint uint64) {
	hash := HashKey(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	if i := f.indexOf(hash); i >= 0 {
		f.prints[i] = fingerprint
		return
	}
	offset := f.next * KeyHashSize
	copy(f.hashes[offset:offset+KeyHashSize], hash[:])
	f.prints[f.next] = fingerprint
	f.used[f.next] = true
	f.next = (f.next + 1) % f.max
}

// Fingerprint returns the announcement fingerprint remembered for key and
// whether key is present. A zero fingerprint means the transfer was stored
// without an announcement.
func (f *Filter) Fingerprint(key transfer.Key) (uint64, bool) {
	hash := HashKey(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.indexOf(hash)
	if i < 0 {
		return 0, false
	}
	return f.prints[i], true
}

// Contains reports whether key was recently completed.
func (f *Filter) Contains(key transfer.Key) bool {
	hash := HashKey(key)

	f.mu.Lock()
	defer f.mu.Unlock()
	return f.indexOf(hash) >= 0
}

// Forget drops key from the table, e.g. when a device reuses an image name
// for a new capture. Returns true if the key was present.
func (f *Filter) Forget(key transfer.Key) bool {
	hash := HashKey(key)

	f.mu.Lock()
	defer f.mu.Unlock()

	i := f.indexOf(hash)
	if i < 0 {
		return false
	}
	f.used[i] = false
	f.prints[i] = 0
	clear(f.hashes[i*KeyHashSize : (i+1)*KeyHashSize])
	return true
}

// Clear forgets every key.
func (f *Filter) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	clear(f.hashes)
	clear(f.prints)
	clear(f.used)
	f.next = 0
}

func (f *Filter) indexOf(hash [KeyHashSize]byte) int {
	for i := range f.max {
		if !f.used[i] {
			continue
		}
		offset := i * KeyHashSize
		if [KeyHashSize]byte(f.hashes[offset:offset+KeyHashSize]) == hash {
			return i
		}
	}
	return -1
}

// HashKey computes the 8-byte table hash for a transfer key:
// SHA256(device, 0x00, name) truncated to 8 bytes.
func HashKey(key transfer.Key) [KeyHashSize]byte {
	h := sha256.New()
	h.Write([]byte(key.Device))
	h.Write([]byte{0})
	h.Write([]byte(key.Name))
	sum := h.Sum(nil)
	var result [KeyHashSize]byte
	copy(result[:], sum[:KeyHashSize])
	return result
}

// AnnouncementFingerprint summarizes the fields a device repeats verbatim
// when it redelivers an announcement: SHA256 of the chunk count, declared
// size and raw capture timestamp, truncated to 8 bytes. The result is never
// zero.
func AnnouncementFingerprint(totalChunks int, declaredBytes int64, capturedAt string) uint64 {
	h := sha256.New()
	h.Write([]byte(strconv.Itoa(totalChunks)))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(declaredBytes, 10)))
	h.Write([]byte{0})
	h.Write([]byte(capturedAt))
	fp := binary.BigEndian.Uint64(h.Sum(nil)[:8])
	if fp == 0 {
		fp = 1
	}
	return fp
}
