// Package assembly reconstructs chunked image transfers.
//
// An Assembly tracks one in-flight transfer: which chunk indices have
// arrived, the bytes of each, and the retransmission bookkeeping used by the
// reconciler. Chunks may arrive in any order, more than once, or before the
// announcement that declares the transfer. The assembled output is always the
// concatenation of chunks in index order, so arrival order and duplicates are
// invisible to the caller.
//
// Every exported method takes the Assembly's own lock. Callers never hold it
// across I/O: BeginFinalize and ClaimRetransmit return copies of what the
// caller needs.
package assembly

import (
	"errors"
	"sync"
	"time"

	"github.com/kabili207/camgate/core/transfer"
)

var (
	// ErrIncomplete is returned by Assemble when any chunk is missing.
	ErrIncomplete = errors.New("assembly is incomplete")
	// ErrNotFinalizable is returned by BeginFinalize when the assembly is not
	// in the Complete state.
	ErrNotFinalizable = errors.New("assembly is not ready to finalize")
)

// DefaultMaxChunks bounds the chunk count of one transfer when no limit is
// configured.
const DefaultMaxChunks = 4096

// State is the lifecycle state of an Assembly.
type State int

const (
	StateCollecting State = iota
	StateComplete
	StateFinalizing
	StateStored
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateComplete:
		return "complete"
	case StateFinalizing:
		return "finalizing"
	case StateStored:
		return "stored"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Params are the declared shape of a transfer.
type Params struct {
	TotalChunks   int
	ChunkSize     int
	DeclaredBytes int64

	// Fingerprint identifies the announcement that declared the transfer.
	// It is carried into Sealed so a redelivered announcement can be told
	// apart from a reused name.
	Fingerprint uint64

	// DeviceError is the device-reported error code, zero if none. A
	// non-zero code rejects the assembly under the same lock that applies
	// the shape.
	DeviceError int
	Reason      string
}

// Handle refers to the external records an Assembly corresponds to.
type Handle struct {
	DeviceRecord  string
	CaptureRecord string
}

// Sealed is an immutable copy of a complete Assembly, handed to the
// finalizer.
type Sealed struct {
	Key           transfer.Key
	Handle        Handle
	Data          []byte
	DeclaredBytes int64
	TotalChunks   int
	Fingerprint   uint64
	CreatedAt     time.Time
}

// Assembly is the reassembly state of one transfer.
type Assembly struct {
	mu sync.Mutex

	key       transfer.Key
	createdAt time.Time
	handle    Handle

	limit       int
	total       int
	chunkSize   int
	declared    int64
	fingerprint uint64
	announced   bool
	empty       bool // announced with zero chunks

	received bitset
	count    int
	buffer   map[int][]byte

	lastRetransmit time.Time
	retransmits    int

	rejected     bool
	rejectCode   int
	rejectReason string

	terminal State // set once finalization starts; zero while collecting
}

// New creates an empty Assembly for key with DefaultMaxChunks as its chunk
// limit. The transfer shape is unknown until ApplyAnnouncement or InferTotal
// is called.
func New(key transfer.Key, createdAt time.Time) *Assembly {
	return newWithLimit(key, createdAt, DefaultMaxChunks)
}

func newWithLimit(key transfer.Key, createdAt time.Time, limit int) *Assembly {
	if limit <= 0 {
		limit = DefaultMaxChunks
	}
	return &Assembly{
		key:       key,
		createdAt: createdAt,
		limit:     limit,
		buffer:    make(map[int][]byte),
	}
}

// Key returns the transfer key.
func (a *Assembly) Key() transfer.Key {
	return a.key
}

// CreatedAt returns the creation time used for deadline computation.
func (a *Assembly) CreatedAt() time.Time {
	return a.createdAt
}

// ApplyAnnouncement sets or refreshes the declared parameters. The first
// announcement is authoritative for the chunk count: the bitmap is resized
// and any chunks that fall outside the declared range are dropped. Later
// announcements only refresh the declared byte length and chunk size; they
// never reset received chunks. A device error in p rejects the assembly
// whether or not it is the first announcement. The chunk count is clamped to
// the assembly's limit. Returns true for the first announcement.
func (a *Assembly) ApplyAnnouncement(p Params) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p.DeviceError != 0 {
		a.reject(p.DeviceError, p.Reason)
	}
	if p.ChunkSize > 0 {
		a.chunkSize = p.ChunkSize
	}
	a.declared = p.DeclaredBytes

	if a.announced {
		return false
	}
	a.announced = true
	a.fingerprint = p.Fingerprint
	a.empty = p.TotalChunks <= 0
	a.resize(min(max(p.TotalChunks, 0), a.limit))
	return true
}

// InferTotal grows the chunk count to at least n while no announcement has
// been seen. It is used when chunks arrive before their announcement. n is
// clamped to the assembly's limit.
func (a *Assembly) InferTotal(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n = min(n, a.limit)
	if a.announced || n <= a.total {
		return
	}
	a.resize(n)
}

// Limit returns the largest chunk count the assembly accepts.
func (a *Assembly) Limit() int {
	return a.limit
}

// resize sets total to n, keeping received chunks that are still in range.
// Callers must hold mu.
func (a *Assembly) resize(n int) {
	a.received = a.received.resize(n)
	a.total = n

	a.count = 0
	for i := range a.buffer {
		if i >= n {
			delete(a.buffer, i)
			continue
		}
		a.count++
	}
}

// ApplyChunk stores the bytes for index. It is a no-op when index is out of
// range or already received; the first write wins. Returns true if the chunk
// was stored.
func (a *Assembly) ApplyChunk(index int, data []byte) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if index < 0 || index >= a.total || a.received.has(index) {
		return false
	}
	a.received.set(index)
	a.buffer[index] = append([]byte(nil), data...)
	a.count++
	return true
}

// IsComplete reports whether every chunk has been received. A transfer
// announced with zero chunks is complete; an unannounced empty one is not.
func (a *Assembly) IsComplete() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.complete()
}

func (a *Assembly) complete() bool {
	if a.total == 0 {
		return a.empty
	}
	return a.count == a.total
}

// Missing returns the ascending list of indices not yet received.
func (a *Assembly) Missing() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.missing()
}

func (a *Assembly) missing() []int {
	out := make([]int, 0, a.total-a.count)
	for i := range a.total {
		if !a.received.has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Assemble concatenates the chunks in index order.
func (a *Assembly) Assemble() ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.assemble()
}

func (a *Assembly) assemble() ([]byte, error) {
	if !a.complete() {
		return nil, ErrIncomplete
	}
	size := 0
	for i := range a.total {
		size += len(a.buffer[i])
	}
	out := make([]byte, 0, size)
	for i := range a.total {
		out = append(out, a.buffer[i]...)
	}
	return out, nil
}

// IsExpired reports whether timeout has elapsed since creation.
func (a *Assembly) IsExpired(now time.Time, timeout time.Duration) bool {
	return now.Sub(a.createdAt) >= timeout
}

// ClaimRetransmit decides whether a negative acknowledgement is due. It
// returns the missing indices and true when at least delay has passed since
// the previous request, fewer than max requests have been issued, and chunks
// are missing. A successful claim stamps the request time and increments the
// counter.
func (a *Assembly) ClaimRetransmit(now time.Time, delay time.Duration, maxRequests int) ([]int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rejected || a.terminal != StateCollecting {
		return nil, false
	}
	if a.retransmits >= maxRequests {
		return nil, false
	}
	if !a.lastRetransmit.IsZero() && now.Sub(a.lastRetransmit) < delay {
		return nil, false
	}
	missing := a.missing()
	if len(missing) == 0 {
		return nil, false
	}
	a.lastRetransmit = now
	a.retransmits++
	return missing, true
}

// Retransmits returns how many negative acknowledgements have been issued.
func (a *Assembly) Retransmits() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.retransmits
}

// BeginFinalize moves a complete Assembly to Finalizing and returns a copy
// of its contents.
func (a *Assembly) BeginFinalize() (Sealed, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminal != StateCollecting || a.rejected {
		return Sealed{}, ErrNotFinalizable
	}
	data, err := a.assemble()
	if err != nil {
		return Sealed{}, err
	}
	a.terminal = StateFinalizing
	return Sealed{
		Key:           a.key,
		Handle:        a.handle,
		Data:          data,
		DeclaredBytes: a.declared,
		TotalChunks:   a.total,
		Fingerprint:   a.fingerprint,
		CreatedAt:     a.createdAt,
	}, nil
}

// MarkStored records a successful finalization.
func (a *Assembly) MarkStored() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminal = StateStored
}

// MarkFailed records a terminal failure (timeout or finalization error).
func (a *Assembly) MarkFailed() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.terminal = StateFailed
}

// State returns the current lifecycle state.
func (a *Assembly) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.terminal != StateCollecting {
		return a.terminal
	}
	if a.complete() {
		return StateComplete
	}
	return StateCollecting
}

// Reject marks the transfer as failed on the device side. The Assembly keeps
// absorbing chunks so late arrivals are tolerated, but it will never be
// finalized or asked for retransmission.
func (a *Assembly) Reject(code int, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reject(code, reason)
}

func (a *Assembly) reject(code int, reason string) {
	a.rejected = true
	a.rejectCode = code
	a.rejectReason = reason
}

// Rejected reports whether the device reported an error for this transfer,
// along with the code and decoded reason.
func (a *Assembly) Rejected() (bool, int, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rejected, a.rejectCode, a.rejectReason
}

// SetHandle records the external records for this transfer.
func (a *Assembly) SetHandle(h Handle) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handle = h
}

// Handle returns the external records for this transfer.
func (a *Assembly) Handle() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handle
}

// Progress is a point-in-time summary used for logging.
type Progress struct {
	Received      int
	Total         int
	ChunkSize     int
	DeclaredBytes int64
	Announced     bool
}

// Progress returns a summary of the assembly.
func (a *Assembly) Progress() Progress {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Progress{
		Received:      a.count,
		Total:         a.total,
		ChunkSize:     a.chunkSize,
		DeclaredBytes: a.declared,
		Announced:     a.announced,
	}
}
