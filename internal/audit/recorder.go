// Package audit keeps an ordered, hash-chained record of every decision and
// alert transition.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/procoderhappy/ai-risk-management/internal/domain"
)

// DefaultQueueSize is the capacity of the record queue.
const DefaultQueueSize = 1024

// ErrChainBroken is returned by Verify when an entry does not link to its predecessor.
var ErrChainBroken = errors.New("audit hash chain broken")

type request struct {
	entry domain.AuditEntry
	flush chan struct{}
}

// Recorder sequences entries through a single writer goroutine. Entries are
// visible to Query once written; readers always see a prefix of the log.
type Recorder struct {
	queue  chan request
	sink   domain.AuditSink
	logger *slog.Logger
	now    func() time.Time

	// owned by the writer goroutine
	seq      int64
	lastHash string

	headSeq  int64
	headHash string

	mu  sync.RWMutex
	log []domain.AuditEntry

	closeMu   sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithSink forwards every written entry to s.
func WithSink(s domain.AuditSink) Option {
	return func(r *Recorder) { r.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// WithClock sets the clock used for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// WithQueueSize sets the record queue capacity.
func WithQueueSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan request, n)
		}
	}
}

// WithChainHead continues an existing chain whose last entry had sequence seq and hash.
func WithChainHead(seq int64, hash string) Option {
	return func(r *Recorder) {
		r.headSeq = seq
		r.headHash = hash
	}
}

// NewRecorder creates a recorder and starts its writer.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		logger: slog.Default(),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.queue == nil {
		r.queue = make(chan request, DefaultQueueSize)
	}
	r.seq = r.headSeq
	r.lastHash = r.headHash

	go r.run()
	return r
}

// Record enqueues an entry. ID, Sequence, Timestamp and hashes are assigned by
// the writer. An entry is always accepted while the queue has room; ctx only
// bounds the wait once the queue is full.
func (r *Recorder) Record(ctx context.Context, entry domain.AuditEntry) error {
	r.closeMu.RLock()
	defer r.closeMu.RUnlock()
	if r.closed {
		return domain.ErrRecorderClosed
	}
	entry.Before = copyMap(entry.Before)
	entry.After = copyMap(entry.After)
	req := request{entry: entry}

	select {
	case r.queue <- req:
		return nil
	default:
	}
	select {
	case r.queue <- req:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush waits until every entry recorded before the call has been written.
func (r *Recorder) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	r.closeMu.RLock()
	if r.closed {
		r.closeMu.RUnlock()
		select {
		case <-r.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case r.queue <- request{flush: ack}:
		r.closeMu.RUnlock()
	case <-ctx.Done():
		r.closeMu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() {
		r.closeMu.Lock()
		r.closed = true
		close(r.queue)
		r.closeMu.Unlock()
	})
	<-r.done
	return nil
}

func (r *Recorder) run() {
	defer close(r.done)
	for req := range r.queue {
		if req.flush != nil {
			close(req.flush)
			continue
		}
		r.write(req.entry)
	}
}

func (r *Recorder) write(e domain.AuditEntry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	r.seq++
	e.Sequence = r.seq
	e.Timestamp = r.now().UTC().Truncate(time.Microsecond)
	e.PrevHash = r.lastHash
	e.Hash = Hash(&e)
	r.lastHash = e.Hash

	r.mu.Lock()
	r.log = append(r.log, e)
	r.mu.Unlock()

	if r.sink != nil {
		c := clone(e)
		if err := r.sink.AppendAudit(context.Background(), &c); err != nil {
			r.logger.Error("failed to persist audit entry",
				"sequence", e.Sequence,
				"action", e.Action,
				"error", err,
			)
		}
	}
}

// Query returns copies of the entries matching filter in sequence order.
func (r *Recorder) Query(filter domain.AuditFilter) []domain.AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for i := range r.log {
		if filter.Matches(&r.log[i]) {
			out = append(out, clone(r.log[i]))
		}
	}
	return out
}

// Len returns the number of written entries.
func (r *Recorder) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.log)
}

// Verify re-computes the hash chain over the written entries.
func (r *Recorder) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return VerifyChain(r.log, r.headSeq, r.headHash)
}

// VerifyChain checks that entries form a contiguous chain continuing from
// (headSeq, headHash).
func VerifyChain(entries []domain.AuditEntry, headSeq int64, headHash string) error {
	prev, seq := headHash, headSeq
	for i := range entries {
		e := &entries[i]
		seq++
		if e.Sequence != seq {
			return fmt.Errorf("%w: sequence %d, want %d", ErrChainBroken, e.Sequence, seq)
		}
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d does not link to its predecessor", ErrChainBroken, e.Sequence)
		}
		if h := Hash(e); h != e.Hash {
			return fmt.Errorf("%w: entry %d has been modified", ErrChainBroken, e.Sequence)
		}
		prev = e.Hash
	}
	return nil
}

// hashed is the content covered by an entry's hash.
type hashed struct {
	ID         string            `json:"id"`
	Sequence   int64             `json:"sequence"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	SubjectID  string            `json:"subject_id"`
	DecisionID string            `json:"decision_id"`
	Before     map[string]string `json:"before"`
	After      map[string]string `json:"after"`
	Timestamp  string            `json:"timestamp"`
	PrevHash   string            `json:"prev_hash"`
}

// Hash returns the hex SHA-256 of the entry content and its predecessor hash.
func Hash(e *domain.AuditEntry) string {
	// json.Marshal sorts map keys, so the encoding is canonical.
	b, _ := json.Marshal(hashed{
		ID:         e.ID,
		Sequence:   e.Sequence,
		Actor:      e.Actor,
		Action:     e.Action,
		SubjectID:  e.SubjectID,
		DecisionID: e.DecisionID,
		Before:     e.Before,
		After:      e.After,
		Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
		PrevHash:   e.PrevHash,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func clone(e domain.AuditEntry) domain.AuditEntry {
	e.Before = copyMap(e.Before)
	e.After = copyMap(e.After)
	return e
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
