// Package audit records pipeline stage transitions as a tamper-evident
// log. Entries carry hashes and reason codes only; the data a stage
// processed never enters the log. Each session forms its own hash
// chain, so a compliance reviewer can verify one session's trail
// without access to any other.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Anonymity check outcomes recorded per stage.
const (
	CheckPassed  = "passed"
	CheckFailed  = "failed"
	CheckSkipped = "skipped"
)

// Entry is a single line in the audit trail.
type Entry struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	Seq            int       `json:"seq"`
	Stage          string    `json:"stage"`
	Timestamp      time.Time `json:"timestamp"`
	InputHash      string    `json:"input_hash,omitempty"`
	OutputHash     string    `json:"output_hash,omitempty"`
	AnonymityCheck string    `json:"anonymity_check,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	PrevHash       string    `json:"prev_hash"`
	EntryHash      string    `json:"entry_hash"`
}

// HashBytes returns the hex sha256 of b. Stages hash their inputs and
// outputs with it so the trail can prove what was processed without
// storing it.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// entryHash computes the hash of everything in e except EntryHash
// itself. PrevHash is included, which is what links the chain. The
// timestamp is normalized to UTC so an entry read back from a sink
// that returns another location still verifies.
func entryHash(e Entry) string {
	e.EntryHash = ""
	e.Timestamp = e.Timestamp.UTC()
	data, _ := json.Marshal(e)
	return HashBytes(data)
}

// Sink persists audit entries. Implementations must support concurrent
// appends from independent sessions.
type Sink interface {
	Append(ctx context.Context, e Entry) error
	BySession(ctx context.Context, sessionID string) ([]Entry, error)
	Close() error
}

type tail struct {
	seq  int
	hash string
}

// Log assigns each entry its place in the session's hash chain before
// handing it to the sink.
type Log struct {
	sink Sink

	mu    sync.Mutex
	tails map[string]tail
}

// NewLog creates a Log writing to sink.
func NewLog(sink Sink) *Log {
	return &Log{
		sink:  sink,
		tails: make(map[string]tail),
	}
}

// Append fills in ID, Seq, Timestamp and the chain hashes, then
// persists the entry. The returned Entry is the persisted form.
func (l *Log) Append(ctx context.Context, e Entry) (Entry, error) {
	if e.SessionID == "" {
		return Entry{}, fmt.Errorf("audit entry missing session id")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	t := l.tails[e.SessionID]
	e.ID = uuid.New().String()
	e.Seq = t.seq + 1
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	// Microsecond precision survives every sink, including Postgres.
	e.Timestamp = e.Timestamp.UTC().Truncate(time.Microsecond)
	e.PrevHash = t.hash
	e.EntryHash = entryHash(e)

	if err := l.sink.Append(ctx, e); err != nil {
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	l.tails[e.SessionID] = tail{seq: e.Seq, hash: e.EntryHash}
	return e, nil
}

// Trail returns one session's entries in chain order.
func (l *Log) Trail(ctx context.Context, sessionID string) ([]Entry, error) {
	return l.sink.BySession(ctx, sessionID)
}

// Verify checks one session's chain: contiguous sequence numbers, each
// entry hashing to its recorded EntryHash, and each PrevHash matching
// the predecessor. Entries must be in chain order.
func Verify(entries []Entry) error {
	prevHash := ""
	for i, e := range entries {
		if e.Seq != i+1 {
			return fmt.Errorf("audit chain: expected seq %d, got %d", i+1, e.Seq)
		}
		if e.PrevHash != prevHash {
			return fmt.Errorf("audit chain: broken link at seq %d (stage %s)", e.Seq, e.Stage)
		}
		if entryHash(e) != e.EntryHash {
			return fmt.Errorf("audit chain: hash mismatch at seq %d (stage %s)", e.Seq, e.Stage)
		}
		prevHash = e.EntryHash
	}
	return nil
}
