package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// LogEntry is one link of the audit chain.
type LogEntry struct {
	Seq          uint64 `json:"seq"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// Sink receives every entry after it has been chained.
type Sink interface {
	Write(entry *LogEntry) error
}

// ChainLogger records transition attempts as a hash chain so that removal or
// edition of an entry is detectable.
type ChainLogger struct {
	mu           sync.Mutex
	seq          uint64
	previousHash string
	now          func() time.Time
	sinks        []Sink
	onSinkError  func(error)
}

// NewChainLogger creates a ChainLogger starting from the zero hash.
func NewChainLogger(sinks ...Sink) *ChainLogger {
	return &ChainLogger{
		previousHash: genesisHash,
		now:          time.Now,
		sinks:        sinks,
	}
}

var genesisHash = strings.Repeat("0", 64)

// OnSinkError sets a callback for sink write failures. Entries stay chained
// even when a sink fails.
func (c *ChainLogger) OnSinkError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSinkError = fn
}

// Append chains a payload and forwards the entry to the sinks.
func (c *ChainLogger) Append(payload string) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	entry := &LogEntry{
		Seq:          c.seq,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.Seq, entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	for _, s := range c.sinks {
		if err := s.Write(entry); err != nil && c.onSinkError != nil {
			c.onSinkError(err)
		}
	}
	return entry
}

// Head returns the hash of the last appended entry.
func (c *ChainLogger) Head() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.previousHash
}

func entryHash(seq uint64, prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s", seq, prev, ts, payload)))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that entries form an unbroken chain. The first entry's
// previous hash is taken as given so that a suffix of a log can be checked.
func VerifyChain(entries []*LogEntry) error {
	for i, e := range entries {
		if i > 0 {
			prev := entries[i-1]
			if e.PreviousHash != prev.Hash {
				return fmt.Errorf("audit chain broken at seq %d: previous hash mismatch", e.Seq)
			}
			if e.Seq != prev.Seq+1 {
				return fmt.Errorf("audit chain broken at seq %d: expected seq %d", e.Seq, prev.Seq+1)
			}
		}
		if entryHash(e.Seq, e.PreviousHash, e.Timestamp, e.Payload) != e.Hash {
			return fmt.Errorf("audit entry %d: hash mismatch", e.Seq)
		}
	}
	return nil
}
