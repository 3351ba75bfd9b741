package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Event is one auditable occurrence: an HTTP request or a promotion step.
type Event struct {
	Kind          string
	CorrelationID string
	Actor         string
	Action        string
	Subject       string
	Outcome       string
	Fields        map[string]string
}

// Payload renders the event as space separated key=value pairs in a stable
// order, so the same event always hashes the same way.
func (e Event) Payload() string {
	kv := map[string]string{
		"kind":    e.Kind,
		"cid":     e.CorrelationID,
		"actor":   e.Actor,
		"action":  e.Action,
		"subject": e.Subject,
		"outcome": e.Outcome,
	}
	for k, v := range e.Fields {
		kv[k] = v
	}

	keys := make([]string, 0, len(kv))
	for k, v := range kv {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+kv[k])
	}
	return strings.Join(parts, " ")
}

// LogEntry represents a single audit log entry
type LogEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// ChainLogger hash-chains audit entries and optionally streams them as JSON
// lines to a sink.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	sink         io.Writer
	now          func() time.Time
}

var zeroHash = strings.Repeat("0", 64)

// NewChainLogger starts a chain at the zero hash. sink may be nil.
func NewChainLogger(sink io.Writer) *ChainLogger {
	return NewChainLoggerFrom(zeroHash, sink)
}

// NewChainLoggerFrom continues a chain whose last entry hashed to prevHash.
func NewChainLoggerFrom(prevHash string, sink io.Writer) *ChainLogger {
	if prevHash == "" {
		prevHash = zeroHash
	}
	return &ChainLogger{
		previousHash: prevHash,
		sink:         sink,
		now:          time.Now,
	}
}

// Resume reads the entries already written to r and returns a logger that
// appends to sink after the last of them. It returns the existing entries
// so the caller can verify them.
func Resume(r io.Reader, sink io.Writer) (*ChainLogger, []*LogEntry, error) {
	entries, err := ReadEntries(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read existing audit log: %w", err)
	}
	prev := zeroHash
	if n := len(entries); n > 0 {
		prev = entries[n-1].Hash
	}
	return NewChainLoggerFrom(prev, sink), entries, nil
}

// Append adds a new log entry to the chain.
func (c *ChainLogger) Append(e Event) *LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      e.Payload(),
	}
	entry.Hash = entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload)
	c.previousHash = entry.Hash

	if c.sink != nil {
		b, err := json.Marshal(entry)
		if err == nil {
			_, _ = c.sink.Write(append(b, '\n'))
		}
	}
	return entry
}

func entryHash(prev, ts, payload string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", prev, ts, payload)))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		if i > 0 && entry.PreviousHash != entries[i-1].Hash {
			return false
		}
		if entryHash(entry.PreviousHash, entry.Timestamp, entry.Payload) != entry.Hash {
			return false
		}
	}
	return true
}

// ReadEntries decodes a JSON lines sink written by ChainLogger.
func ReadEntries(r io.Reader) ([]*LogEntry, error) {
	dec := json.NewDecoder(r)
	var out []*LogEntry
	for dec.More() {
		var e LogEntry
		if err := dec.Decode(&e); err != nil {
			return nil, err
		}
		out = append(out, &e)
	}
	return out, nil
}
