package audit

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainLogger(t *testing.T) {
	logger := NewChainLogger(nil)

	e1 := logger.Append(Event{Kind: "promotion", Actor: "Jane Mwangi", Action: "submit", Subject: "cr-1"})
	e2 := logger.Append(Event{Kind: "promotion", Actor: "Sarah Kimani", Action: "pick_up", Subject: "cr-1"})
	e3 := logger.Append(Event{Kind: "promotion", Actor: "Sarah Kimani", Action: "approve", Subject: "cr-1"})

	chain := []*LogEntry{e1, e2, e3}
	require.True(t, VerifyChain(chain))

	original := e2.Payload
	e2.Payload = "kind=promotion action=reject"
	assert.False(t, VerifyChain(chain), "tampered payload")
	e2.Payload = original

	originalHash := e2.Hash
	e2.Hash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain), "tampered hash")
	e2.Hash = originalHash

	e3.PreviousHash = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	assert.False(t, VerifyChain(chain), "broken link")
}

func TestEventPayloadIsStable(t *testing.T) {
	e := Event{
		Kind:    "http_request",
		Action:  "POST",
		Subject: "/v1/charges/quote",
		Outcome: "200",
		Fields:  map[string]string{"dur_ms": "3", "actor_role": "maker"},
	}
	assert.Equal(t, "action=POST actor_role=maker dur_ms=3 kind=http_request outcome=200 subject=/v1/charges/quote", e.Payload())
}

func TestSinkRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	logger := NewChainLogger(&buf)

	logger.Append(Event{Kind: "promotion", Action: "publish", Subject: "cr-7"})
	logger.Append(Event{Kind: "promotion", Action: "rollback", Subject: "cr-7"})

	entries, err := ReadEntries(&buf)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.True(t, VerifyChain(entries))
	assert.Equal(t, entries[0].Hash, entries[1].PreviousHash)
}

func TestResumeContinuesChainAcrossRestart(t *testing.T) {
	var buf bytes.Buffer
	first := NewChainLogger(&buf)
	first.Append(Event{Kind: "promotion", Action: "submit", Subject: "cr-9"})
	last := first.Append(Event{Kind: "promotion", Action: "pick_up", Subject: "cr-9"})

	resumed, existing, err := Resume(bytes.NewReader(buf.Bytes()), &buf)
	require.NoError(t, err)
	require.Len(t, existing, 2)
	next := resumed.Append(Event{Kind: "promotion", Action: "approve", Subject: "cr-9"})
	assert.Equal(t, last.Hash, next.PreviousHash)

	entries, err := ReadEntries(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.True(t, VerifyChain(entries))

	// a fresh chain appended to the same sink does not verify
	NewChainLogger(&buf).Append(Event{Kind: "promotion", Action: "publish", Subject: "cr-9"})
	entries, err = ReadEntries(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	require.Len(t, entries, 4)
	assert.False(t, VerifyChain(entries))
}

func TestResumeFromAppendOnlyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	open := func() *os.File {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
		require.NoError(t, err)
		return f
	}

	for run := 0; run < 3; run++ {
		f := open()
		logger, existing, err := Resume(f, f)
		require.NoError(t, err)
		require.Len(t, existing, run*2)
		logger.Append(Event{Kind: "http", Action: "GET", Subject: "/healthz", Outcome: "200"})
		logger.Append(Event{Kind: "http", Action: "POST", Subject: "/v1/charges/quote", Outcome: "200"})
		require.NoError(t, f.Close())
	}

	f := open()
	defer f.Close()
	entries, err := ReadEntries(f)
	require.NoError(t, err)
	require.Len(t, entries, 6)
	assert.True(t, VerifyChain(entries))
}

func TestResumeEmptyAndCorrupt(t *testing.T) {
	logger, existing, err := Resume(bytes.NewReader(nil), nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
	assert.Equal(t, zeroHash, logger.Append(Event{Kind: "http"}).PreviousHash)

	_, _, err = Resume(bytes.NewBufferString("{not json\n"), nil)
	assert.Error(t, err)
}
