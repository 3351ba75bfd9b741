package promotion

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the PrevHash of the first transition of every change
// request.
var GenesisHash = strings.Repeat("0", 64)

func newTransition(crID string, action Action, from, to Stage, actor Actor, notes, prevHash string, now time.Time) *StateTransition {
	if prevHash == "" {
		prevHash = GenesisHash
	}
	t := &StateTransition{
		ID:              uuid.NewString(),
		ChangeRequestID: crID,
		Action:          action,
		FromStage:       from,
		ToStage:         to,
		Actor:           actor.Name,
		ActorRole:       actor.Role,
		Notes:           notes,
		PrevHash:        prevHash,
		CreatedAt:       now,
	}
	t.TransitionHash = hashTransition(t)
	return t
}

func hashTransition(t *StateTransition) string {
	input := strings.Join([]string{
		t.ID,
		t.ChangeRequestID,
		string(t.Action),
		string(t.FromStage),
		string(t.ToStage),
		t.Actor,
		string(t.ActorRole),
		t.Notes,
		t.CreatedAt.UTC().Format(time.RFC3339Nano),
		t.PrevHash,
	}, "|")
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// VerifyChain checks that history is an unbroken hash chain starting at
// GenesisHash, oldest first.
func VerifyChain(history []*StateTransition) error {
	prev := GenesisHash
	for _, t := range history {
		if t.PrevHash != prev {
			return fmt.Errorf("hash chain broken at transition %s: expected prev %s, got %s", t.ID, prev, t.PrevHash)
		}
		if want := hashTransition(t); t.TransitionHash != want {
			return fmt.Errorf("hash mismatch at transition %s: expected %s, got %s", t.ID, want, t.TransitionHash)
		}
		prev = t.TransitionHash
	}
	return nil
}
