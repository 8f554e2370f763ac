// Package audit appends immutable, hash-chained entries recording every
// accepted state transition and decision. Each case carries its own
// chain; within a case, entries are totally ordered by a monotonic
// sequence number and linked by SHA-256 hashes, so mutating any persisted
// entry is detectable from that index on.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/clearline-health/authcore/pkg/canonicalize"
	"github.com/clearline-health/authcore/pkg/contracts"
	"github.com/clearline-health/authcore/pkg/store"
)

// GenesisHash seeds every case's chain.
const GenesisHash = "genesis"

// Writer appends and verifies per-case audit chains. It holds no state of
// its own; the store passed to each call decides the unit of work, so an
// append inside a transaction commits or rolls back with the state
// transition that triggered it.
type Writer struct {
	clock func() time.Time
}

// NewWriter creates a Writer with a wall clock.
func NewWriter() *Writer {
	return &Writer{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (w *Writer) WithClock(clock func() time.Time) *Writer {
	w.clock = clock
	return w
}

// Append canonicalizes payload, links it to the case's chain head and
// persists the new entry through s.
func (w *Writer) Append(ctx context.Context, s store.Store, caseID, eventType string, payload any) (*contracts.AuditLogEntry, error) {
	canonical, err := canonicalize.Canonical(payload)
	if err != nil {
		return nil, fmt.Errorf("audit payload: %w", err)
	}

	prevHash := GenesisHash
	var seq uint64 = 1
	last, err := s.LastAudit(ctx, caseID)
	switch {
	case err == nil:
		prevHash = last.Hash
		seq = last.Sequence + 1
	default:
		var nf *contracts.NotFoundError
		if !errors.As(err, &nf) {
			return nil, fmt.Errorf("read chain head: %w", err)
		}
	}

	entry := &contracts.AuditLogEntry{
		Sequence:  seq,
		CaseID:    caseID,
		EventType: eventType,
		Payload:   canonical,
		Timestamp: w.clock().UTC(),
		PrevHash:  prevHash,
		Hash:      entryHash(prevHash, canonical, seq),
	}
	if err := s.AppendAudit(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Verify replays the chain for a case and recomputes every hash. It
// returns nil for an intact chain and *contracts.IntegrityError carrying
// the first mismatched index otherwise. Not meant for the write hot path.
func (w *Writer) Verify(ctx context.Context, s store.Store, caseID string) error {
	chain, err := s.AuditChain(ctx, caseID)
	if err != nil {
		return err
	}

	prevHash := GenesisHash
	for i, entry := range chain {
		if entry.Sequence != uint64(i)+1 {
			return &contracts.IntegrityError{CaseID: caseID, Index: i, Reason: fmt.Sprintf("sequence gap: want %d, got %d", i+1, entry.Sequence)}
		}
		if entry.PrevHash != prevHash {
			return &contracts.IntegrityError{CaseID: caseID, Index: i, Reason: "previous-hash link broken"}
		}
		if recomputed := entryHash(entry.PrevHash, entry.Payload, entry.Sequence); recomputed != entry.Hash {
			return &contracts.IntegrityError{CaseID: caseID, Index: i, Reason: "entry hash mismatch"}
		}
		prevHash = entry.Hash
	}
	return nil
}

// entryHash computes SHA256(prevHash || payload || seq).
func entryHash(prevHash string, canonicalPayload []byte, seq uint64) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalPayload)
	h.Write([]byte(strconv.FormatUint(seq, 10)))
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
