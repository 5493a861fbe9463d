// Package ledger implements the VAR record store: per-stream, append-only,
// hash-chained sequences of signed events.
//
//   - Each entry is hash-chained to its predecessor within its stream.
//   - Append-only; no deletions or mutations.
//   - Every event carries one or more signatures over its canonical bytes.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openvar/varledger/pkg/canonical"
	"github.com/openvar/varledger/pkg/crypto"
)

// GenesisHash is the prev_hash sentinel for the first event of a stream.
const GenesisHash = "genesis"

// EventType is the closed set of VAR event kinds.
type EventType string

const (
	EventAnalysis              EventType = "analysis"
	EventAgreementAction       EventType = "agreement_action"
	EventRefusal               EventType = "refusal"
	EventContinuityAttestation EventType = "continuity_attestation"
	EventContinuityFlag        EventType = "continuity_flag"
	EventSessionClose          EventType = "session_close"
	EventWitness               EventType = "witness"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventAnalysis, EventAgreementAction, EventRefusal,
		EventContinuityAttestation, EventContinuityFlag,
		EventSessionClose, EventWitness:
		return true
	}
	return false
}

// Event is the atomic unit of the log. EventHash covers the canonical bytes
// of every field except Signatures and EventHash itself; PrevHash must equal
// the EventHash of the immediately preceding event in the same stream.
type Event struct {
	EventID    string             `json:"event_id"`
	StreamID   string             `json:"stream_id"`
	Seq        uint64             `json:"seq"`
	Type       EventType          `json:"event_type"`
	Payload    json.RawMessage    `json:"payload"`
	PrevHash   string             `json:"prev_hash"`
	Timestamp  string             `json:"timestamp"` // RFC 3339 nano, UTC
	EventHash  string             `json:"event_hash"`
	Signatures []crypto.Signature `json:"signatures,omitempty"`
}

// SigningBytes returns the canonical bytes covered by the event hash and by
// every signature: all fields except signatures and the hash itself.
func (e *Event) SigningBytes() ([]byte, error) {
	return canonical.Marshal(map[string]interface{}{
		"event_id":   e.EventID,
		"stream_id":  e.StreamID,
		"seq":        e.Seq,
		"event_type": string(e.Type),
		"payload":    e.Payload,
		"prev_hash":  e.PrevHash,
		"timestamp":  e.Timestamp,
	})
}

// ComputeHash recomputes the event hash from the event's current contents.
func (e *Event) ComputeHash() (string, error) {
	data, err := e.SigningBytes()
	if err != nil {
		return "", err
	}
	return canonical.HashBytes(data), nil
}

// DeriveEventID derives the content-addressed event identifier from the
// stream position and the payload digest.
func DeriveEventID(streamID string, seq uint64, payloadHash string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s#%d#%s", streamID, seq, payloadHash)))
	return "evt-" + hex.EncodeToString(sum[:16])
}

// ErrNotFound is returned when an event, stream, or bundle does not exist.
var ErrNotFound = errors.New("not found")

// StreamConflictError reports a concurrent append that advanced the stream
// tip first. Recoverable: retry against the refreshed tip.
type StreamConflictError struct {
	StreamID    string
	ExpectedTip string
	ActualTip   string
}

func (e *StreamConflictError) Error() string {
	return fmt.Sprintf("stream %s: append conflict (expected tip %s, found %s)",
		e.StreamID, e.ExpectedTip, e.ActualTip)
}

// ChainIntegrityError reports a hash or linkage mismatch at an exact position.
// Fatal for the stream's trust; never auto-repaired.
type ChainIntegrityError struct {
	StreamID string
	Seq      uint64
	Reason   string
}

func (e *ChainIntegrityError) Error() string {
	return fmt.Sprintf("stream %s: chain integrity failure at seq %d: %s",
		e.StreamID, e.Seq, e.Reason)
}

// ValidationResult is the outcome of walking a stream from genesis.
type ValidationResult struct {
	StreamID   string
	Valid      bool
	Length     uint64
	Divergence *ChainIntegrityError // nil when Valid
}

// Clock supplies timestamps; overridable for tests.
type Clock func() time.Time

// FormatTimestamp renders t in the ledger's timestamp encoding.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
