package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openvar/varledger/pkg/canonical"
	"github.com/openvar/varledger/pkg/crypto"
)

// conflictRetries bounds automatic retries on StreamConflict. StreamConflict
// is the only error class retried automatically; each retry refreshes the tip.
const conflictRetries = 16

// Log is the writer-side record store over a durable Store.
type Log struct {
	store  Store
	ring   *crypto.KeyRing
	clock  Clock
	logger *slog.Logger
	tracer trace.Tracer
}

// New creates a record store log. Signer public keys are registered on the
// ring as events are appended, so ValidateChain can verify them later.
func New(store Store, ring *crypto.KeyRing) *Log {
	return &Log{
		store:  store,
		ring:   ring,
		clock:  time.Now,
		logger: slog.Default(),
		tracer: otel.Tracer("varledger/ledger"),
	}
}

// WithClock overrides the clock for testing.
func (l *Log) WithClock(clock Clock) *Log {
	l.clock = clock
	return l
}

// WithLogger overrides the structured logger.
func (l *Log) WithLogger(logger *slog.Logger) *Log {
	l.logger = logger
	return l
}

// KeyRing exposes the ring used for signature verification.
func (l *Log) KeyRing() *crypto.KeyRing { return l.ring }

// Store exposes the underlying durable store.
func (l *Log) Store() Store { return l.store }

// Append constructs, signs, and persists a new event at the stream tip.
// The payload is canonicalized before any hashing or signing; a payload that
// cannot be canonicalized is rejected without side effects. On a concurrent
// append the operation retries against the refreshed tip a bounded number of
// times before surfacing the StreamConflictError.
func (l *Log) Append(ctx context.Context, streamID string, eventType EventType, payload interface{}, signers []crypto.Signer) (*Event, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			attribute.String("var.stream_id", streamID),
			attribute.String("var.event_type", string(eventType)),
		))
	defer span.End()

	if !eventType.Valid() {
		return nil, &ChainIntegrityError{StreamID: streamID, Reason: "unknown event type " + string(eventType)}
	}

	canonicalPayload, err := canonical.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var conflict *StreamConflictError
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		event, err := l.appendOnce(ctx, streamID, eventType, canonicalPayload, signers)
		if err == nil {
			l.logger.Info("event appended",
				"stream_id", streamID,
				"event_id", event.EventID,
				"seq", event.Seq,
				"event_type", string(eventType))
			return event, nil
		}
		if !errors.As(err, &conflict) {
			return nil, err
		}
		l.logger.Warn("append conflict, retrying against new tip",
			"stream_id", streamID, "attempt", attempt+1)
	}
	return nil, conflict
}

func (l *Log) appendOnce(ctx context.Context, streamID string, eventType EventType, canonicalPayload []byte, signers []crypto.Signer) (*Event, error) {
	tip, seq, err := l.store.Tip(ctx, streamID)
	if err != nil {
		return nil, err
	}

	payloadHash := canonical.HashBytes(canonicalPayload)
	event := &Event{
		EventID:   DeriveEventID(streamID, seq+1, payloadHash),
		StreamID:  streamID,
		Seq:       seq + 1,
		Type:      eventType,
		Payload:   canonicalPayload,
		PrevHash:  tip,
		Timestamp: FormatTimestamp(l.clock()),
	}

	signingBytes, err := event.SigningBytes()
	if err != nil {
		return nil, err
	}
	event.EventHash = canonical.HashBytes(signingBytes)

	event.Signatures, err = crypto.SignAll(signingBytes, signers)
	if err != nil {
		return nil, err
	}
	for _, s := range signers {
		l.ring.AddSigner(s)
	}

	if err := l.store.AppendCAS(ctx, event, tip); err != nil {
		return nil, err
	}
	return event, nil
}

// Get returns a single event by id.
func (l *Log) Get(ctx context.Context, streamID, eventID string) (*Event, error) {
	return l.store.Get(ctx, streamID, eventID)
}

// Range returns the events of a stream in order; toSeq == 0 means to the end.
func (l *Log) Range(ctx context.Context, streamID string, fromSeq, toSeq uint64) ([]*Event, error) {
	return l.store.Range(ctx, streamID, fromSeq, toSeq)
}

// Tip returns the stream's current tip hash and length.
func (l *Log) Tip(ctx context.Context, streamID string) (string, uint64, error) {
	return l.store.Tip(ctx, streamID)
}

// ValidateChain walks the stream from genesis, recomputing every event hash
// and confirming prev_hash linkage and all signatures. The walk is pure: it
// reports the first divergence instead of repairing anything, and does not
// re-trust any stored hash it can recompute.
func (l *Log) ValidateChain(ctx context.Context, streamID string) (*ValidationResult, error) {
	ctx, span := l.tracer.Start(ctx, "ledger.validate_chain",
		trace.WithAttributes(attribute.String("var.stream_id", streamID)))
	defer span.End()

	events, err := l.store.Range(ctx, streamID, 1, 0)
	if err != nil {
		return nil, err
	}
	return ValidateEvents(streamID, events, l.ring.Snapshot()), nil
}

// ValidateEvents checks hash linkage, recomputed hashes, event id derivation,
// and signatures for an ordered event slice. It is side-effect-free and usable
// by an offline verifier with only the events and public keys in hand.
func ValidateEvents(streamID string, events []*Event, keys map[string]string) *ValidationResult {
	result := &ValidationResult{StreamID: streamID, Valid: true, Length: uint64(len(events))}

	diverge := func(seq uint64, reason string) *ValidationResult {
		result.Valid = false
		result.Divergence = &ChainIntegrityError{StreamID: streamID, Seq: seq, Reason: reason}
		return result
	}

	expectedPrev := GenesisHash
	var expectedSeq uint64 = 1
	for _, e := range events {
		if e.Seq != expectedSeq {
			return diverge(e.Seq, "sequence gap")
		}
		if e.PrevHash != expectedPrev {
			return diverge(e.Seq, "prev_hash does not match predecessor hash")
		}

		signingBytes, err := e.SigningBytes()
		if err != nil {
			return diverge(e.Seq, "event not canonicalizable: "+err.Error())
		}
		computed := canonical.HashBytes(signingBytes)
		if computed != e.EventHash {
			return diverge(e.Seq, "recomputed event hash differs from stored hash")
		}

		payloadHash := canonical.HashBytes(e.Payload)
		if DeriveEventID(e.StreamID, e.Seq, payloadHash) != e.EventID {
			return diverge(e.Seq, "event id does not match content derivation")
		}

		if err := crypto.VerifyAll(signingBytes, e.Signatures, keys); err != nil {
			return diverge(e.Seq, "signature verification failed: "+err.Error())
		}

		expectedPrev = e.EventHash
		expectedSeq++
	}
	return result
}
