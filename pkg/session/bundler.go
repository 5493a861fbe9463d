package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/merkle"
	"github.com/openvar/varledger/pkg/witness"
)

// defaultWitnessTimeout bounds each witness attestation call so a stalled
// witness cannot block session closing.
const defaultWitnessTimeout = 5 * time.Second

// indexRetries bounds how often a close re-reads the session index after
// losing a race to a concurrent close on the same stream.
const indexRetries = 4

// Bundler closes event windows into Merkle session bundles. Closing is a
// boundary, not a moving window: a closed bundle is never extended.
type Bundler struct {
	log            *ledger.Log
	bundles        BundleStore
	witnesses      []witness.Witness
	recorder       []crypto.Signer
	witnessTimeout time.Duration
	clock          ledger.Clock
	logger         *slog.Logger
	tracer         trace.Tracer
}

// NewBundler creates a bundler over the record store log and bundle store.
func NewBundler(log *ledger.Log, bundles BundleStore) *Bundler {
	return &Bundler{
		log:            log,
		bundles:        bundles,
		witnessTimeout: defaultWitnessTimeout,
		clock:          time.Now,
		logger:         slog.Default(),
		tracer:         otel.Tracer("varledger/session"),
	}
}

// WithClock overrides the clock for testing.
func (b *Bundler) WithClock(clock ledger.Clock) *Bundler {
	b.clock = clock
	return b
}

// WithLogger overrides the structured logger.
func (b *Bundler) WithLogger(logger *slog.Logger) *Bundler {
	b.logger = logger
	return b
}

// WithWitnessTimeout overrides the per-witness attestation deadline.
func (b *Bundler) WithWitnessTimeout(d time.Duration) *Bundler {
	b.witnessTimeout = d
	return b
}

// AddWitness registers an additional witness backend. Witnessing is a
// pluggable capability: zero witnesses is a fully valid configuration.
func (b *Bundler) AddWitness(w witness.Witness) {
	b.witnesses = append(b.witnesses, w)
}

// WithRecorder makes the bundler append a session_close event to the stream
// (signed by the given keys) after each successful close.
func (b *Bundler) WithRecorder(signers ...crypto.Signer) *Bundler {
	b.recorder = signers
	return b
}

// CloseSession bundles the events with fromSeq <= seq <= toSeq into a Merkle
// tree, collects witness signatures over the root, and persists the bundle.
// The caller must ensure no further appends are expected inside the window.
func (b *Bundler) CloseSession(ctx context.Context, streamID string, fromSeq, toSeq uint64) (*Bundle, error) {
	ctx, span := b.tracer.Start(ctx, "session.close",
		trace.WithAttributes(
			attribute.String("var.stream_id", streamID),
			attribute.Int64("var.from_seq", int64(fromSeq)),
			attribute.Int64("var.to_seq", int64(toSeq)),
		))
	defer span.End()

	if fromSeq == 0 || toSeq < fromSeq {
		return nil, fmt.Errorf("invalid session window [%d,%d]", fromSeq, toSeq)
	}

	events, err := b.log.Range(ctx, streamID, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	if uint64(len(events)) != toSeq-fromSeq+1 {
		return nil, fmt.Errorf("stream %s: window [%d,%d] has %d events, want %d",
			streamID, fromSeq, toSeq, len(events), toSeq-fromSeq+1)
	}

	leafHashes := make([]string, len(events))
	for i, e := range events {
		leafHashes[i] = e.EventHash
	}

	tree, err := merkle.Build(leafHashes)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		BundleID:    uuid.New().String(),
		StreamID:    streamID,
		FromSeq:     fromSeq,
		ToSeq:       toSeq,
		LeafCount:   tree.LeafCount(),
		SessionRoot: tree.Root(),
		LeafHashes:  leafHashes,
		CreatedAt:   ledger.FormatTimestamp(b.clock()),
	}

	bundle.Witnesses = b.collectWitnesses(ctx, bundle.SessionRoot)

	// Concurrent closes on one stream race to the next index; the loser
	// re-reads and retries, same discipline as the ledger's tip CAS.
	for attempt := 0; ; attempt++ {
		existing, err := b.bundles.Bundles(ctx, streamID)
		if err != nil {
			return nil, err
		}
		bundle.SessionIndex = uint64(len(existing)) + 1
		err = b.bundles.PutBundle(ctx, bundle)
		if err == nil {
			break
		}
		var conflict *SessionConflictError
		if errors.As(err, &conflict) && attempt < indexRetries {
			continue
		}
		return nil, err
	}

	if len(b.recorder) > 0 {
		_, err := b.log.Append(ctx, streamID, ledger.EventSessionClose, map[string]interface{}{
			"session_index": bundle.SessionIndex,
			"session_root":  bundle.SessionRoot,
			"from_seq":      fromSeq,
			"to_seq":        toSeq,
			"leaf_count":    bundle.LeafCount,
		}, b.recorder)
		if err != nil {
			return nil, err
		}
	}

	b.logger.Info("session closed",
		"stream_id", streamID,
		"session_index", bundle.SessionIndex,
		"session_root", bundle.SessionRoot,
		"leaf_count", bundle.LeafCount,
		"witnesses", len(bundle.Witnesses))
	return bundle, nil
}

// collectWitnesses gathers attestations over the root. Failures are logged
// and skipped: a session with zero witnesses is still valid.
func (b *Bundler) collectWitnesses(ctx context.Context, sessionRoot string) []witness.Signature {
	var sigs []witness.Signature
	for _, w := range b.witnesses {
		wctx, cancel := context.WithTimeout(ctx, b.witnessTimeout)
		sig, err := w.Attest(wctx, sessionRoot)
		cancel()
		if err != nil {
			b.logger.Warn("witness attestation failed",
				"witness_id", w.ID(), "error", err)
			continue
		}
		sigs = append(sigs, sig)
	}
	return sigs
}

// InclusionProof regenerates the Merkle inclusion proof for an event from its
// persisted bundle.
func (b *Bundler) InclusionProof(ctx context.Context, streamID, eventID string) ([]merkle.ProofStep, error) {
	event, err := b.log.Get(ctx, streamID, eventID)
	if err != nil {
		return nil, err
	}
	bundle, err := b.bundleForSeq(ctx, streamID, event.Seq)
	if err != nil {
		return nil, err
	}
	proof, err := bundle.Proof(event.Seq)
	if err != nil {
		return nil, err
	}
	if !merkle.VerifyInclusion(event.EventHash, proof, bundle.SessionRoot) {
		return nil, &MerkleProofError{
			BundleID: bundle.BundleID,
			EventID:  eventID,
			Reason:   "event hash fails inclusion against session root",
		}
	}
	return proof, nil
}

func (b *Bundler) bundleForSeq(ctx context.Context, streamID string, seq uint64) (*Bundle, error) {
	bundles, err := b.bundles.Bundles(ctx, streamID)
	if err != nil {
		return nil, err
	}
	for _, bundle := range bundles {
		if bundle.Contains(seq) {
			return bundle, nil
		}
	}
	return nil, fmt.Errorf("stream %s: no closed session covers seq %d: %w", streamID, seq, ledger.ErrNotFound)
}
