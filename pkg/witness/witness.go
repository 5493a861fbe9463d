// Package witness adds an optional trust layer over session bundles:
// independent parties countersign session roots. Witnessing is purely
// additive; a bundle with zero witnesses is still valid, and an invalid
// witness signature is reported without invalidating the underlying
// hash-chain or Merkle guarantees.
package witness

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/openvar/varledger/pkg/crypto"
)

// Signature is one witness's signature over a session root.
type Signature struct {
	WitnessID string `json:"witness_id"`
	KeyID     string `json:"key_id"`
	Signature string `json:"signature"`
	SignedAt  string `json:"signed_at"`
}

// Witness attests to session roots. Implementations may call out over a
// network; Attest must honor ctx cancellation and deadlines so a slow or
// unreachable witness never corrupts or blocks the bundle being closed.
type Witness interface {
	ID() string
	Attest(ctx context.Context, sessionRoot string) (Signature, error)
}

// Ed25519Witness signs session roots with a local Ed25519 key. Attestation is
// rate limited to model a witness that throttles callers.
type Ed25519Witness struct {
	id      string
	signer  crypto.Signer
	limiter *rate.Limiter
	clock   func() time.Time
}

// NewEd25519Witness creates a local witness. perSecond bounds attestations
// per second; zero or negative disables limiting.
func NewEd25519Witness(id string, signer crypto.Signer, perSecond float64) *Ed25519Witness {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if perSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
	return &Ed25519Witness{id: id, signer: signer, limiter: limiter, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (w *Ed25519Witness) WithClock(clock func() time.Time) *Ed25519Witness {
	w.clock = clock
	return w
}

func (w *Ed25519Witness) ID() string { return w.id }

// PublicKeyHex exposes the witness verification key.
func (w *Ed25519Witness) PublicKeyHex() string { return w.signer.PublicKeyHex() }

// KeyID exposes the witness key id.
func (w *Ed25519Witness) KeyID() string { return w.signer.KeyID() }

// Attest signs the session root.
func (w *Ed25519Witness) Attest(ctx context.Context, sessionRoot string) (Signature, error) {
	if err := w.limiter.Wait(ctx); err != nil {
		return Signature{}, fmt.Errorf("witness %s: %w", w.id, err)
	}
	sig, err := w.signer.Sign([]byte(sessionRoot))
	if err != nil {
		return Signature{}, fmt.Errorf("witness %s: %w", w.id, err)
	}
	return Signature{
		WitnessID: w.id,
		KeyID:     w.signer.KeyID(),
		Signature: sig,
		SignedAt:  w.clock().UTC().Format(time.RFC3339Nano),
	}, nil
}

// Report is the verification verdict for one witness signature.
type Report struct {
	WitnessID string
	KeyID     string
	Valid     bool
	Reason    string
}

// VerifySignatures checks each witness signature over the session root
// against the supplied key_id -> public key map. Invalid entries are reported
// per witness; they never fail the bundle itself.
func VerifySignatures(sessionRoot string, sigs []Signature, keys map[string]string) []Report {
	reports := make([]Report, 0, len(sigs))
	for _, s := range sigs {
		report := Report{WitnessID: s.WitnessID, KeyID: s.KeyID}
		pub, ok := keys[s.KeyID]
		if !ok {
			report.Reason = "public key unavailable"
			reports = append(reports, report)
			continue
		}
		valid, err := crypto.Verify(pub, s.Signature, []byte(sessionRoot))
		switch {
		case err != nil:
			report.Reason = err.Error()
		case !valid:
			report.Reason = "signature does not verify"
		default:
			report.Valid = true
		}
		reports = append(reports, report)
	}
	return reports
}
