package agreement_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvar/varledger/pkg/agreement"
	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/identity"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/openvar/varledger/pkg/store"
)

type actor struct {
	identity identity.AgentIdentity
	signer   *crypto.Ed25519Signer
}

func newActor(t *testing.T, agentID, keyID, modelID, modelVersion string) actor {
	t.Helper()
	seed := bytes.Repeat([]byte(agentID+"/"+keyID+"|"), 8)[:32]
	signer, err := crypto.NewEd25519SignerFromSeed(seed, keyID)
	require.NoError(t, err)
	return actor{
		identity: identity.AgentIdentity{
			AgentID:      agentID,
			KeyID:        keyID,
			PublicKey:    signer.PublicKeyHex(),
			ModelID:      modelID,
			ModelVersion: modelVersion,
		},
		signer: signer,
	}
}

func newEngine(t *testing.T) *agreement.Engine {
	t.Helper()
	ring := crypto.NewKeyRing()
	log := ledger.New(store.NewMemoryStore(), ring).
		WithClock(func() time.Time { return time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC) })
	service, err := crypto.NewEd25519Signer("svc-key")
	require.NoError(t, err)
	eng, err := agreement.NewEngine(log, service)
	require.NoError(t, err)
	return eng
}

func proposeBetween(t *testing.T, eng *agreement.Engine, alice, bob actor, terms agreement.Terms) *agreement.Agreement {
	t.Helper()
	parties := []agreement.Party{
		{Identity: alice.identity, Role: "user", Required: true},
		{Identity: bob.identity, Role: "assistant", Required: true},
	}
	a, err := eng.Propose(context.Background(), alice.identity, alice.signer, parties, terms)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusProposed, a.Status)
	return a
}

func TestProposeAcceptAcceptActivates(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "code review collaboration"})

	a, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusProposed, a.Status, "one required acceptance outstanding")
	assert.Equal(t, []string{"alice"}, a.AcceptedBy)

	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusActive, a.Status)
	assert.ElementsMatch(t, []string{"alice", "assistant-7"}, a.AcceptedBy)
}

func TestDeclineBeforeActivation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "shared workspace"})

	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)

	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionDecline, map[string]interface{}{
		"reason": "scope too broad",
	})
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusDeclined, a.Status)

	// A declined agreement is terminal.
	_, err = eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Equal(t, agreement.StatusDeclined, stateErr.Status)
}

func TestActRejectsNonParty(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")
	mallory := newActor(t, "mallory", "mallory-k1", "", "")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "pair programming"})

	_, err := eng.Act(ctx, a.AgreementID, mallory.identity, mallory.signer, agreement.ActionAccept, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestProposeRejectsEmptyScope(t *testing.T) {
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	parties := []agreement.Party{
		{Identity: alice.identity, Required: true},
		{Identity: bob.identity, Required: true},
	}
	_, err := eng.Propose(context.Background(), alice.identity, alice.signer, parties, agreement.Terms{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestContinuityGateOnRotatedKey(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")
	bobRotated := newActor(t, "assistant-7", "asst-k2", "claude", "4.2.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "long-running collaboration"})
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)

	// The rotated key has no attestation yet: the accept is rejected and the
	// agreement flagged for reaffirmation.
	_, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionAccept, nil)
	var violation *identity.ContinuityViolation
	require.ErrorAs(t, err, &violation)
	assert.Equal(t, "asst-k1", violation.BoundKeyID)
	assert.Equal(t, "asst-k2", violation.PresentedKeyID)

	a, err = eng.Get(ctx, a.AgreementID)
	require.NoError(t, err)
	assert.True(t, a.NeedsReaffirmation)
	assert.Equal(t, agreement.StatusProposed, a.Status, "rejected action must not change status")

	// A signed attestation from the old key bridges the rotation.
	att := identity.ContinuityAttestation{
		AgentID:         "assistant-7",
		OldKeyID:        "asst-k1",
		NewKeyID:        "asst-k2",
		NewPublicKey:    bobRotated.signer.PublicKeyHex(),
		OldModelVersion: "4.1.0",
		NewModelVersion: "4.2.0",
	}
	require.NoError(t, identity.SignAttestation(&att, bob.signer))

	a, err = eng.Attest(ctx, a.AgreementID, att, bobRotated.signer)
	require.NoError(t, err)
	assert.False(t, a.NeedsReaffirmation, "verified attestation clears the flag")

	a, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusActive, a.Status)
}

func TestAttestRejectsForgedAttestation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")
	bobRotated := newActor(t, "assistant-7", "asst-k2", "claude", "4.2.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "x"})

	att := identity.ContinuityAttestation{
		AgentID:      "assistant-7",
		OldKeyID:     "asst-k1",
		NewKeyID:     "asst-k2",
		NewPublicKey: bobRotated.signer.PublicKeyHex(),
	}
	require.NoError(t, identity.SignAttestation(&att, bob.signer))
	att.AgentID = "assistant-8" // tamper after signing

	_, err := eng.Attest(ctx, a.AgreementID, att, bobRotated.signer)
	var sigErr *crypto.SignatureError
	require.ErrorAs(t, err, &sigErr)
}

func TestCounterSupersedesOriginal(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	original := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "full repo access"})

	counter, err := eng.Act(ctx, original.AgreementID, bob.identity, bob.signer, agreement.ActionCounter, map[string]interface{}{
		"terms": agreement.Terms{Scope: "read-only repo access"},
	})
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusProposed, counter.Status)
	assert.Equal(t, original.AgreementID, counter.CounterOf)
	assert.Equal(t, "read-only repo access", counter.Terms.Scope)

	original, err = eng.Get(ctx, original.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusSuperseded, original.Status)
	assert.Equal(t, counter.AgreementID, original.CounteredBy)

	// The superseded original no longer accepts actions.
	_, err = eng.Act(ctx, original.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestCounterRequiresReplacementTerms(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "x"})

	_, err := eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionCounter, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestTerminationPredicate(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{
		Scope: "supervised operation",
		TerminationTerms: agreement.TerminationTerms{
			Policy:    "human party only",
			Predicate: `actor == "alice"`,
		},
	})
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusActive, a.Status)

	_, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionTerminate, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)
	assert.Contains(t, stateErr.Reason, "predicate")

	a, err = eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionTerminate, map[string]interface{}{
		"reason": "task complete",
	})
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusTerminated, a.Status)
}

func TestProposeRejectsMalformedPredicate(t *testing.T) {
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	parties := []agreement.Party{
		{Identity: alice.identity, Required: true},
		{Identity: bob.identity, Required: true},
	}
	_, err := eng.Propose(context.Background(), alice.identity, alice.signer, parties, agreement.Terms{
		Scope:            "x",
		TerminationTerms: agreement.TerminationTerms{Predicate: "actor =="},
	})
	require.Error(t, err)
}

func TestReaffirmationClearsFlag(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")
	bobRotated := newActor(t, "assistant-7", "asst-k2", "claude", "4.2.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "ongoing assistance"})
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusActive, a.Status)

	// Reaffirm on an unflagged agreement is rejected.
	_, err = eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionReaffirm, nil)
	var stateErr *agreement.AgreementStateError
	require.ErrorAs(t, err, &stateErr)

	// Unbridged rotation on an active agreement raises the flag.
	_, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionComment, map[string]interface{}{
		"text": "still here",
	})
	var violation *identity.ContinuityViolation
	require.ErrorAs(t, err, &violation)

	a, err = eng.Get(ctx, a.AgreementID)
	require.NoError(t, err)
	require.True(t, a.NeedsReaffirmation)

	// All required parties reaffirming clears the flag. The rotated agent
	// first bridges its identity so its reaffirm is accepted.
	att := identity.ContinuityAttestation{
		AgentID:         "assistant-7",
		OldKeyID:        "asst-k1",
		NewKeyID:        "asst-k2",
		NewPublicKey:    bobRotated.signer.PublicKeyHex(),
		OldModelVersion: "4.1.0",
		NewModelVersion: "4.2.0",
	}
	require.NoError(t, identity.SignAttestation(&att, bob.signer))
	a, err = eng.Attest(ctx, a.AgreementID, att, bobRotated.signer)
	require.NoError(t, err)
	assert.False(t, a.NeedsReaffirmation)
	assert.Equal(t, agreement.StatusActive, a.Status)
}

func TestReaffirmUnderRotatedKeyWithoutAttestation(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")
	bobRotated := newActor(t, "assistant-7", "asst-k2", "claude", "4.2.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "ongoing assistance"})
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusActive, a.Status)

	// Unbridged rotation raises the flag.
	_, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionComment, map[string]interface{}{
		"text": "hello again",
	})
	var violation *identity.ContinuityViolation
	require.ErrorAs(t, err, &violation)

	a, err = eng.Get(ctx, a.AgreementID)
	require.NoError(t, err)
	require.True(t, a.NeedsReaffirmation)
	assert.Equal(t, []string{"assistant-7"}, a.FlaggedParties)

	// Re-signing under the new identity is accepted without an attestation
	// and rebinds the party snapshot.
	a, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionReaffirm, nil)
	require.NoError(t, err)
	assert.True(t, a.NeedsReaffirmation, "flag holds until all required parties reaffirm")

	party, ok := a.Party("assistant-7")
	require.True(t, ok)
	assert.Equal(t, "asst-k2", party.Identity.KeyID)
	assert.Equal(t, "4.2.0", party.Identity.ModelVersion)

	a, err = eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionReaffirm, nil)
	require.NoError(t, err)
	assert.False(t, a.NeedsReaffirmation)
	assert.Empty(t, a.FlaggedParties)

	// The rebound identity acts freely afterwards.
	_, err = eng.Act(ctx, a.AgreementID, bobRotated.identity, bobRotated.signer, agreement.ActionComment, map[string]interface{}{
		"text": "back",
	})
	require.NoError(t, err)
}

func TestHistoryListsActionsInOrder(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "x"})
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionComment, map[string]interface{}{"text": "looks good"})
	require.NoError(t, err)
	_, err = eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)

	history, err := eng.History(ctx, a.AgreementID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, agreement.ActionPropose, history[0].Action)
	assert.Equal(t, agreement.ActionComment, history[1].Action)
	assert.Equal(t, agreement.ActionAccept, history[2].Action)
	for _, h := range history {
		assert.NotEmpty(t, h.Timestamp)
	}
}

func TestGetUnknownAgreement(t *testing.T) {
	eng := newEngine(t)
	_, err := eng.Get(context.Background(), "agr-missing")
	require.True(t, errors.Is(err, ledger.ErrNotFound))
}

func TestRedisCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	cache := agreement.NewRedisCache(client, time.Minute)

	_, ok := cache.Get(ctx, "agr-1")
	assert.False(t, ok)

	a := &agreement.Agreement{AgreementID: "agr-1", Status: agreement.StatusActive}
	cache.Put(ctx, "agr-1", a)

	got, ok := cache.Get(ctx, "agr-1")
	require.True(t, ok)
	assert.Equal(t, agreement.StatusActive, got.Status)

	cache.Invalidate(ctx, "agr-1")
	_, ok = cache.Get(ctx, "agr-1")
	assert.False(t, ok)
}

func TestEngineWithRedisCache(t *testing.T) {
	ctx := context.Background()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})

	eng := newEngine(t).WithCache(agreement.NewRedisCache(client, time.Minute))
	alice := newActor(t, "alice", "alice-k1", "", "")
	bob := newActor(t, "assistant-7", "asst-k1", "claude", "4.1.0")

	a := proposeBetween(t, eng, alice, bob, agreement.Terms{Scope: "cached projection"})

	// Cache was refreshed by the write path; a Get must still reflect the
	// state after a further action invalidates it.
	_, err := eng.Act(ctx, a.AgreementID, alice.identity, alice.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	a, err = eng.Act(ctx, a.AgreementID, bob.identity, bob.signer, agreement.ActionAccept, nil)
	require.NoError(t, err)
	require.Equal(t, agreement.StatusActive, a.Status)

	got, err := eng.Get(ctx, a.AgreementID)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusActive, got.Status)
}
