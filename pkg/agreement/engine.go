package agreement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/openvar/varledger/pkg/crypto"
	"github.com/openvar/varledger/pkg/identity"
	"github.com/openvar/varledger/pkg/ledger"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Engine drives the agreement lifecycle. Every accepted action becomes an
// event in the agreement's stream; state is always re-derived by folding that
// stream, never read back from a cache as truth.
type Engine struct {
	log        *ledger.Log
	checker    *identity.Checker
	schema     *jsonschema.Schema
	terminator *terminationEvaluator
	cache      Cache
	service    crypto.Signer
	logger     *slog.Logger
	tracer     trace.Tracer
}

// NewEngine creates an agreement engine over log. The service signer signs
// engine-originated events such as continuity flags; party actions are always
// signed by the acting party's own key.
func NewEngine(log *ledger.Log, service crypto.Signer) (*Engine, error) {
	schema, err := compileTermsSchema()
	if err != nil {
		return nil, err
	}
	terminator, err := newTerminationEvaluator()
	if err != nil {
		return nil, err
	}
	return &Engine{
		log:        log,
		checker:    identity.NewChecker(log.KeyRing()),
		schema:     schema,
		terminator: terminator,
		cache:      NopCache{},
		service:    service,
		logger:     slog.Default(),
		tracer:     otel.Tracer("varledger/agreement"),
	}, nil
}

// WithCache installs a projection cache. The cache is advisory only.
func (e *Engine) WithCache(cache Cache) *Engine {
	e.cache = cache
	return e
}

// WithLogger overrides the structured logger.
func (e *Engine) WithLogger(logger *slog.Logger) *Engine {
	e.logger = logger
	return e
}

// Propose records a new agreement proposal. The proposer must be one of the
// listed parties and signs the propose action with its own key. Terms are
// schema-checked before anything is written.
func (e *Engine) Propose(ctx context.Context, proposer identity.AgentIdentity, signer crypto.Signer, parties []Party, terms Terms) (*Agreement, error) {
	return e.propose(ctx, proposer, signer, parties, terms, "")
}

func (e *Engine) propose(ctx context.Context, proposer identity.AgentIdentity, signer crypto.Signer, parties []Party, terms Terms, counterOf string) (*Agreement, error) {
	ctx, span := e.tracer.Start(ctx, "agreement.propose",
		trace.WithAttributes(attribute.String("var.proposer", proposer.AgentID)))
	defer span.End()

	if err := validateTerms(e.schema, terms); err != nil {
		return nil, err
	}
	if signer.KeyID() != proposer.KeyID {
		return nil, &crypto.SignatureError{
			KeyID:  signer.KeyID(),
			Reason: fmt.Sprintf("proposer identity names key %s", proposer.KeyID),
		}
	}
	// Every predicate is compiled at propose time so a malformed one is
	// rejected before it can block termination later.
	if p := terms.TerminationTerms.Predicate; p != "" {
		if _, err := e.terminator.program(p); err != nil {
			return nil, err
		}
	}

	found := false
	for _, p := range parties {
		if p.Identity.AgentID == proposer.AgentID {
			found = true
		}
		e.log.KeyRing().Add(p.Identity.KeyID, p.Identity.PublicKey)
	}
	if !found {
		return nil, &AgreementStateError{
			Action: ActionPropose,
			Reason: fmt.Sprintf("proposer %s is not among the parties", proposer.AgentID),
		}
	}

	agreementID := "agr-" + uuid.NewString()
	payload := map[string]interface{}{
		"parties": parties,
		"terms":   terms,
	}
	if counterOf != "" {
		payload["counter_of"] = counterOf
	}
	action := AgreementAction{
		ActionID:     "act-" + uuid.NewString(),
		AgreementID:  agreementID,
		ActorPartyID: proposer.AgentID,
		Action:       ActionPropose,
		Payload:      payload,
	}

	if _, err := e.appendAction(ctx, agreementID, action, signer); err != nil {
		return nil, err
	}
	e.logger.Info("agreement proposed",
		"agreement_id", agreementID, "proposer", proposer.AgentID, "parties", len(parties))
	return e.project(ctx, agreementID)
}

// Act records a lifecycle action against an existing agreement. The actor's
// identity is continuity-checked against the snapshot bound at proposal; a
// rotated key without a bridging attestation rejects the action and flags the
// agreement for reaffirmation.
func (e *Engine) Act(ctx context.Context, agreementID string, actor identity.AgentIdentity, signer crypto.Signer, act Action, payload map[string]interface{}) (*Agreement, error) {
	ctx, span := e.tracer.Start(ctx, "agreement.act",
		trace.WithAttributes(
			attribute.String("var.agreement_id", agreementID),
			attribute.String("var.action", string(act)),
			attribute.String("var.actor", actor.AgentID),
		))
	defer span.End()

	if !act.Valid() || act == ActionPropose {
		return nil, &AgreementStateError{AgreementID: agreementID, Action: act, Reason: "unknown or standalone action"}
	}
	if signer.KeyID() != actor.KeyID {
		return nil, &crypto.SignatureError{
			KeyID:  signer.KeyID(),
			Reason: fmt.Sprintf("actor identity names key %s", actor.KeyID),
		}
	}

	events, err := e.log.Range(ctx, StreamID(agreementID), 1, 0)
	if err != nil {
		return nil, err
	}
	current, err := Project(events)
	if err != nil {
		return nil, err
	}

	party, ok := current.Party(actor.AgentID)
	if !ok {
		return nil, &AgreementStateError{
			AgreementID: agreementID, Action: act, Status: current.Status,
			Reason: fmt.Sprintf("%s is not a party to this agreement", actor.AgentID),
		}
	}

	// A flagged party's reaffirm is itself the recovery path: re-signing
	// under the presented identity adopts it without a bridging attestation.
	rebind := act == ActionReaffirm && current.Flagged(actor.AgentID) &&
		actor.KeyID != party.Identity.KeyID
	if rebind {
		e.log.KeyRing().Add(actor.KeyID, signer.PublicKeyHex())
		e.logger.Info("identity rebound by reaffirmation",
			"agreement_id", agreementID, "agent_id", actor.AgentID,
			"old_key_id", party.Identity.KeyID, "new_key_id", actor.KeyID)
	} else {
		result, err := e.checker.Check(party.Identity, actor, attestationsFromEvents(events))
		if err != nil {
			var violation *identity.ContinuityViolation
			if errors.As(err, &violation) {
				e.raiseContinuityFlag(ctx, agreementID, violation)
			}
			return nil, err
		}
		if result.Bridged {
			e.logger.Info("identity bridged by continuity attestation",
				"agreement_id", agreementID, "agent_id", actor.AgentID,
				"version_change", string(result.VersionChange))
		}
	}

	if err := e.checkTransition(current, actor.AgentID, act); err != nil {
		return nil, err
	}

	if act == ActionCounter {
		return e.counter(ctx, current, actor, signer, payload)
	}
	if act == ActionReaffirm {
		// The fold rebinds the party snapshot from this identity.
		next := make(map[string]interface{}, len(payload)+1)
		for k, v := range payload {
			next[k] = v
		}
		next["identity"] = actor
		payload = next
	}

	action := AgreementAction{
		ActionID:     "act-" + uuid.NewString(),
		AgreementID:  agreementID,
		ActorPartyID: actor.AgentID,
		Action:       act,
		Payload:      payload,
	}
	if _, err := e.appendAction(ctx, agreementID, action, signer); err != nil {
		return nil, err
	}
	return e.project(ctx, agreementID)
}

// Attest records a continuity attestation in the agreement's stream, clearing
// the agent's reaffirmation flag once verified. The attestation must verify
// against the old key already trusted by the ring, and is signed into the log
// by the agent's new key.
func (e *Engine) Attest(ctx context.Context, agreementID string, att identity.ContinuityAttestation, newKey crypto.Signer) (*Agreement, error) {
	ctx, span := e.tracer.Start(ctx, "agreement.attest",
		trace.WithAttributes(
			attribute.String("var.agreement_id", agreementID),
			attribute.String("var.agent_id", att.AgentID),
		))
	defer span.End()

	if err := identity.VerifyAttestation(att, e.log.KeyRing()); err != nil {
		return nil, err
	}
	if newKey.KeyID() != att.NewKeyID {
		return nil, &crypto.SignatureError{
			KeyID:  newKey.KeyID(),
			Reason: fmt.Sprintf("attestation names new key %s", att.NewKeyID),
		}
	}
	e.log.KeyRing().Add(att.NewKeyID, att.NewPublicKey)

	if _, err := e.log.Append(ctx, StreamID(agreementID), ledger.EventContinuityAttestation, att, []crypto.Signer{newKey}); err != nil {
		return nil, err
	}
	e.logger.Info("continuity attestation recorded",
		"agreement_id", agreementID, "agent_id", att.AgentID,
		"old_key_id", att.OldKeyID, "new_key_id", att.NewKeyID)
	return e.project(ctx, agreementID)
}

// Get returns the agreement's derived state. The cache is consulted first but
// a miss always falls back to refolding the stream.
func (e *Engine) Get(ctx context.Context, agreementID string) (*Agreement, error) {
	if a, ok := e.cache.Get(ctx, agreementID); ok {
		return a, nil
	}
	return e.project(ctx, agreementID)
}

// History returns the ordered action log of an agreement.
func (e *Engine) History(ctx context.Context, agreementID string) ([]AgreementAction, error) {
	events, err := e.log.Range(ctx, StreamID(agreementID), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, ledger.ErrNotFound)
	}
	return HistoryFromEvents(events)
}

// checkTransition enforces the action/status table. Invalid transitions reject
// the action without touching the log.
func (e *Engine) checkTransition(a *Agreement, actorID string, act Action) error {
	reject := func(reason string) error {
		return &AgreementStateError{AgreementID: a.AgreementID, Action: act, Status: a.Status, Reason: reason}
	}
	switch act {
	case ActionAccept, ActionDecline, ActionCounter:
		if a.Status != StatusProposed {
			return reject("only a proposed agreement can be " + string(act) + "ed")
		}
	case ActionTerminate:
		if a.Status != StatusActive {
			return reject("only an active agreement can be terminated")
		}
		allowed, err := e.terminator.allows(a.Terms.TerminationTerms.Predicate, actorID, a)
		if err != nil {
			return err
		}
		if !allowed {
			return reject("termination predicate denies actor " + actorID)
		}
	case ActionReaffirm:
		if a.Status != StatusActive {
			return reject("only an active agreement can be reaffirmed")
		}
		if !a.NeedsReaffirmation {
			return reject("agreement is not awaiting reaffirmation")
		}
	case ActionComment:
		if a.Status != StatusProposed && a.Status != StatusActive {
			return reject("comments are only recorded on proposed or active agreements")
		}
	}
	return nil
}

// counter proposes a replacement agreement and marks the original superseded.
// The two appends target different streams, so a crash between them can leave
// a counter-agreement whose original is not yet marked; the linkage in the
// counter's propose payload keeps that recoverable.
func (e *Engine) counter(ctx context.Context, original *Agreement, actor identity.AgentIdentity, signer crypto.Signer, payload map[string]interface{}) (*Agreement, error) {
	var newTerms Terms
	raw, err := json.Marshal(payload["terms"])
	if err != nil || json.Unmarshal(raw, &newTerms) != nil || newTerms.Scope == "" {
		return nil, &AgreementStateError{
			AgreementID: original.AgreementID, Action: ActionCounter, Status: original.Status,
			Reason: "counter payload must carry a full replacement terms document",
		}
	}

	counterAgreement, err := e.propose(ctx, actor, signer, original.Parties, newTerms, original.AgreementID)
	if err != nil {
		return nil, err
	}

	action := AgreementAction{
		ActionID:     "act-" + uuid.NewString(),
		AgreementID:  original.AgreementID,
		ActorPartyID: actor.AgentID,
		Action:       ActionCounter,
		Payload: map[string]interface{}{
			"counter_agreement_id": counterAgreement.AgreementID,
		},
	}
	if _, err := e.appendAction(ctx, original.AgreementID, action, signer); err != nil {
		return nil, err
	}
	e.logger.Info("agreement countered",
		"agreement_id", original.AgreementID, "counter_agreement_id", counterAgreement.AgreementID)
	return counterAgreement, nil
}

// raiseContinuityFlag records the violation in the agreement stream so the
// reaffirmation requirement survives restarts. Flagging is best effort; the
// violation is surfaced to the caller either way.
func (e *Engine) raiseContinuityFlag(ctx context.Context, agreementID string, violation *identity.ContinuityViolation) {
	if e.service == nil {
		e.logger.Warn("no service signer configured, continuity flag not persisted",
			"agreement_id", agreementID, "agent_id", violation.AgentID)
		return
	}
	flag := continuityFlag{
		AgreementID: agreementID,
		PartyID:     violation.AgentID,
		OldKeyID:    violation.BoundKeyID,
		NewKeyID:    violation.PresentedKeyID,
	}
	if _, err := e.log.Append(ctx, StreamID(agreementID), ledger.EventContinuityFlag, flag, []crypto.Signer{e.service}); err != nil {
		e.logger.Error("failed to persist continuity flag",
			"agreement_id", agreementID, "agent_id", violation.AgentID, "error", err)
		return
	}
	e.cache.Invalidate(ctx, agreementID)
	e.logger.Warn("continuity violation flagged, reaffirmation required",
		"agreement_id", agreementID, "agent_id", violation.AgentID,
		"bound_key_id", violation.BoundKeyID, "presented_key_id", violation.PresentedKeyID)
}

func (e *Engine) appendAction(ctx context.Context, agreementID string, action AgreementAction, signer crypto.Signer) (*ledger.Event, error) {
	event, err := e.log.Append(ctx, StreamID(agreementID), ledger.EventAgreementAction, action, []crypto.Signer{signer})
	if err != nil {
		return nil, err
	}
	e.cache.Invalidate(ctx, agreementID)
	return event, nil
}

// project refolds the stream and refreshes the cache.
func (e *Engine) project(ctx context.Context, agreementID string) (*Agreement, error) {
	events, err := e.log.Range(ctx, StreamID(agreementID), 1, 0)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("agreement %s: %w", agreementID, ledger.ErrNotFound)
	}
	a, err := Project(events)
	if err != nil {
		return nil, err
	}
	e.cache.Put(ctx, agreementID, a)
	return a, nil
}

// attestationsFromEvents extracts the verified-later attestation documents
// recorded in a stream.
func attestationsFromEvents(events []*ledger.Event) []identity.ContinuityAttestation {
	var out []identity.ContinuityAttestation
	for _, e := range events {
		if e.Type != ledger.EventContinuityAttestation {
			continue
		}
		var att identity.ContinuityAttestation
		if err := json.Unmarshal(e.Payload, &att); err != nil {
			continue
		}
		out = append(out, att)
	}
	return out
}
