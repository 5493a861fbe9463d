package agreement

import (
	"encoding/json"
	"fmt"

	"github.com/openvar/varledger/pkg/identity"
	"github.com/openvar/varledger/pkg/ledger"
)

// Project folds an agreement's ordered stream events into its derived state.
// The fold is pure and idempotent: recomputing from the same log always
// yields the same Agreement, and the order of two independent parties'
// accepts does not change the outcome.
//
// Invalid or out-of-order actions that slip into the log are skipped rather
// than failing the fold: the engine rejects them at submission time, and the
// projection must remain total over whatever the log contains.
func Project(events []*ledger.Event) (*Agreement, error) {
	state := &foldState{
		accepted:   make(map[string]bool),
		reaffirmed: make(map[string]bool),
		flagged:    make(map[string]bool),
	}

	for _, e := range events {
		switch e.Type {
		case ledger.EventAgreementAction:
			var action AgreementAction
			if err := json.Unmarshal(e.Payload, &action); err != nil {
				return nil, fmt.Errorf("event %s: malformed agreement action: %w", e.EventID, err)
			}
			// The signed event timestamp is authoritative for the action.
			action.Timestamp = e.Timestamp
			state.apply(action)
		case ledger.EventContinuityFlag:
			var flag continuityFlag
			if err := json.Unmarshal(e.Payload, &flag); err != nil {
				return nil, fmt.Errorf("event %s: malformed continuity flag: %w", e.EventID, err)
			}
			state.flagParty(flag.PartyID)
		case ledger.EventContinuityAttestation:
			var att attestationRecord
			if err := json.Unmarshal(e.Payload, &att); err != nil {
				return nil, fmt.Errorf("event %s: malformed attestation record: %w", e.EventID, err)
			}
			state.clearFlag(att.AgentID)
		}
		if state.agreement != nil {
			state.agreement.UpdatedAt = e.Timestamp
		}
	}

	if state.agreement == nil {
		return nil, fmt.Errorf("no propose action in log: %w", ledger.ErrNotFound)
	}
	state.finish()
	return state.agreement, nil
}

// HistoryFromEvents extracts the ordered AgreementAction list from a stream.
func HistoryFromEvents(events []*ledger.Event) ([]AgreementAction, error) {
	var out []AgreementAction
	for _, e := range events {
		if e.Type != ledger.EventAgreementAction {
			continue
		}
		var action AgreementAction
		if err := json.Unmarshal(e.Payload, &action); err != nil {
			return nil, fmt.Errorf("event %s: malformed agreement action: %w", e.EventID, err)
		}
		action.Timestamp = e.Timestamp
		out = append(out, action)
	}
	return out, nil
}

// continuityFlag is the payload of a continuity_flag event.
type continuityFlag struct {
	AgreementID string `json:"agreement_id"`
	PartyID     string `json:"party_id"`
	OldKeyID    string `json:"old_key_id"`
	NewKeyID    string `json:"new_key_id"`
}

// attestationRecord is the payload of a continuity_attestation event as
// recorded in an agreement stream.
type attestationRecord struct {
	AgentID  string `json:"agent_id"`
	OldKeyID string `json:"old_key_id"`
	NewKeyID string `json:"new_key_id"`
}

type foldState struct {
	agreement  *Agreement
	accepted   map[string]bool
	reaffirmed map[string]bool
	flagged    map[string]bool
}

func (s *foldState) apply(action AgreementAction) {
	if s.agreement == nil {
		if action.Action != ActionPropose {
			return
		}
		s.agreement = proposeFromPayload(action)
		return
	}

	a := s.agreement
	switch action.Action {
	case ActionAccept:
		if a.Status != StatusProposed {
			return
		}
		if _, ok := a.Party(action.ActorPartyID); !ok {
			return
		}
		s.accepted[action.ActorPartyID] = true
		if s.allRequired(s.accepted) {
			a.Status = StatusActive
		}
	case ActionDecline:
		if a.Status != StatusProposed {
			return
		}
		if _, ok := a.Party(action.ActorPartyID); !ok {
			return
		}
		a.Status = StatusDeclined
	case ActionCounter:
		if a.Status != StatusProposed {
			return
		}
		a.Status = StatusSuperseded
		if id, ok := action.Payload["counter_agreement_id"].(string); ok {
			a.CounteredBy = id
		}
	case ActionTerminate:
		if a.Status != StatusActive {
			return
		}
		a.Status = StatusTerminated
	case ActionReaffirm:
		if a.Status != StatusActive || len(s.flagged) == 0 {
			return
		}
		idx := -1
		for i := range a.Parties {
			if a.Parties[i].Identity.AgentID == action.ActorPartyID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		// Re-signing under a new identity rebinds the party's snapshot; the
		// reaffirm payload carries the identity the action was signed under.
		if raw, err := json.Marshal(action.Payload["identity"]); err == nil {
			var id identity.AgentIdentity
			if json.Unmarshal(raw, &id) == nil && id.AgentID == action.ActorPartyID && id.KeyID != "" {
				a.Parties[idx].Identity = id
			}
		}
		s.reaffirmed[action.ActorPartyID] = true
		if s.allRequired(s.reaffirmed) {
			s.flagged = make(map[string]bool)
			s.reaffirmed = make(map[string]bool)
		}
	case ActionComment, ActionPropose:
		// Comments carry no state; a second propose is ignored.
	}
}

func (s *foldState) allRequired(set map[string]bool) bool {
	required := s.agreement.RequiredParties()
	if len(required) == 0 {
		return false
	}
	for _, id := range required {
		if !set[id] {
			return false
		}
	}
	return true
}

func (s *foldState) flagParty(partyID string) {
	s.flagged[partyID] = true
	// A raised flag restarts any reaffirmation round in progress.
	s.reaffirmed = make(map[string]bool)
}

func (s *foldState) clearFlag(partyID string) {
	delete(s.flagged, partyID)
}

func (s *foldState) finish() {
	a := s.agreement
	a.NeedsReaffirmation = len(s.flagged) > 0
	a.FlaggedParties = a.FlaggedParties[:0]
	for _, p := range a.Parties {
		if s.flagged[p.Identity.AgentID] {
			a.FlaggedParties = append(a.FlaggedParties, p.Identity.AgentID)
		}
	}
	a.AcceptedBy = a.AcceptedBy[:0]
	for _, p := range a.Parties {
		if s.accepted[p.Identity.AgentID] {
			a.AcceptedBy = append(a.AcceptedBy, p.Identity.AgentID)
		}
	}
}

func proposeFromPayload(action AgreementAction) *Agreement {
	a := &Agreement{
		AgreementID: action.AgreementID,
		Status:      StatusProposed,
		CreatedAt:   action.Timestamp,
		UpdatedAt:   action.Timestamp,
	}
	// The propose payload carries the full parties and terms documents so the
	// agreement is recomputable from the log alone.
	if raw, err := json.Marshal(action.Payload["parties"]); err == nil {
		_ = json.Unmarshal(raw, &a.Parties)
	}
	if raw, err := json.Marshal(action.Payload["terms"]); err == nil {
		_ = json.Unmarshal(raw, &a.Terms)
	}
	if counterOf, ok := action.Payload["counter_of"].(string); ok {
		a.CounterOf = counterOf
	}
	return a
}
