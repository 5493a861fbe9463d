// Package agreement implements the voluntary-agreement lifecycle: a state
// machine over Agreement entities driven by propose/accept/decline/counter/
// comment/reaffirm/terminate actions. Every transition is recorded as a VAR
// event; the Agreement's current status is a pure fold over its ordered
// action log and is never mutated out of band.
package agreement

import (
	"fmt"

	"github.com/openvar/varledger/pkg/identity"
)

// Status is the derived lifecycle state of an Agreement.
type Status string

const (
	StatusProposed   Status = "PROPOSED"
	StatusActive     Status = "ACTIVE"
	StatusDeclined   Status = "DECLINED"
	StatusSuperseded Status = "SUPERSEDED"
	StatusTerminated Status = "TERMINATED"
)

// Action is the closed set of agreement actions.
type Action string

const (
	ActionPropose   Action = "propose"
	ActionAccept    Action = "accept"
	ActionDecline   Action = "decline"
	ActionCounter   Action = "counter"
	ActionComment   Action = "comment"
	ActionReaffirm  Action = "reaffirm"
	ActionTerminate Action = "terminate"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionPropose, ActionAccept, ActionDecline, ActionCounter,
		ActionComment, ActionReaffirm, ActionTerminate:
		return true
	}
	return false
}

// Party is one participant in an agreement, with the identity snapshot bound
// at proposal time. Required parties must accept before activation.
type Party struct {
	Identity identity.AgentIdentity `json:"identity"`
	Role     string                 `json:"role,omitempty"`
	Required bool                   `json:"required"`
}

// TerminationTerms govern who may terminate an active agreement. Predicate,
// when set, is a CEL expression over the acting party ("actor"), the derived
// status ("status"), and the party ids ("parties"); it must evaluate to true
// for the termination to be accepted.
type TerminationTerms struct {
	Policy    string `json:"policy,omitempty"`
	Predicate string `json:"predicate,omitempty"`
}

// Terms is the substance of an agreement.
type Terms struct {
	Scope            string           `json:"scope"`
	Commitments      []string         `json:"commitments,omitempty"`
	Constraints      []string         `json:"constraints,omitempty"`
	Benefits         []string         `json:"benefits,omitempty"`
	TerminationTerms TerminationTerms `json:"termination_terms,omitempty"`
	VersioningTerms  string           `json:"versioning_terms,omitempty"`
}

// Agreement is a derived, recomputable projection over the action log. It may
// be cached but is never the source of truth.
type Agreement struct {
	AgreementID        string   `json:"agreement_id"`
	Parties            []Party  `json:"parties"`
	Terms              Terms    `json:"terms"`
	Status             Status   `json:"status"`
	NeedsReaffirmation bool     `json:"needs_reaffirmation"`
	FlaggedParties     []string `json:"flagged_parties,omitempty"`
	AcceptedBy         []string `json:"accepted_by,omitempty"`
	CounterOf          string   `json:"counter_of,omitempty"`
	CounteredBy        string   `json:"countered_by,omitempty"`
	CreatedAt          string   `json:"created_at"`
	UpdatedAt          string   `json:"updated_at"`
}

// Party returns the party with the given agent id.
func (a *Agreement) Party(agentID string) (Party, bool) {
	for _, p := range a.Parties {
		if p.Identity.AgentID == agentID {
			return p, true
		}
	}
	return Party{}, false
}

// Flagged reports whether the party is awaiting reaffirmation after a
// continuity violation.
func (a *Agreement) Flagged(agentID string) bool {
	for _, id := range a.FlaggedParties {
		if id == agentID {
			return true
		}
	}
	return false
}

// RequiredParties lists the agent ids whose acceptance gates activation.
func (a *Agreement) RequiredParties() []string {
	var out []string
	for _, p := range a.Parties {
		if p.Required {
			out = append(out, p.Identity.AgentID)
		}
	}
	return out
}

// AgreementAction is one recorded lifecycle action, always emitted as a VAR
// event with event_type agreement_action.
type AgreementAction struct {
	ActionID     string                 `json:"action_id"`
	AgreementID  string                 `json:"agreement_id"`
	ActorPartyID string                 `json:"actor_party_id"`
	Action       Action                 `json:"action"`
	Payload      map[string]interface{} `json:"payload,omitempty"`
	Timestamp    string                 `json:"timestamp"`
}

// AgreementStateError reports an action that is invalid for the agreement's
// current derived status. The action is rejected; the agreement is unchanged.
type AgreementStateError struct {
	AgreementID string
	Action      Action
	Status      Status
	Reason      string
}

func (e *AgreementStateError) Error() string {
	return fmt.Sprintf("agreement %s: action %q invalid in status %s: %s",
		e.AgreementID, e.Action, e.Status, e.Reason)
}

// StreamID returns the record-store stream holding an agreement's events.
func StreamID(agreementID string) string {
	return "agreement/" + agreementID
}
