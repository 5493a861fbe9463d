package agreement_test

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvar/varledger/pkg/agreement"
	"github.com/openvar/varledger/pkg/identity"
	"github.com/openvar/varledger/pkg/ledger"
)

func partyIdentity(agentID string) identity.AgentIdentity {
	return identity.AgentIdentity{
		AgentID:   agentID,
		KeyID:     agentID + "-key",
		PublicKey: "unused",
	}
}

func actionEvent(t *testing.T, seq uint64, action agreement.AgreementAction) *ledger.Event {
	t.Helper()
	raw, err := json.Marshal(action)
	require.NoError(t, err)
	return &ledger.Event{
		EventID:   fmt.Sprintf("evt-%d", seq),
		StreamID:  agreement.StreamID(action.AgreementID),
		Seq:       seq,
		Type:      ledger.EventAgreementAction,
		Payload:   raw,
		Timestamp: fmt.Sprintf("2025-03-01T12:00:%02dZ", seq),
	}
}

func proposeEvent(t *testing.T, agreementID string, agentIDs []string) *ledger.Event {
	t.Helper()
	parties := make([]agreement.Party, 0, len(agentIDs))
	for _, id := range agentIDs {
		parties = append(parties, agreement.Party{
			Identity: partyIdentity(id),
			Required: true,
		})
	}
	return actionEvent(t, 1, agreement.AgreementAction{
		ActionID:     "act-propose",
		AgreementID:  agreementID,
		ActorPartyID: agentIDs[0],
		Action:       agreement.ActionPropose,
		Payload: map[string]interface{}{
			"parties": parties,
			"terms":   agreement.Terms{Scope: "test scope"},
		},
	})
}

func TestProjectFoldIsIdempotent(t *testing.T) {
	events := []*ledger.Event{
		proposeEvent(t, "agr-1", []string{"a", "b"}),
		actionEvent(t, 2, agreement.AgreementAction{
			ActionID: "act-2", AgreementID: "agr-1", ActorPartyID: "a", Action: agreement.ActionAccept,
		}),
		actionEvent(t, 3, agreement.AgreementAction{
			ActionID: "act-3", AgreementID: "agr-1", ActorPartyID: "b", Action: agreement.ActionAccept,
		}),
	}

	first, err := agreement.Project(events)
	require.NoError(t, err)
	second, err := agreement.Project(events)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, agreement.StatusActive, first.Status)
}

func TestProjectSkipsInvalidActions(t *testing.T) {
	events := []*ledger.Event{
		proposeEvent(t, "agr-1", []string{"a", "b"}),
		// Terminate before activation is invalid and must be a no-op.
		actionEvent(t, 2, agreement.AgreementAction{
			ActionID: "act-2", AgreementID: "agr-1", ActorPartyID: "a", Action: agreement.ActionTerminate,
		}),
		// Accept from a non-party is ignored.
		actionEvent(t, 3, agreement.AgreementAction{
			ActionID: "act-3", AgreementID: "agr-1", ActorPartyID: "z", Action: agreement.ActionAccept,
		}),
		actionEvent(t, 4, agreement.AgreementAction{
			ActionID: "act-4", AgreementID: "agr-1", ActorPartyID: "a", Action: agreement.ActionAccept,
		}),
	}

	a, err := agreement.Project(events)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusProposed, a.Status)
	assert.Equal(t, []string{"a"}, a.AcceptedBy)
}

func TestProjectDuplicateAcceptIsIdempotent(t *testing.T) {
	events := []*ledger.Event{
		proposeEvent(t, "agr-1", []string{"a", "b"}),
		actionEvent(t, 2, agreement.AgreementAction{
			ActionID: "act-2", AgreementID: "agr-1", ActorPartyID: "a", Action: agreement.ActionAccept,
		}),
		actionEvent(t, 3, agreement.AgreementAction{
			ActionID: "act-3", AgreementID: "agr-1", ActorPartyID: "a", Action: agreement.ActionAccept,
		}),
	}

	a, err := agreement.Project(events)
	require.NoError(t, err)
	assert.Equal(t, agreement.StatusProposed, a.Status)
	assert.Equal(t, []string{"a"}, a.AcceptedBy)
}

func TestProjectEmptyLog(t *testing.T) {
	_, err := agreement.Project(nil)
	require.Error(t, err)
}

// Activation must not depend on the order in which required parties accept.
func TestProjectAcceptOrderIndependence(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("any accept permutation activates", prop.ForAll(
		func(nParties int, permSeed int64) bool {
			ids := make([]string, nParties)
			for i := range ids {
				ids[i] = fmt.Sprintf("party-%d", i)
			}

			order := rand.New(rand.NewSource(permSeed)).Perm(nParties)
			events := []*ledger.Event{proposeEvent(t, "agr-p", ids)}
			for i, idx := range order {
				events = append(events, actionEvent(t, uint64(i+2), agreement.AgreementAction{
					ActionID:     fmt.Sprintf("act-%d", i),
					AgreementID:  "agr-p",
					ActorPartyID: ids[idx],
					Action:       agreement.ActionAccept,
				}))
			}

			a, err := agreement.Project(events)
			return err == nil && a.Status == agreement.StatusActive && len(a.AcceptedBy) == nParties
		},
		gen.IntRange(2, 6),
		gen.Int64(),
	))

	properties.TestingRun(t)
}
