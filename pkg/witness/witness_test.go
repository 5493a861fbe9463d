package witness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openvar/varledger/pkg/canonical"
	"github.com/openvar/varledger/pkg/crypto"
)

func TestAttestAndVerify(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("wit-k1")
	require.NoError(t, err)
	w := NewEd25519Witness("notary-1", signer, 0)

	root := canonical.HashBytes([]byte("session"))
	sig, err := w.Attest(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, "notary-1", sig.WitnessID)
	assert.Equal(t, "wit-k1", sig.KeyID)

	reports := VerifySignatures(root, []Signature{sig}, map[string]string{"wit-k1": signer.PublicKeyHex()})
	require.Len(t, reports, 1)
	assert.True(t, reports[0].Valid)
}

func TestInvalidWitnessSignatureReportedNotFatal(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("wit-k1")
	require.NoError(t, err)
	w := NewEd25519Witness("notary-1", signer, 0)

	root := canonical.HashBytes([]byte("session"))
	sig, err := w.Attest(context.Background(), root)
	require.NoError(t, err)

	// Signature over a different root: reported invalid, no error raised.
	otherRoot := canonical.HashBytes([]byte("other"))
	reports := VerifySignatures(otherRoot, []Signature{sig}, map[string]string{"wit-k1": signer.PublicKeyHex()})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Valid)
	assert.NotEmpty(t, reports[0].Reason)

	// Unknown key: also a report, not a failure.
	reports = VerifySignatures(root, []Signature{sig}, map[string]string{})
	require.Len(t, reports, 1)
	assert.False(t, reports[0].Valid)
}

func TestAttestHonorsContextCancellation(t *testing.T) {
	signer, err := crypto.NewEd25519Signer("wit-k1")
	require.NoError(t, err)
	// One attestation per 10s: the second call must block and time out.
	w := NewEd25519Witness("slow-notary", signer, 0.1)

	root := canonical.HashBytes([]byte("session"))
	_, err = w.Attest(context.Background(), root)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = w.Attest(ctx, root)
	assert.Error(t, err)
}
