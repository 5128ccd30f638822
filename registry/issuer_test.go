package registry

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/types"
)

func testNode() *Node {
	return &Node{
		ID:      1,
		UUID:    "aaaaaaaa-bbbb-cccc-dddd-eeeeeeeeeeee",
		Name:    "node-1",
		Token:   "super-secret-node-token",
		TokenID: "abcdef0123456789",
	}
}

func TestIssuer_IssueAndVerify(t *testing.T) {
	issuer := NewIssuer(config.DefaultTokenConfig())
	node := testNode()

	signed, err := issuer.IssueAgentCredential(node, "user-42", "srv-uuid-1", ScopeConsole, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, signed.Token)
	assert.Equal(t, ScopeConsole, signed.Scope)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), signed.ExpiresAt, 5*time.Second)

	claims, err := issuer.VerifyAgentCredential(node, signed.Token)
	require.NoError(t, err)
	assert.Equal(t, "user-42", claims.Subject)
	assert.Equal(t, "srv-uuid-1", claims.ServerUUID)
	assert.Equal(t, ScopeConsole, claims.Scope)
	assert.Contains(t, claims.Audience, node.UUID)
}

func TestIssuer_FileUploadScope(t *testing.T) {
	issuer := NewIssuer(config.DefaultTokenConfig())
	node := testNode()

	signed, err := issuer.IssueAgentCredential(node, "user-42", "srv-uuid-1", ScopeFileUpload, 0)
	require.NoError(t, err)

	claims, err := issuer.VerifyAgentCredential(node, signed.Token)
	require.NoError(t, err)
	assert.Equal(t, ScopeFileUpload, claims.Scope)
}

func TestIssuer_TTLClamping(t *testing.T) {
	issuer := NewIssuer(config.TokenConfig{
		Issuer: "nodeflow", DefaultTTL: 10 * time.Minute, MaxTTL: 30 * time.Minute,
	})
	node := testNode()

	signed, err := issuer.IssueAgentCredential(node, "u", "", ScopeSFTP, 4*time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(30*time.Minute), signed.ExpiresAt, 5*time.Second)
}

func TestIssuer_Validation(t *testing.T) {
	issuer := NewIssuer(config.DefaultTokenConfig())
	node := testNode()

	_, err := issuer.IssueAgentCredential(nil, "u", "", ScopeConsole, 0)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = issuer.IssueAgentCredential(node, "", "", ScopeConsole, 0)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))

	_, err = issuer.IssueAgentCredential(node, "u", "", Scope("root"), 0)
	assert.Equal(t, types.ErrValidation, types.GetErrorCode(err))
}

func TestIssuer_VerifyRejectsWrongSecret(t *testing.T) {
	issuer := NewIssuer(config.DefaultTokenConfig())
	node := testNode()

	signed, err := issuer.IssueAgentCredential(node, "u", "", ScopeTransfer, 0)
	require.NoError(t, err)

	other := testNode()
	other.Token = "a-different-secret"
	_, err = issuer.VerifyAgentCredential(other, signed.Token)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}

func TestIssuer_VerifyRejectsExpired(t *testing.T) {
	node := testNode()

	// hand-craft an expired token with the node's secret
	claims := AgentClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "nodeflow",
			Subject:   "u",
			Audience:  jwt.ClaimStrings{node.UUID},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
		Scope: ScopeConsole,
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(node.Token))
	require.NoError(t, err)

	issuer := NewIssuer(config.DefaultTokenConfig())
	_, err = issuer.VerifyAgentCredential(node, raw)
	assert.Equal(t, types.ErrUnauthorized, types.GetErrorCode(err))
}
