package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/nodeflow/audit"
	"github.com/BaSui01/nodeflow/config"
	"github.com/BaSui01/nodeflow/fleet"
	"github.com/BaSui01/nodeflow/registry"
)

func newCredentialEnv(t *testing.T) (*CredentialHandler, *registry.Node, *registry.Issuer) {
	t.Helper()
	db := setupTestDB(t)

	node := &registry.Node{
		UUID: "node-1", Name: "n1", Scheme: "http", FQDN: "n1.local", DaemonPort: 8080,
		TokenID: "tok", Token: "node-shared-secret",
	}
	require.NoError(t, db.Create(node).Error)
	require.NoError(t, db.Create(&fleet.ManagedServer{
		UUID: "srv-1", Name: "one", NodeID: node.ID, OwnerID: 1, EggID: 1,
	}).Error)

	nodes := registry.NewService(db, audit.NopRecorder{}, zap.NewNop())
	issuer := registry.NewIssuer(config.TokenConfig{DefaultTTL: 15 * time.Minute, MaxTTL: time.Hour})
	handler := NewCredentialHandler(db, nodes, issuer, audit.NopRecorder{}, zap.NewNop())
	return handler, node, issuer
}

func TestCredentialHandler_IssueConsoleToken(t *testing.T) {
	handler, node, issuer := newCredentialEnv(t)

	w := httptest.NewRecorder()
	handler.HandleIssue(w, jsonRequest(t, http.MethodPost, "/api/credentials", credentialRequest{
		ServerUUID: "srv-1",
		Scope:      "console",
		TTLSeconds: 300,
	}))

	require.Equal(t, http.StatusOK, w.Code)
	var signed registry.SignedToken
	decodeData(t, w, &signed)
	assert.NotEmpty(t, signed.Token)
	assert.Equal(t, registry.ScopeConsole, signed.Scope)
	assert.WithinDuration(t, time.Now().Add(5*time.Minute), signed.ExpiresAt, 10*time.Second)

	// 凭证能通过节点密钥的无状态校验，且作用域与服务器绑定正确
	claims, err := issuer.VerifyAgentCredential(node, signed.Token)
	require.NoError(t, err)
	assert.Equal(t, "srv-1", claims.ServerUUID)
	assert.Equal(t, registry.ScopeConsole, claims.Scope)
}

func TestCredentialHandler_RejectsUnknownScope(t *testing.T) {
	handler, _, _ := newCredentialEnv(t)

	w := httptest.NewRecorder()
	handler.HandleIssue(w, jsonRequest(t, http.MethodPost, "/api/credentials", credentialRequest{
		ServerUUID: "srv-1",
		Scope:      "root",
	}))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCredentialHandler_RejectsUnknownServer(t *testing.T) {
	handler, _, _ := newCredentialEnv(t)

	w := httptest.NewRecorder()
	handler.HandleIssue(w, jsonRequest(t, http.MethodPost, "/api/credentials", credentialRequest{
		ServerUUID: "srv-missing",
		Scope:      "console",
	}))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
