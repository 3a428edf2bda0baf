package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRouter(issuer *TokenIssuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	h := NewHandler(issuer, true, zap.NewNop())
	protected := r.Group("/", Middleware(issuer))
	RegisterRoutes(r.Group("/"), protected, h)
	return r
}

func TestMiddlewareResolvesPrincipal(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	r := setupRouter(issuer)

	token, err := issuer.Issue(Principal{ParticipantID: "farmer-1", Role: RoleFarmer})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var p Principal
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	assert.Equal(t, "farmer-1", p.ParticipantID)
	assert.Equal(t, RoleFarmer, p.Role)
}

func TestMiddlewareAcceptsQueryToken(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	r := setupRouter(issuer)

	token, err := issuer.Issue(Principal{ParticipantID: "buyer-1", Role: RoleBuyer})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/me?access_token="+token, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMiddlewareRejectsBadTokens(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	r := setupRouter(issuer)

	other, err := NewTokenIssuer("other-secret", time.Hour).Issue(Principal{ParticipantID: "x", Role: RoleBuyer})
	require.NoError(t, err)
	expired, err := NewTokenIssuer("test-secret", -time.Minute).Issue(Principal{ParticipantID: "x", Role: RoleBuyer})
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"wrong secret": "Bearer " + other,
		"expired":      "Bearer " + expired,
		"not bearer":   "Basic abc",
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if header != "" {
				req.Header.Set("Authorization", header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
		})
	}
}

func TestIssueTokenEndpoint(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Hour)
	r := setupRouter(issuer)

	body := strings.NewReader(`{"participant_id":"buyer-7","role":"buyer"}`)
	req := httptest.NewRequest(http.MethodPost, "/auth/token", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	p, err := issuer.Parse(resp["token"])
	require.NoError(t, err)
	assert.Equal(t, "buyer-7", p.ParticipantID)

	bad := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(`{"participant_id":"x","role":"admin"}`))
	bad.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, bad)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
