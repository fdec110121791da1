// AngelaMos | 2026
// auth_test.go

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carterperez-dev/entitlement-engine/internal/core"
)

type stubVerifier map[string]*Identity

func (v stubVerifier) Verify(_ context.Context, token string) (*Identity, error) {
	if token == "expired" {
		return nil, fmt.Errorf("verify: %w", core.ErrTokenExpired)
	}
	if id, ok := v[token]; ok {
		cp := *id
		return &cp, nil
	}
	return nil, fmt.Errorf("verify: %w", core.ErrTokenInvalid)
}

type stubToucher struct {
	roles map[string]string
	err   error
	seen  []string
}

func (t *stubToucher) Touch(_ context.Context, id *Identity) error {
	t.seen = append(t.seen, id.UserID)
	if t.err != nil {
		return t.err
	}
	if role, ok := t.roles[id.UserID]; ok {
		id.Role = role
	}
	return nil
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp core.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return resp.Error.Code
}

func echoUser(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(GetUserID(r.Context()) + ":" + GetUserRole(r.Context())))
}

func TestAuthenticator(t *testing.T) {
	verifier := stubVerifier{
		"good": {UserID: "u1", Role: RoleStandard},
	}

	tests := []struct {
		name   string
		header string
		status int
		code   string
		body   string
	}{
		{"valid bearer", "Bearer good", http.StatusOK, "", "u1:standard"},
		{"lowercase scheme", "bearer good", http.StatusOK, "", "u1:standard"},
		{"missing header", "", http.StatusUnauthorized, core.CodeUnauthorized, ""},
		{"wrong scheme", "Basic good", http.StatusUnauthorized, core.CodeUnauthorized, ""},
		{"expired", "Bearer expired", http.StatusUnauthorized, core.CodeTokenExpired, ""},
		{"invalid", "Bearer forged", http.StatusUnauthorized, core.CodeTokenInvalid, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := Authenticator(verifier, nil)(http.HandlerFunc(echoUser))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errorCode(t, w))
			} else {
				assert.Equal(t, tt.body, w.Body.String())
			}
		})
	}
}

func TestAuthenticatorUsesStoredRole(t *testing.T) {
	verifier := stubVerifier{"good": {UserID: "u1", Role: RoleStandard}}
	toucher := &stubToucher{roles: map[string]string{"u1": RoleAdministrator}}

	h := Authenticator(verifier, toucher)(RequireAdmin(http.HandlerFunc(echoUser)))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "u1:administrator", w.Body.String())
	assert.Equal(t, []string{"u1"}, toucher.seen)
}

func TestAuthenticatorToleratesTouchFailure(t *testing.T) {
	verifier := stubVerifier{"good": {UserID: "u1", Role: RoleStandard}}
	toucher := &stubToucher{err: errors.New("database down")}

	h := Authenticator(verifier, toucher)(http.HandlerFunc(echoUser))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name   string
		id     *Identity
		status int
	}{
		{"anonymous", nil, http.StatusUnauthorized},
		{"standard", &Identity{UserID: "u1", Role: RoleStandard}, http.StatusForbidden},
		{"administrator", &Identity{UserID: "u2", Role: RoleAdministrator}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.id != nil {
				req = req.WithContext(WithIdentity(req.Context(), tt.id))
			}
			w := httptest.NewRecorder()
			RequireAdmin(http.HandlerFunc(echoUser)).ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestIdentityAccessors(t *testing.T) {
	ctx := context.Background()
	assert.Nil(t, GetIdentity(ctx))
	assert.Empty(t, GetUserID(ctx))
	assert.False(t, IsAdmin(ctx))

	ctx = WithIdentity(ctx, &Identity{UserID: "u9", Role: RoleAdministrator})
	assert.Equal(t, "u9", GetUserID(ctx))
	assert.True(t, IsAdmin(ctx))
}
