package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer abc", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, ExtractToken(r), tt.header)
	}
}

func TestRequireToken(t *testing.T) {
	v, err := NewValidator(Config{Secret: testSecret, RequiredRole: "operator"}, nil)
	require.NoError(t, err)

	var seen *Principal
	h := RequireToken(v)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	serve := func(token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(http.MethodDelete, "/admin/queue/dead-letters", nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		return rec
	}

	t.Run("missing token", func(t *testing.T) {
		rec := serve("")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")

		var body map[string]string
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "authentication required", body["error"])
	})

	t.Run("bad signature", func(t *testing.T) {
		rec := serve(sign(t, jwt.SigningMethodHS256, []byte("other"), operatorClaims()))
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing role", func(t *testing.T) {
		c := operatorClaims()
		c["roles"] = "viewer"
		rec := serve(sign(t, jwt.SigningMethodHS256, []byte(testSecret), c))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("authorized", func(t *testing.T) {
		rec := serve(sign(t, jwt.SigningMethodHS256, []byte(testSecret), operatorClaims()))
		assert.Equal(t, http.StatusNoContent, rec.Code)
		require.NotNil(t, seen)
		assert.Equal(t, "ops@example.com", seen.Subject)
	})
}

func TestPrincipalFromContext_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, PrincipalFromContext(r.Context()))
}
