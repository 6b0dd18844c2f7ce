package middleware

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const testKeyID = "test-key"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// signToken подписывает claims ключом key.
func signToken(t *testing.T, key *rsa.PrivateKey, claims Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = testKeyID
	s, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("подпись токена: %v", err)
	}
	return s
}

// jwksJSON строит JWKS из публичного RSA ключа.
func jwksJSON(pub *rsa.PublicKey) json.RawMessage {
	data, _ := json.Marshal(map[string]any{
		"keys": []map[string]any{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
	return data
}

// newTestAuth создаёт RSA ключ и JWTAuth, проверяющий подписи этим ключом.
func newTestAuth(t *testing.T) (*JWTAuth, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	kf, err := keyfunc.NewJWKSetJSON(jwksJSON(&key.PublicKey))
	if err != nil {
		t.Fatalf("keyfunc из JWKS: %v", err)
	}
	return NewJWTAuthWithKeyfunc(kf, 5*time.Second, testLogger()), key
}

func validClaims(scopes ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		ScopeArray: scopes,
	}
}

func TestJWTAuth_ValidToken(t *testing.T) {
	auth, key := newTestAuth(t)

	var gotSubject string
	handler := auth.Middleware()(RequireScope(ScopeDevicesRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSubject = SubjectFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, key, validClaims(ScopeDevicesRead)))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("ожидался статус 200, получен %d, тело: %s", rec.Code, rec.Body.String())
	}
	if gotSubject != "operator" {
		t.Errorf("sub = %q, ожидался operator", gotSubject)
	}
}

func TestJWTAuth_Rejects(t *testing.T) {
	auth, key := newTestAuth(t)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}

	expired := validClaims(ScopeDevicesRead)
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))

	noExp := validClaims(ScopeDevicesRead)
	noExp.ExpiresAt = nil

	noSub := validClaims(ScopeDevicesRead)
	noSub.Subject = ""

	tests := []struct {
		name   string
		header string
	}{
		{"нет заголовка", ""},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"без префикса Bearer", "token123"},
		{"пустой токен", "Bearer "},
		{"просроченный токен", "Bearer " + signToken(t, key, expired)},
		{"без exp", "Bearer " + signToken(t, key, noExp)},
		{"без sub", "Bearer " + signToken(t, key, noSub)},
		{"чужая подпись", "Bearer " + signToken(t, other, validClaims(ScopeDevicesRead))},
	}

	handler := auth.Middleware()(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Error("handler не должен быть вызван")
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/devices", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("ожидался статус 401, получен %d", rec.Code)
			}
		})
	}
}

func TestRequireScope(t *testing.T) {
	tests := []struct {
		name   string
		scopes []string
		set    bool
		want   int
	}{
		{"scope есть", []string{"events:read", ScopeDevicesRead}, true, http.StatusOK},
		{"scope нет", []string{"events:read"}, true, http.StatusForbidden},
		{"scopes нет в контексте", nil, false, http.StatusForbidden},
	}

	handler := RequireScope(ScopeDevicesRead)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			if tt.set {
				ctx = context.WithValue(ctx, ContextKeyScopes, tt.scopes)
			}
			req := httptest.NewRequest(http.MethodGet, "/", nil).WithContext(ctx)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Errorf("статус %d, ожидался %d", rec.Code, tt.want)
			}
		})
	}
}

func TestClaims_Scopes(t *testing.T) {
	c := Claims{ScopeString: "openid  devices:read", ScopeArray: []string{"extra"}}
	got := c.Scopes()
	want := []string{"openid", "devices:read", "extra"}
	if len(got) != len(want) {
		t.Fatalf("scopes = %v, ожидалось %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("scopes[%d] = %q, ожидалось %q", i, got[i], want[i])
		}
	}
}
