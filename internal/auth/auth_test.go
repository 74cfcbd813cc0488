package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func protectedHandler(t *testing.T, wantUserID string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := UserID(r.Context()); got != wantUserID {
			t.Errorf("user id in context = %q, want %q", got, wantUserID)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddleware(t *testing.T) {
	handler := Middleware(testSecret)(protectedHandler(t, "user-1"))

	tests := []struct {
		name   string
		header string
		status int
	}{
		{
			"valid token",
			"Bearer " + signToken(t, Claims{UserID: "user-1"}, testSecret),
			http.StatusOK,
		},
		{"missing header", "", http.StatusUnauthorized},
		{"not bearer", "Basic abc", http.StatusUnauthorized},
		{
			"wrong secret",
			"Bearer " + signToken(t, Claims{UserID: "user-1"}, "other"),
			http.StatusUnauthorized,
		},
		{
			"expired",
			"Bearer " + signToken(t, Claims{
				UserID: "user-1",
				RegisteredClaims: jwt.RegisteredClaims{
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour)),
				},
			}, testSecret),
			http.StatusUnauthorized,
		},
		{
			"no user id",
			"Bearer " + signToken(t, Claims{}, testSecret),
			http.StatusUnauthorized,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	chain := Middleware(testSecret)(RequireAdmin(inner))

	adminToken := signToken(t, Claims{UserID: "admin-1", Role: RoleAdmin}, testSecret)
	userToken := signToken(t, Claims{UserID: "user-1"}, testSecret)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("admin status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+userToken)
	rec = httptest.NewRecorder()
	chain.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-admin status = %d, want 403", rec.Code)
	}
}

func TestServiceSecret(t *testing.T) {
	inner := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := ServiceSecret("svc-secret")(inner)

	// The primary form: the shared secret as a bearer credential.
	req := httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer svc-secret")
	req.Header.Set("X-Service-Name", "user-service")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer secret status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong bearer secret status = %d, want 401", rec.Code)
	}

	// The header alias older callers still send.
	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-Service-Secret", "svc-secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("valid secret status = %d, want 200", rec.Code)
	}

	req = httptest.NewRequest("POST", "/", nil)
	req.Header.Set("X-Service-Secret", "wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret status = %d, want 401", rec.Code)
	}

	// An empty configured secret never matches, even an empty header.
	empty := ServiceSecret("")(inner)
	req = httptest.NewRequest("POST", "/", nil)
	rec = httptest.NewRecorder()
	empty.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("empty secret status = %d, want 401", rec.Code)
	}
}
