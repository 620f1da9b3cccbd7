package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret-that-is-long-enough-for-testing")

func newTestService(t *testing.T) *JWTService {
	t.Helper()
	svc, err := NewJWTService(testSecret)
	if err != nil {
		t.Fatalf("NewJWTService() error = %v", err)
	}
	return svc
}

func TestNewJWTService(t *testing.T) {
	tests := []struct {
		name    string
		secret  []byte
		wantErr error
	}{
		{"valid secret", testSecret, nil},
		{"short secret", []byte("short"), nil},
		{"empty secret", []byte{}, ErrMissingSecret},
		{"nil secret", nil, ErrMissingSecret},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewJWTService(tt.secret); !errors.Is(err, tt.wantErr) {
				t.Errorf("NewJWTService() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestGenerateToken_Claims(t *testing.T) {
	svc := newTestService(t)
	issued := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return issued }

	token, err := svc.GenerateToken("alice")
	if err != nil {
		t.Fatalf("GenerateToken() error = %v", err)
	}

	claims := &Claims{}
	_, _, err = jwt.NewParser().ParseUnverified(token, claims)
	if err != nil {
		t.Fatalf("ParseUnverified() error = %v", err)
	}
	if claims.Owner() != "alice" || claims.Subject != "alice" {
		t.Errorf("owner = %q subject = %q, want alice", claims.Owner(), claims.Subject)
	}
	if claims.Issuer != tokenIssuer {
		t.Errorf("issuer = %q, want %q", claims.Issuer, tokenIssuer)
	}
	if got := claims.ExpiresAt.Time; !got.Equal(issued.Add(tokenLifetime)) {
		t.Errorf("expires at %v, want %v", got, issued.Add(tokenLifetime))
	}
}

func TestGenerateToken_EmptyUsername(t *testing.T) {
	svc := newTestService(t)

	if _, err := svc.GenerateToken(""); !errors.Is(err, ErrEmptyUsername) {
		t.Errorf("GenerateToken(\"\") error = %v, want %v", err, ErrEmptyUsername)
	}
}

func TestValidateToken(t *testing.T) {
	svc := newTestService(t)
	valid, _ := svc.GenerateToken("alice")

	other, _ := NewJWTService([]byte("secret-two-that-is-different"))
	foreign, _ := other.GenerateToken("alice")

	stale := newTestService(t)
	stale.now = func() time.Time { return time.Now().Add(-2 * tokenLifetime) }
	expired, _ := stale.GenerateToken("alice")

	noOwner, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
	}).SignedString(testSecret)

	hs512, _ := jwt.NewWithClaims(jwt.SigningMethodHS512, &Claims{Username: "alice"}).SignedString(testSecret)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", valid, false},
		{"empty", "", true},
		{"not a jwt", "not-a-jwt", true},
		{"signed with another secret", foreign, true},
		{"expired", expired, true},
		{"no owner", noOwner, true},
		{"unexpected algorithm", hs512, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := svc.ValidateToken(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidToken) {
					t.Errorf("ValidateToken() error = %v, want ErrInvalidToken", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() error = %v", err)
			}
			if claims.Owner() != "alice" {
				t.Errorf("Owner() = %q, want alice", claims.Owner())
			}
		})
	}
}

func TestClaims_Owner(t *testing.T) {
	tests := []struct {
		name   string
		claims Claims
		want   string
	}{
		{"user id wins", Claims{Username: "u", UserID: "id-1"}, "id-1"},
		{"subject next", Claims{Username: "u", RegisteredClaims: jwt.RegisteredClaims{Subject: "sub-1"}}, "sub-1"},
		{"username last", Claims{Username: "u"}, "u"},
		{"nothing", Claims{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.claims.Owner(); got != tt.want {
				t.Errorf("Owner() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestExtractTokenFromRequest(t *testing.T) {
	tests := []struct {
		name      string
		authValue string
		wantToken string
		wantErr   error
	}{
		{"bearer", "Bearer eyJtoken", "eyJtoken", nil},
		{"lowercase scheme", "bearer eyJtoken", "eyJtoken", nil},
		{"missing header", "", "", ErrMissingAuthHeader},
		{"no space", "BearereyJtoken", "", ErrInvalidAuthFormat},
		{"basic scheme", "Basic eyJtoken", "", ErrInvalidAuthFormat},
		{"empty token", "Bearer ", "", ErrInvalidAuthFormat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPatch, "/files/u1", nil)
			if tt.authValue != "" {
				req.Header.Set("Authorization", tt.authValue)
			}

			token, err := ExtractTokenFromRequest(req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ExtractTokenFromRequest() error = %v, want %v", err, tt.wantErr)
			}
			if token != tt.wantToken {
				t.Errorf("ExtractTokenFromRequest() = %s, want %s", token, tt.wantToken)
			}
		})
	}
}

func TestClaimsContext(t *testing.T) {
	ctx := SetClaimsInContext(context.Background(), &Claims{Username: "alice"})

	got, ok := GetClaimsFromContext(ctx)
	if !ok || got.Username != "alice" {
		t.Errorf("GetClaimsFromContext() = %+v, %v", got, ok)
	}
	if _, ok := GetClaimsFromContext(context.Background()); ok {
		t.Error("GetClaimsFromContext() ok = true for empty context")
	}
}

func TestMiddleware(t *testing.T) {
	svc := newTestService(t)
	limiter := NewFailureLimiter(LimiterConfig{Budget: 5, Window: time.Minute})
	handler := svc.Middleware(limiter)(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := GetClaimsFromContext(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(claims.Owner()))
	})
	token, _ := svc.GenerateToken("alice")

	tests := []struct {
		name     string
		auth     string
		wantCode int
		wantBody string
	}{
		{"valid token", "Bearer " + token, http.StatusOK, "alice"},
		{"missing token", "", http.StatusUnauthorized, ""},
		{"invalid token", "Bearer garbage", http.StatusUnauthorized, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodHead, "/files/u1", nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantCode)
			}
			if tt.wantBody != "" && rr.Body.String() != tt.wantBody {
				t.Errorf("body = %q, want %q", rr.Body.String(), tt.wantBody)
			}
		})
	}
}

func TestMiddleware_BlocksRepeatedFailures(t *testing.T) {
	svc := newTestService(t)
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewFailureLimiter(LimiterConfig{
		Budget: 2,
		Window: time.Minute,
		Now:    func() time.Time { return clock },
	})
	handler := svc.Middleware(limiter)(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	token, _ := svc.GenerateToken("alice")

	send := func(auth string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/files/", nil)
		req.RemoteAddr = "10.1.1.1:5000"
		req.Header.Set("Authorization", auth)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	for i := range 2 {
		if rr := send("Bearer garbage"); rr.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d returned %d, want 401", i, rr.Code)
		}
	}

	clock = clock.Add(20*time.Second + 500*time.Millisecond)
	rr := send("Bearer " + token)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "40" {
		t.Errorf("Retry-After = %q, want 40", got)
	}

	clock = clock.Add(time.Minute)
	if rr := send("Bearer " + token); rr.Code != http.StatusNoContent {
		t.Errorf("status after window = %d, want 204", rr.Code)
	}
	if limiter.Tracked() != 0 {
		t.Errorf("Tracked() = %d after a successful request, want 0", limiter.Tracked())
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want int
	}{
		{10 * time.Millisecond, 1},
		{time.Second, 1},
		{1500 * time.Millisecond, 2},
		{15 * time.Minute, 900},
	}
	for _, tt := range tests {
		if got := retryAfterSeconds(tt.in); got != tt.want {
			t.Errorf("retryAfterSeconds(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
