package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/mailtrack/internal/common"
)

const testSecret = "test-secret"

func signed(t *testing.T, alg jwa.SignatureAlgorithm, key []byte, build func(*jwt.Builder) *jwt.Builder) string {
	t.Helper()
	tok, err := build(jwt.NewBuilder()).Build()
	require.NoError(t, err)
	out, err := jwt.Sign(tok, jwt.WithKey(alg, key))
	require.NoError(t, err)
	return string(out)
}

func validClaims(now time.Time) func(*jwt.Builder) *jwt.Builder {
	return func(b *jwt.Builder) *jwt.Builder {
		return b.Issuer("mailtrack").Audience([]string{"dashboard"}).Subject("user-1").
			IssuedAt(now).NotBefore(now).Expiration(now.Add(time.Minute))
	}
}

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(testSecret, "mailtrack", "dashboard")
	require.NoError(t, err)
	return v.WithNow(func() time.Time { return now })
}

func TestVerifierAcceptsValidToken(t *testing.T) {
	now := time.Now()
	principal, err := newTestVerifier(t, now).Verify(signed(t, jwa.HS256, []byte(testSecret), validClaims(now)))
	require.NoError(t, err)
	require.Equal(t, "user-1", principal.Subject)
}

func TestVerifierRejects(t *testing.T) {
	now := time.Now()
	v := newTestVerifier(t, now)
	cases := map[string]string{
		"empty":     "",
		"garbage":   "not.a.jwt",
		"wrong key": signed(t, jwa.HS256, []byte("other"), validClaims(now)),
		"wrong alg": signed(t, jwa.HS384, []byte(testSecret), validClaims(now)),
		"wrong issuer": signed(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder {
			return validClaims(now)(b).Issuer("other")
		}),
		"expired": signed(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder {
			return validClaims(now)(b).IssuedAt(now.Add(-2 * time.Hour)).NotBefore(now.Add(-2 * time.Hour)).Expiration(now.Add(-time.Hour))
		}),
		"not yet valid": signed(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder {
			return validClaims(now)(b).NotBefore(now.Add(5 * time.Minute)).Expiration(now.Add(10 * time.Minute))
		}),
		"no subject": signed(t, jwa.HS256, []byte(testSecret), func(b *jwt.Builder) *jwt.Builder {
			return b.Issuer("mailtrack").Audience([]string{"dashboard"}).Expiration(now.Add(time.Minute))
		}),
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(tok)
			require.Error(t, err)
			var appErr *common.AppError
			require.ErrorAs(t, err, &appErr)
			require.Equal(t, http.StatusUnauthorized, appErr.HTTPStatus)
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	_, err := NewVerifier(" ", "", "")
	require.Error(t, err)
}

func TestRequireAuth(t *testing.T) {
	now := time.Now()
	mw := Middleware{Verifier: newTestVerifier(t, now)}
	var subject string
	handler := mw.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = common.Subject(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/email/stats", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/email/stats", nil)
	req.Header.Set("Authorization", "Bearer junk")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Contains(t, rec.Body.String(), "UNAUTHORIZED")

	req = httptest.NewRequest(http.MethodGet, "/email/stats", nil)
	req.Header.Set("Authorization", "bearer "+signed(t, jwa.HS256, []byte(testSecret), validClaims(now)))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "user-1", subject)
}
