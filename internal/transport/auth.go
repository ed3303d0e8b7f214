package transport

import (
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pitabwire/quorum/internal/config"
	"github.com/pitabwire/quorum/internal/observability"
	"github.com/pitabwire/quorum/model"
)

// TokenVerifier checks bearer tokens and maps their claims onto a caller.
type TokenVerifier struct {
	secret      []byte
	publicKey   crypto.PublicKey
	tenantClaim string
	opts        []jwt.ParserOption
}

// NewTokenVerifier builds a verifier from cfg. At least one of the HMAC
// secret or the PEM public key must be available.
func NewTokenVerifier(cfg config.IdentityConfig) (*TokenVerifier, error) {
	v := &TokenVerifier{secret: cfg.Secret(), tenantClaim: cfg.TenantClaim}
	if v.tenantClaim == "" {
		v.tenantClaim = "tenant_id"
	}

	if cfg.PublicKeyFile != "" {
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity: read public key: %w", err)
		}
		if v.publicKey, err = parsePublicKey(pem); err != nil {
			return nil, fmt.Errorf("identity: %s: %w", cfg.PublicKeyFile, err)
		}
	}
	if v.secret == nil && v.publicKey == nil {
		return nil, errors.New("identity: no signing secret or public key configured")
	}

	v.opts = []jwt.ParserOption{
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if len(cfg.Algorithms) > 0 {
		v.opts = append(v.opts, jwt.WithValidMethods(cfg.Algorithms))
	}
	if cfg.Issuer != "" {
		v.opts = append(v.opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		v.opts = append(v.opts, jwt.WithAudience(cfg.Audience))
	}
	return v, nil
}

func parsePublicKey(pem []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pem); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pem); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseEdPublicKeyFromPEM(pem); err == nil {
		return key, nil
	}
	return nil, errors.New("not an RSA, EC, or Ed25519 public key")
}

func (v *TokenVerifier) key(token *jwt.Token) (any, error) {
	if _, hmac := token.Method.(*jwt.SigningMethodHMAC); hmac {
		if v.secret == nil {
			return nil, fmt.Errorf("signing method %s is not accepted", token.Method.Alg())
		}
		return v.secret, nil
	}
	if v.publicKey == nil {
		return nil, fmt.Errorf("signing method %s is not accepted", token.Method.Alg())
	}
	return v.publicKey, nil
}

// Verify validates raw and returns the caller it names. The subject is the
// "sub" claim; the tenant is the configured tenant claim.
func (v *TokenVerifier) Verify(raw string) (*model.RequestContext, error) {
	claims := jwt.MapClaims{}
	if _, err := jwt.ParseWithClaims(raw, claims, v.key, v.opts...); err != nil {
		return nil, model.NewUnauthorizedError(tokenFailure(err))
	}

	subject, _ := claims.GetSubject()
	tenant, _ := claims[v.tenantClaim].(string)
	if subject == "" || tenant == "" {
		return nil, model.NewUnauthorizedError(fmt.Sprintf("token must carry sub and %s claims", v.tenantClaim))
	}
	name, _ := claims["name"].(string)
	return &model.RequestContext{TenantID: tenant, SubjectID: subject, SubjectName: name}, nil
}

func tokenFailure(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "token expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet), errors.Is(err, jwt.ErrTokenUsedBeforeIssued):
		return "token not yet valid"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "token issuer not accepted"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "token audience not accepted"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "token is missing a required claim"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed token"
	default:
		return "invalid token signature"
	}
}

// BearerIdentity replaces RequestContext when identity.mode is jwt. The
// identity headers are ignored; tenant and subject come only from a verified
// Authorization: Bearer token.
func BearerIdentity(v *TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			scheme, raw, found := strings.Cut(r.Header.Get("Authorization"), " ")
			if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(raw) == "" {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quorum"`)
				WriteError(w, r, model.NewUnauthorizedError("bearer token required"))
				return
			}

			rctx, err := v.Verify(strings.TrimSpace(raw))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="quorum", error="invalid_token"`)
				WriteError(w, r, err)
				return
			}
			rctx.CorrelationID = CorrelationIDFrom(r.Context())
			rctx.TraceID = observability.TraceIDFromContext(r.Context())
			next.ServeHTTP(w, r.WithContext(model.WithRequestContext(r.Context(), rctx)))
		})
	}
}
