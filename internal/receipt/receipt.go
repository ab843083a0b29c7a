// Package receipt implements verification of signed access receipts: JWS
// compact strings whose payload carries issuer, audience, subject, and
// either payment (commerce) or purpose (attestation) claims.
package receipt

import (
	"context"
	"crypto/ed25519"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/peac-sandbox/gateway/internal/jwks"
	"github.com/peac-sandbox/gateway/internal/problem"
)

// ReceiptType is the fixed "typ" header value required of every receipt.
const ReceiptType = "peac-receipt+jws"

// Payment is the settlement descriptor of a commerce-variant receipt.
type Payment struct {
	Rail      string `json:"rail"`
	Reference string `json:"reference"`
	Network   string `json:"network,omitempty"`
}

// Claims is the payload of a signed receipt.
type Claims struct {
	Issuer          string   `json:"iss"`
	Audience        string   `json:"aud"`
	Subject         string   `json:"sub"`
	IssuedAt        int64    `json:"iat"`
	ExpiresAt       *int64   `json:"exp,omitempty"`
	ReceiptID       string   `json:"rid"`
	Amount          *int64   `json:"amt,omitempty"`
	Currency        string   `json:"cur,omitempty"`
	Payment         *Payment `json:"payment,omitempty"`
	PurposeDeclared string   `json:"purpose_declared,omitempty"`
	PurposeEnforced string   `json:"purpose_enforced,omitempty"`
}

// IsCommerce reports whether c is the commerce variant (payment-bearing)
// rather than a pure attestation.
func (c *Claims) IsCommerce() bool {
	return c.Amount != nil || c.Currency != "" || c.Payment != nil
}

func (c *Claims) GetExpirationTime() (*jwt.NumericDate, error) {
	if c.ExpiresAt == nil {
		return nil, nil
	}
	return jwt.NewNumericDate(time.Unix(*c.ExpiresAt, 0)), nil
}

func (c *Claims) GetIssuedAt() (*jwt.NumericDate, error) {
	return jwt.NewNumericDate(time.Unix(c.IssuedAt, 0)), nil
}

func (c *Claims) GetNotBefore() (*jwt.NumericDate, error) { return nil, nil }

func (c *Claims) GetIssuer() (string, error) { return c.Issuer, nil }

func (c *Claims) GetSubject() (string, error) { return c.Subject, nil }

func (c *Claims) GetAudience() (jwt.ClaimStrings, error) {
	return jwt.ClaimStrings{c.Audience}, nil
}

// signingMethodEd25519 is the only algorithm this verifier accepts. The
// wire-level alg name is the literal "ed25519", not JWT's conventional
// "EdDSA" — receipts are not general-purpose JWTs.
type signingMethodEd25519 struct{}

func (signingMethodEd25519) Verify(signingString string, sig []byte, key any) error {
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return jwt.ErrInvalidKeyType
	}
	if !ed25519.Verify(pub, []byte(signingString), sig) {
		return jwt.ErrSignatureInvalid
	}
	return nil
}

func (signingMethodEd25519) Sign(signingString string, key any) ([]byte, error) {
	return nil, errors.New("receipt signing is not implemented: issuance is an external collaborator")
}

func (signingMethodEd25519) Alg() string { return "ed25519" }

func init() {
	jwt.RegisterSigningMethod("ed25519", func() jwt.SigningMethod { return signingMethodEd25519{} })
}

// KeyResolver resolves the verification key for (issuer, kid). It is
// satisfied by *jwks.Resolver.
type KeyResolver interface {
	Resolve(ctx context.Context, issuer, kid string) (ed25519.PublicKey, error)
}

// VerifyOptions parameterizes one Verify call.
type VerifyOptions struct {
	// ExpectedAudience, if non-empty, must equal the receipt's aud.
	ExpectedAudience string
	// ExpectedSubject, if non-empty, must equal the receipt's sub.
	ExpectedSubject string
	// ExpectedReceiptID, if non-empty, must equal the receipt's rid.
	ExpectedReceiptID string
	// MaxClockSkew bounds iat/exp tolerance.
	MaxClockSkew time.Duration
	// RequireExp rejects receipts with no exp claim.
	RequireExp bool
}

// Perf carries verification timing, informational only.
type Perf struct {
	VerifyMs    int64
	JWKSFetchMs int64
}

// Result is a successful verification outcome.
type Result struct {
	Claims *Claims
	KeyID  string
	Perf   Perf
}

// Verify parses and verifies jws using resolver for key lookup, then applies
// binding and time checks. Every failure path returns a *problem.Error with
// a canonical code; callers never see raw parser or crypto error text.
func Verify(ctx context.Context, jws string, resolver KeyResolver, opts VerifyOptions) (*Result, error) {
	start := time.Now()
	var jwksMs int64
	var keyID string

	parser := jwt.NewParser(jwt.WithValidMethods([]string{"ed25519"}), jwt.WithoutClaimsValidation())

	claims := &Claims{}
	token, err := parser.ParseWithClaims(jws, claims, func(t *jwt.Token) (any, error) {
		typ, _ := t.Header["typ"].(string)
		if typ != ReceiptType {
			return nil, errors.New("unexpected typ header")
		}
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("missing kid header")
		}
		keyID = kid

		c, ok := t.Claims.(*Claims)
		if !ok || c.Issuer == "" {
			return nil, errors.New("missing iss claim")
		}

		fetchStart := time.Now()
		pub, rerr := resolver.Resolve(ctx, c.Issuer, kid)
		jwksMs = time.Since(fetchStart).Milliseconds()
		if rerr != nil {
			return nil, rerr
		}
		return pub, nil
	})

	if err != nil {
		return nil, classifyParseError(err)
	}
	if !token.Valid {
		return nil, problem.New(problem.CodeReceiptInvalid, "signature verification failed")
	}

	if opts.ExpectedAudience != "" && claims.Audience != opts.ExpectedAudience {
		return nil, problem.New(problem.CodeInvalidAudience, "receipt audience does not match")
	}
	if opts.ExpectedSubject != "" && claims.Subject != opts.ExpectedSubject {
		return nil, problem.New(problem.CodeInvalidSubject, "receipt subject does not match")
	}
	if opts.ExpectedReceiptID != "" && claims.ReceiptID != opts.ExpectedReceiptID {
		return nil, problem.New(problem.CodeInvalidReceiptID, "receipt id does not match")
	}

	now := time.Now()
	skew := opts.MaxClockSkew
	iat := time.Unix(claims.IssuedAt, 0)
	if iat.After(now.Add(skew)) {
		return nil, problem.New(problem.CodeNotYetValid, "receipt issued in the future beyond allowed skew")
	}
	if claims.ExpiresAt == nil {
		if opts.RequireExp {
			return nil, problem.New(problem.CodeMissingExp, "receipt has no exp claim")
		}
	} else {
		exp := time.Unix(*claims.ExpiresAt, 0)
		if exp.Add(skew).Before(now) {
			return nil, problem.New(problem.CodeExpired, "receipt has expired")
		}
	}

	return &Result{
		Claims: claims,
		KeyID:  keyID,
		Perf:   Perf{VerifyMs: time.Since(start).Milliseconds(), JWKSFetchMs: jwksMs},
	}, nil
}

// classifyParseError maps jwt/jwks internal failures to the canonical
// receipt error codes. A disallowed issuer surfaces distinctly (403) from
// every other verification failure (402), per the issuer-allowlist
// invariant.
func classifyParseError(err error) error {
	var jerr *jwks.Error
	if errors.As(err, &jerr) && jerr.Code == jwks.CodeIssuerNotAllowed {
		return problem.New(problem.CodeIssuerNotAllowed, "receipt issuer is not in the configured allowlist")
	}
	return problem.New(problem.CodeReceiptInvalid, "receipt failed verification")
}
