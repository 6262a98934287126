package services

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"stampcard-backend/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeJoin   TokenType = "join"
	TokenTypeStamp  TokenType = "stamp"
	TokenTypeRedeem TokenType = "redeem"
)

func (t TokenType) Valid() bool {
	switch t {
	case TokenTypeJoin, TokenTypeStamp, TokenTypeRedeem:
		return true
	}
	return false
}

// TokenPayload carries the optional per-scan parameters.
type TokenPayload struct {
	Amount        *int     `json:"amount,omitempty"`
	PurchaseTotal *float64 `json:"purchase_total,omitempty"`
}

// Units is what a stamp token asks to credit: the explicit amount, else the
// whole part of the purchase total, else one.
func (p TokenPayload) Units() int {
	if p.Amount != nil {
		return *p.Amount
	}
	if p.PurchaseTotal != nil && *p.PurchaseTotal >= 1 {
		return int(math.Floor(*p.PurchaseTotal))
	}
	return 1
}

// ActionToken is the decoded content of a signed QR token.
type ActionToken struct {
	Type       TokenType
	ProgramID  uuid.UUID
	Payload    TokenPayload
	IssuedBy   *uuid.UUID
	ExpiresAt  time.Time
	Nonce      string
	KeyVersion string
}

type actionClaims struct {
	Type      TokenType    `json:"typ"`
	ProgramID string       `json:"pid"`
	Payload   TokenPayload `json:"payload"`
	IssuedBy  string       `json:"iby,omitempty"`
	jwt.RegisteredClaims
}

// TokenCodec signs and verifies action tokens. Verify only proves integrity;
// expiry and replay are the caller's concern so that they are checked in a
// fixed order.
type TokenCodec struct {
	keys  *Keyring
	clock utils.Clock
}

func NewTokenCodec(keys *Keyring, clock utils.Clock) *TokenCodec {
	return &TokenCodec{keys: keys, clock: clock}
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (c *TokenCodec) Issue(typ TokenType, programID uuid.UUID, payload TokenPayload, issuedBy *uuid.UUID, ttl time.Duration) (string, *ActionToken, error) {
	if !typ.Valid() {
		return "", nil, ErrUnknownTokenType
	}
	nonce, err := newNonce()
	if err != nil {
		return "", nil, fmt.Errorf("generate nonce: %w", err)
	}
	key, err := c.keys.key(c.keys.ActiveVersion(), purposeActionToken)
	if err != nil {
		return "", nil, err
	}

	// JWT expiry has whole-second precision; round up so a token never
	// lives shorter than ttl.
	expiresAt := c.clock.Now().Add(ttl)
	if whole := expiresAt.Truncate(time.Second); !whole.Equal(expiresAt) {
		expiresAt = whole.Add(time.Second)
	}
	claims := actionClaims{
		Type:      typ,
		ProgramID: programID.String(),
		Payload:   payload,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        nonce,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
	if issuedBy != nil {
		claims.IssuedBy = issuedBy.String()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = c.keys.ActiveVersion()
	signed, err := token.SignedString(key)
	if err != nil {
		return "", nil, fmt.Errorf("sign action token: %w", err)
	}

	return signed, &ActionToken{
		Type:       typ,
		ProgramID:  programID,
		Payload:    payload,
		IssuedBy:   issuedBy,
		ExpiresAt:  expiresAt,
		Nonce:      nonce,
		KeyVersion: c.keys.ActiveVersion(),
	}, nil
}

// Verify checks the signature against the key version named in the header.
// It never consults the clock.
func (c *TokenCodec) Verify(raw string) (*ActionToken, error) {
	claims := &actionClaims{}
	var kid string
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithoutClaimsValidation())
	_, err := parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ = t.Header["kid"].(string)
		return c.keys.key(kid, purposeActionToken)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenMalformed) {
			return nil, ErrMalformedToken
		}
		return nil, ErrInvalidToken
	}

	programID, err := uuid.Parse(claims.ProgramID)
	if err != nil || claims.ID == "" || claims.ExpiresAt == nil {
		return nil, ErrMalformedToken
	}
	tok := &ActionToken{
		Type:       claims.Type,
		ProgramID:  programID,
		Payload:    claims.Payload,
		ExpiresAt:  claims.ExpiresAt.Time.UTC(),
		Nonce:      claims.ID,
		KeyVersion: kid,
	}
	if claims.IssuedBy != "" {
		issuer, err := uuid.Parse(claims.IssuedBy)
		if err != nil {
			return nil, ErrMalformedToken
		}
		tok.IssuedBy = &issuer
	}
	return tok, nil
}
