package x402

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidAccessToken = errors.New("x402: invalid access token")

const accessTokenIssuer = "paygate"

// AccessClaims bind a settled payment to the resource and requester it unlocked.
type AccessClaims struct {
	ResourceID string `json:"resource"`
	Requester  string `json:"requester"`
	PaymentID  string `json:"payment_id"`
	TxID       string `json:"tx_id"`
	jwt.RegisteredClaims
}

// AccessTokenSigner issues HMAC-signed access tokens returned with a settlement.
// Holders can present them as a bearer token instead of a grant lookup.
type AccessTokenSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAccessTokenSigner(secret []byte, ttl time.Duration) *AccessTokenSigner {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &AccessTokenSigner{secret: secret, ttl: ttl, now: time.Now}
}

func (s *AccessTokenSigner) Sign(resourceID, requester, paymentID, txID string) (string, error) {
	now := s.now()
	claims := AccessClaims{
		ResourceID: resourceID,
		Requester:  requester,
		PaymentID:  paymentID,
		TxID:       txID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    accessTokenIssuer,
			Subject:   requester,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("x402: sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and expiry and returns the claims.
func (s *AccessTokenSigner) Verify(tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(accessTokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}
