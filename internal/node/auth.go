package node

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = time.Minute

// Authenticator signs and checks per-request tokens with the ticket secret,
// so only ticket holders can talk to a node.
type Authenticator struct {
	namespace string
	secret    []byte
	nodeID    string
}

func NewAuthenticator(t Ticket, nodeID string) *Authenticator {
	return &Authenticator{namespace: t.Namespace, secret: t.Secret, nodeID: nodeID}
}

func (a *Authenticator) Sign() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		Subject:   a.nodeID,
		Audience:  jwt.ClaimStrings{a.namespace},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify checks the token and returns the node id it was issued to.
func (a *Authenticator) Verify(token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(a.namespace),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(5*time.Second),
	)
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("invalid token: missing subject")
	}

	return claims.Subject, nil
}
