package auth

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tripsync/pkg/types"
)

// Claims is the token body issued by the auth service
type Claims struct {
	UserID UserIDClaim `json:"userId"`
	jwt.RegisteredClaims
}

// UserIDClaim accepts userId as a JSON string or an integer. The auth
// service keys users by integer row ID, so 17 decodes as "17".
type UserIDClaim string

// UnmarshalJSON implements json.Unmarshaler
func (u *UserIDClaim) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*u = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*u = UserIDClaim(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("userId must be a string or an integer: %w", err)
	}
	i, err := n.Int64()
	if err != nil {
		return fmt.Errorf("userId %s is not an integer", n)
	}
	*u = UserIDClaim(strconv.FormatInt(i, 10))
	return nil
}

// Verifier checks HS256 tokens issued by the external auth service
type Verifier struct {
	secret []byte
	issuer string
	parser *jwt.Parser
}

// NewVerifier builds a verifier for secret. issuer may be empty to accept
// any issuer.
func NewVerifier(secret, issuer string, leeway time.Duration, requireExpiry bool) (*Verifier, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	if requireExpiry {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	return &Verifier{
		secret: []byte(secret),
		issuer: issuer,
		parser: jwt.NewParser(opts...),
	}, nil
}

// Verify implements interfaces.Authenticator. The user ID comes from the
// userId claim, falling back to sub.
func (v *Verifier) Verify(tokenString string) (*types.Identity, error) {
	claims := &Claims{}
	token, err := v.parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrTokenUnverifiable
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	userID := string(claims.UserID)
	if userID == "" {
		userID = claims.Subject
	}
	if !types.IsValidUserID(userID) {
		return nil, ErrMissingUserID
	}

	identity := &types.Identity{UserID: userID}
	if claims.ExpiresAt != nil {
		identity.ExpiresAt = claims.ExpiresAt.Time
	}
	return identity, nil
}

// Sign issues a token for userID. The auth service owns issuance in
// production; this is used by tests and the dev token command.
func (v *Verifier) Sign(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: UserIDClaim(userID),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    v.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
