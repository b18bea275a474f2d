package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/form3tech-oss/jwt-go"

	"tapgoose/internal/match"
)

// ErrUnauthorized is returned for missing, malformed or expired tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Claims is the bearer token body issued by the account service.
type Claims struct {
	Username  string   `json:"username"`
	Email     string   `json:"email,omitempty"`
	AvatarURL string   `json:"avatarUrl,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	jwt.StandardClaims
}

// Identity verifies HS256 bearer tokens and turns them into player info. The
// game core trusts whatever it returns.
type Identity struct {
	secret []byte
	now    func() time.Time
}

// NewIdentity builds a verifier for secret.
func NewIdentity(secret string) *Identity {
	return &Identity{secret: []byte(secret), now: time.Now}
}

// Verify parses token and returns the caller's identity.
func (i *Identity) Verify(token string) (match.PlayerInfo, error) {
	if token == "" {
		return match.PlayerInfo{}, fmt.Errorf("%w: missing token", ErrUnauthorized)
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return match.PlayerInfo{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return match.PlayerInfo{}, fmt.Errorf("%w: token has no subject", ErrUnauthorized)
	}
	return match.PlayerInfo{
		ID:        claims.Subject,
		Username:  claims.Username,
		Email:     claims.Email,
		AvatarURL: claims.AvatarURL,
		Roles:     claims.Roles,
	}, nil
}

// Issue signs a token for player valid for ttl.
func (i *Identity) Issue(player match.PlayerInfo, ttl time.Duration) (string, error) {
	now := i.now()
	claims := Claims{
		Username:  player.Username,
		Email:     player.Email,
		AvatarURL: player.AvatarURL,
		Roles:     player.Roles,
		StandardClaims: jwt.StandardClaims{
			Subject:   player.ID,
			IssuedAt:  now.Unix(),
			ExpiresAt: now.Add(ttl).Unix(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// tokenFromRequest reads a bearer token from the Authorization header or,
// for browsers that cannot set headers on a websocket upgrade, the token
// query parameter.
func tokenFromRequest(r *http.Request) string {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return token
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
