package rtc

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/robolinkhq/session-manager/internal/v1/types"
)

// videoGrant is the grant claim understood by the RTC server. Field names
// follow the server's token contract.
type videoGrant struct {
	Room           string `json:"room,omitempty"`
	RoomJoin       bool   `json:"roomJoin,omitempty"`
	CanPublish     bool   `json:"canPublish,omitempty"`
	CanSubscribe   bool   `json:"canSubscribe,omitempty"`
	CanPublishData bool   `json:"canPublishData,omitempty"`
	RoomAdmin      bool   `json:"roomAdmin,omitempty"`
	Hidden         bool   `json:"hidden,omitempty"`
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Video videoGrant `json:"video"`
}

// MintToken signs an access credential for the given identity. The issuer is
// the configured API key and the signature uses the API secret (HS256).
func (g *Gateway) MintToken(identity string, grants types.Grants, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("mint token: identity must not be empty")
	}

	now := time.Now()
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    g.cfg.APIKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Video: videoGrant{
			Room:           string(grants.Room),
			RoomJoin:       grants.RoomJoin,
			CanPublish:     grants.CanPublish,
			CanSubscribe:   grants.CanSubscribe,
			CanPublishData: grants.CanPublishData,
			RoomAdmin:      grants.RoomAdmin,
			Hidden:         grants.Hidden,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(g.cfg.APISecret))
	if err != nil {
		return "", fmt.Errorf("mint token for %q: %w", identity, err)
	}
	return signed, nil
}

// adminToken mints the short-lived credential used to authorise room-control
// API calls.
func (g *Gateway) adminToken() (string, error) {
	return g.MintToken("session-manager-api", types.Grants{RoomAdmin: true}, 10*time.Minute)
}
