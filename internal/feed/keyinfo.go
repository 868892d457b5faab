package feed

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mirrorbot/internal/domain"
)

// KeyInfo is the identity carried in an AlphaInsider API key.
type KeyInfo struct {
	UserID    string
	Holder    string
	Type      string
	Name      string
	Scope     []string
	CreatedAt time.Time
}

type keyClaims struct {
	UserID string           `json:"user_id"`
	Holder string           `json:"holder"`
	Type   string           `json:"type"`
	Name   string           `json:"name"`
	Scope  jwt.ClaimStrings `json:"scope"`
	jwt.RegisteredClaims
}

// ParseKeyInfo decodes the claims of an API key. The signature is not
// checked: the key is only read here, the feed verifies it server side.
func ParseKeyInfo(key string) (*KeyInfo, error) {
	claims := &keyClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(key, claims); err != nil {
		return nil, fmt.Errorf("%w: malformed alphainsider key: %w", domain.ErrConfiguration, err)
	}
	info := &KeyInfo{
		UserID: claims.UserID,
		Holder: claims.Holder,
		Type:   claims.Type,
		Name:   claims.Name,
		Scope:  []string(claims.Scope),
	}
	if claims.IssuedAt != nil {
		info.CreatedAt = claims.IssuedAt.UTC()
	}
	return info, nil
}
