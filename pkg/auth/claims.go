package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/resellerhq/storefront-backend/pkg/enums"
)

// AccessTokenPayload captures the data available when minting a JWT.
type AccessTokenPayload struct {
	UserID uuid.UUID
	Email  string
	Role   enums.UserRole
	JTI    string
}

// AccessTokenClaims represents the JWT issued by the identity provider. The
// user id travels in the standard "sub" claim. An absent role means
// UserRoleAuthenticated.
type AccessTokenClaims struct {
	Email string         `json:"email,omitempty"`
	Role  enums.UserRole `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// UserID parses the subject claim.
func (c *AccessTokenClaims) UserID() (uuid.UUID, error) {
	if c == nil {
		return uuid.Nil, jwt.ErrTokenInvalidSubject
	}
	id, err := uuid.Parse(c.Subject)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, jwt.ErrTokenInvalidSubject
	}
	return id, nil
}

// EffectiveRole applies the default role.
func (c *AccessTokenClaims) EffectiveRole() enums.UserRole {
	if c == nil || c.Role == "" {
		return enums.UserRoleAuthenticated
	}
	return c.Role
}

// Validate runs after the registered claims checks in jwt.Parser.
func (c *AccessTokenClaims) Validate() error {
	if _, err := c.UserID(); err != nil {
		return err
	}
	if role := c.EffectiveRole(); !role.IsValid() {
		return fmt.Errorf("%w: unknown role %q", jwt.ErrTokenInvalidClaims, role)
	}
	return nil
}
