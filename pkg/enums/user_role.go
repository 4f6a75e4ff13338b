package enums

// UserRole is the role claim carried by access tokens.
type UserRole string

const (
	UserRoleAuthenticated UserRole = "authenticated"
	UserRoleAdmin         UserRole = "admin"
)

var userRoles = members[UserRole]{kind: "user role", values: []UserRole{UserRoleAuthenticated, UserRoleAdmin}}

func (u UserRole) String() string { return string(u) }
func (u UserRole) IsValid() bool  { return userRoles.has(u) }

func ParseUserRole(value string) (UserRole, error) { return userRoles.parse(value) }
