// Package auth verifies session tokens presented on websocket upgrades and
// resolves them into Principals. Tokens are issued elsewhere; this package
// only checks the HMAC signature and looks the wallet up in the users
// store. There is no mid-connection re-authentication: role changes take
// effect on reconnect.
package auth

// Role is the access level carried by a session token.
type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Admin reports whether the role grants administrative access.
func (r Role) Admin() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

// Principal is the identity bound to a connection for its lifetime.
// The zero value is not valid; use Anonymous for unauthenticated peers.
type Principal struct {
	Wallet    string
	UserID    string
	Nickname  string
	Role      Role
	Anonymous bool
}

// Anonymous is the principal assigned to public-endpoint connections that
// present no token. It is restricted to public topics.
func Anonymous() Principal {
	return Principal{Role: RoleUser, Anonymous: true}
}

// Key returns the identity string rate limiters and diagnostics key on.
func (p Principal) Key() string {
	if p.Anonymous {
		return "anon"
	}
	return p.Wallet
}
