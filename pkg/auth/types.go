package auth

// RoleAdmin may act on every space.
const RoleAdmin = "admin"

// Principal is the caller of an admin API request.
type Principal struct {
	ID     string
	Spaces []string
	Roles  []string
}

func (p *Principal) IsAdmin() bool {
	for _, r := range p.Roles {
		if r == RoleAdmin {
			return true
		}
	}
	return false
}

// CanAccessSpace reports whether the principal may trigger issuance or
// read pending state for spaceID.
func (p *Principal) CanAccessSpace(spaceID string) bool {
	if p == nil {
		return false
	}
	if p.IsAdmin() {
		return true
	}
	for _, s := range p.Spaces {
		if s == spaceID {
			return true
		}
	}
	return false
}
