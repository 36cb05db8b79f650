package models

import "fmt"

type Role string

const (
	RolePatient  Role = "patient"
	RoleDriver   Role = "driver"
	RoleHospital Role = "hospital"
	RoleSystem   Role = "system"
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RolePatient, RoleDriver, RoleHospital:
		return r, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrUnauthorized, s)
}

// Actor is the verified caller identity attached upstream. It is trusted as-is.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// SystemActor is used for transitions the engine performs on its own.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// Require fails with ErrForbidden unless the actor holds one of roles.
func (a Actor) Require(roles ...Role) error {
	for _, r := range roles {
		if a.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %s not permitted", ErrForbidden, a.Role)
}
