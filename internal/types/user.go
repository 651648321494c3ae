package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the application role stored on a profile. A nil *Role means the
// user has not selected one yet.
type Role string

const (
	RoleTenant          Role = "tenant"
	RolePropertyManager Role = "property_manager"
	RoleSuperAdmin      Role = "super_admin"
	RoleOwner           Role = "owner"
)

// Valid reports whether r is one of the four known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleTenant, RolePropertyManager, RoleSuperAdmin, RoleOwner:
		return true
	default:
		return false
	}
}

func (r Role) String() string { return string(r) }

// ParseRole accepts one of the known role names, case-insensitively.
func ParseRole(s string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// RoleInfo describes a selectable role.
type RoleInfo struct {
	Name        Role   `json:"name"`
	Description string `json:"description"`
}

// AvailableRoles lists the roles a user can pick on the role-selection screen.
var AvailableRoles = []RoleInfo{
	{Name: RoleTenant, Description: "Tenant/Renter"},
	{Name: RolePropertyManager, Description: "Property Manager"},
	{Name: RoleSuperAdmin, Description: "Super Administrator"},
	{Name: RoleOwner, Description: "Property Owner"},
}

const StatusPending = "pending"

// Profile is the application-level user record, keyed by the identity id.
type Profile struct {
	ID        uuid.UUID `json:"id"`
	Email     string    `json:"email"`
	FirstName *string   `json:"first_name,omitempty"`
	LastName  *string   `json:"last_name,omitempty"`
	Role      *Role     `json:"role"`
	Status    string    `json:"status,omitempty"`
	Approved  bool      `json:"approved"`
	IsActive  bool      `json:"is_active"`
	Phone     *string   `json:"phone,omitempty"`
	AvatarURL *string   `json:"avatar_url,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// RoleValue returns the role or the empty string when unset.
func (p *Profile) RoleValue() Role {
	if p == nil || p.Role == nil {
		return ""
	}
	return *p.Role
}

// Clone returns a deep copy so callers cannot mutate shared state.
func (p *Profile) Clone() *Profile {
	if p == nil {
		return nil
	}
	c := *p
	c.FirstName = cloneString(p.FirstName)
	c.LastName = cloneString(p.LastName)
	c.Phone = cloneString(p.Phone)
	c.AvatarURL = cloneString(p.AvatarURL)
	if p.Role != nil {
		r := *p.Role
		c.Role = &r
	}
	return &c
}

// Apply merges the non-nil fields of u into p and stamps UpdatedAt.
func (p *Profile) Apply(u ProfileUpdate, at time.Time) {
	if u.Email != nil {
		p.Email = *u.Email
	}
	if u.FirstName != nil {
		p.FirstName = cloneString(u.FirstName)
	}
	if u.LastName != nil {
		p.LastName = cloneString(u.LastName)
	}
	if u.Phone != nil {
		p.Phone = cloneString(u.Phone)
	}
	if u.AvatarURL != nil {
		p.AvatarURL = cloneString(u.AvatarURL)
	}
	if u.Role != nil {
		r := *u.Role
		p.Role = &r
	}
	if u.Status != nil {
		p.Status = *u.Status
	}
	if u.Approved != nil {
		p.Approved = *u.Approved
	}
	if u.IsActive != nil {
		p.IsActive = *u.IsActive
	}
	p.UpdatedAt = at
}

// ProfileUpdate carries a partial profile edit. Nil fields are left untouched.
type ProfileUpdate struct {
	Email     *string `json:"email,omitempty"`
	FirstName *string `json:"first_name,omitempty"`
	LastName  *string `json:"last_name,omitempty"`
	Phone     *string `json:"phone,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
	Role      *Role   `json:"role,omitempty"`
	Status    *string `json:"status,omitempty"`
	Approved  *bool   `json:"approved,omitempty"`
	IsActive  *bool   `json:"is_active,omitempty"`
}

func (u ProfileUpdate) IsEmpty() bool {
	return u.Email == nil && u.FirstName == nil && u.LastName == nil &&
		u.Phone == nil && u.AvatarURL == nil && u.Role == nil &&
		u.Status == nil && u.Approved == nil && u.IsActive == nil
}

// SplitFullName splits on the first space: "Ada King Lovelace" -> ("Ada", "King Lovelace").
func SplitFullName(fullName string) (first, last string) {
	fullName = strings.TrimSpace(fullName)
	first, last, _ = strings.Cut(fullName, " ")
	return first, strings.TrimSpace(last)
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

// StringPtr returns nil for the empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
