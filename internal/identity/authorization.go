package identity

import (
	"fmt"
	"slices"

	"github.com/FACorreiaa/go-property-portal/internal/types"
)

// Navigation targets.
const (
	RouteRoot            = "/"
	RouteRoleSelection   = "/auth/role-selection"
	RouteSuperAdmin      = "/portal/super-admin/dashboard"
	RoutePropertyManager = "/portal/manager"
	RouteTenant          = "/portal/tenant"
	RouteOwner           = "/portal/owner"
	RouteProfile         = "/profile"
)

// PermissionAll grants every permission.
const PermissionAll = "*"

var rolePermissions = map[types.Role][]string{
	types.RoleTenant:          {"view_lease", "pay_rent", "submit_maintenance"},
	types.RolePropertyManager: {"manage_assigned_properties", "view_tenants", "collect_rent"},
	types.RoleSuperAdmin:      {PermissionAll},
	types.RoleOwner:           {"manage_properties", "view_tenants", "manage_managers"},
}

// Permissions returns a copy of the permission list for role.
func Permissions(role types.Role) []string {
	return slices.Clone(rolePermissions[role])
}

// RouteFor is the post-login destination for a resolved profile.
func RouteFor(p *types.Profile) string {
	if p == nil || p.Role == nil {
		return RouteRoleSelection
	}
	switch *p.Role {
	case types.RoleSuperAdmin:
		return RouteSuperAdmin
	case types.RolePropertyManager:
		return RoutePropertyManager
	case types.RoleTenant:
		return RouteTenant
	case types.RoleOwner:
		return RouteOwner
	default:
		return RouteProfile
	}
}

type AuthorizationKind int

const (
	Unassigned AuthorizationKind = iota
	PendingApproval
	Approved
)

func (k AuthorizationKind) String() string {
	switch k {
	case PendingApproval:
		return "pending_approval"
	case Approved:
		return "approved"
	default:
		return "unassigned"
	}
}

func (k AuthorizationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *AuthorizationKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "unassigned":
		*k = Unassigned
	case "pending_approval":
		*k = PendingApproval
	case "approved":
		*k = Approved
	default:
		return fmt.Errorf("unknown authorization kind %q", b)
	}
	return nil
}

// Authorization is what a profile is allowed to do. A super_admin is always
// Approved; the stored approved flag only matters for the other roles.
type Authorization struct {
	Kind AuthorizationKind `json:"kind"`
	Role types.Role        `json:"role,omitempty"`
}

func AuthorizationFor(p *types.Profile) Authorization {
	if p == nil || p.Role == nil {
		return Authorization{Kind: Unassigned}
	}
	role := *p.Role
	if role == types.RoleSuperAdmin || p.Approved {
		return Authorization{Kind: Approved, Role: role}
	}
	return Authorization{Kind: PendingApproval, Role: role}
}

func (a Authorization) IsApproved() bool { return a.Kind == Approved }

func (a Authorization) IsAdmin() bool { return a.Role == types.RoleSuperAdmin }

// HasPermission is false without a role and true for super_admin. Other
// roles are looked up in the permission table.
func (a Authorization) HasPermission(permission string) bool {
	if a.Kind == Unassigned || a.Role == "" {
		return false
	}
	if a.Role == types.RoleSuperAdmin {
		return true
	}
	perms := rolePermissions[a.Role]
	return slices.Contains(perms, PermissionAll) || slices.Contains(perms, permission)
}
