package keycloak

import (
	"context"
	"strings"
	"sync"

	"github.com/molforge/molforge/internal/auth"
	"github.com/molforge/molforge/internal/infrastructure/monitoring/logging"
)

// Permission is a fine-grained capability string.
type Permission string

const (
	PermMoleculeRead   Permission = "molecule:read"
	PermMoleculeWrite  Permission = "molecule:write"
	PermMoleculeFlag   Permission = "molecule:flag"
	PermLibraryManage  Permission = "library:manage"
	PermUploadCreate   Permission = "upload:create"
	PermUploadRun      Permission = "upload:run"
	PermUploadCancel   Permission = "upload:cancel"
	PermPredictRequest Permission = "prediction:request"
	PermPredictCancel  Permission = "prediction:cancel"
	PermLifecycleEvent Permission = "lifecycle:event"
	PermSystemMonitor  Permission = "system:monitor"
)

// Role is a platform role carried in the token's realm roles.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleChemist   Role = "chemist"
	RoleAssayTech Role = "assay_tech"
	RolePipeline  Role = "pipeline"
	RoleViewer    Role = "viewer"
)

// RolePermissionMapping maps roles to the permissions they grant.
type RolePermissionMapping map[Role][]Permission

// DefaultRolePermissionMapping grants chemists the full molecule surface,
// assay technicians the lifecycle events they report, and pipeline service
// accounts everything ingestion and prediction need.
func DefaultRolePermissionMapping() RolePermissionMapping {
	return RolePermissionMapping{
		RoleAdmin: {
			PermMoleculeRead, PermMoleculeWrite, PermMoleculeFlag, PermLibraryManage,
			PermUploadCreate, PermUploadRun, PermUploadCancel,
			PermPredictRequest, PermPredictCancel,
			PermLifecycleEvent, PermSystemMonitor,
		},
		RoleChemist: {
			PermMoleculeRead, PermMoleculeWrite, PermMoleculeFlag, PermLibraryManage,
			PermUploadCreate, PermUploadRun, PermUploadCancel,
			PermPredictRequest, PermPredictCancel,
		},
		RoleAssayTech: {
			PermMoleculeRead, PermLifecycleEvent,
		},
		RolePipeline: {
			PermMoleculeRead, PermMoleculeWrite,
			PermUploadRun, PermPredictRequest, PermLifecycleEvent,
		},
		RoleViewer: {
			PermMoleculeRead,
		},
	}
}

// Enforcer answers permission questions for an actor's roles.  The mapping
// can be swapped at runtime when role definitions change in the realm.
type Enforcer struct {
	mu      sync.RWMutex
	mapping RolePermissionMapping
	logger  logging.Logger
}

func NewEnforcer(mapping RolePermissionMapping, logger logging.Logger) *Enforcer {
	if mapping == nil {
		mapping = DefaultRolePermissionMapping()
	}
	return &Enforcer{mapping: mapping, logger: logger.Named("rbac")}
}

// UpdateMapping replaces the role-permission mapping.
func (e *Enforcer) UpdateMapping(mapping RolePermissionMapping) {
	e.mu.Lock()
	e.mapping = mapping
	e.mu.Unlock()
}

// HasPermission reports whether any of the actor's roles grants the
// permission.
func (e *Enforcer) HasPermission(actor auth.Actor, perm Permission) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, role := range actor.Roles {
		for _, granted := range e.mapping[Role(role)] {
			if granted == perm {
				return true
			}
		}
	}
	return false
}

// Permissions returns the union of permissions across the actor's roles.
func (e *Enforcer) Permissions(actor auth.Actor) []Permission {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[Permission]struct{})
	var perms []Permission
	for _, role := range actor.Roles {
		for _, granted := range e.mapping[Role(role)] {
			if _, ok := seen[granted]; !ok {
				seen[granted] = struct{}{}
				perms = append(perms, granted)
			}
		}
	}
	return perms
}

// Authorizer adapts the enforcer to the core authorization seam: reads
// require molecule:read, writes the permission matching the entity kind.
type Authorizer struct {
	enforcer *Enforcer
}

func NewAuthorizer(enforcer *Enforcer) *Authorizer {
	return &Authorizer{enforcer: enforcer}
}

func (a *Authorizer) CanSee(_ context.Context, actor auth.Actor, _ string) (bool, error) {
	return a.enforcer.HasPermission(actor, PermMoleculeRead), nil
}

func (a *Authorizer) CanWrite(_ context.Context, actor auth.Actor, entity string) (bool, error) {
	return a.enforcer.HasPermission(actor, writePermissionFor(entity)), nil
}

func writePermissionFor(entity string) Permission {
	kind := entity
	if i := strings.IndexByte(entity, ':'); i >= 0 {
		kind = entity[:i]
	}
	switch kind {
	case "library":
		return PermLibraryManage
	case "upload":
		return PermUploadRun
	default:
		return PermMoleculeWrite
	}
}
