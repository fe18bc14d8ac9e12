// Package auth defines the authorization seam consumed by the query and
// lifecycle services.  Role content lives outside the core: callers supply an
// Authorizer and the core only invokes its predicates.
package auth

import (
	"context"

	"github.com/molforge/molforge/pkg/errors"
)

// Actor identifies the caller of an operation.  The zero value is anonymous.
type Actor struct {
	Subject string
	Tenant  string
	Roles   []string
}

// HasRole reports whether the actor carries the named role.
func (a Actor) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Anonymous is the actor used when no identity was established.
var Anonymous = Actor{}

// Authorizer answers visibility and write questions about molecules.
//
// CanSee and CanWrite return (false, nil) for a plain denial; an error means
// the decision itself could not be made (expired grant, provider down) and
// carries AUTH_002 or COMMON_008 respectively.
type Authorizer interface {
	// CanSee reports whether the actor may read the molecule identified by
	// content hash.
	CanSee(ctx context.Context, actor Actor, contentHash string) (bool, error)

	// CanWrite reports whether the actor may mutate the named entity
	// ("molecule:<hash>", "library:<id>", "upload:<id>").
	CanWrite(ctx context.Context, actor Actor, entity string) (bool, error)
}

// Denied builds the stable permission error for a failed check.
func Denied(actor Actor, what string) error {
	return errors.New(errors.ErrCodePermissionDenied, "actor is not permitted to access "+what).
		WithDetail("subject=" + actor.Subject)
}

// AllowAll grants everything.  It backs single-tenant deployments and the
// ops CLI, where the process itself is the trust boundary.
type AllowAll struct{}

func (AllowAll) CanSee(context.Context, Actor, string) (bool, error)   { return true, nil }
func (AllowAll) CanWrite(context.Context, Actor, string) (bool, error) { return true, nil }

// DenyAll refuses everything.  Useful as a fail-closed default in tests and
// during partial configuration.
type DenyAll struct{}

func (DenyAll) CanSee(context.Context, Actor, string) (bool, error)   { return false, nil }
func (DenyAll) CanWrite(context.Context, Actor, string) (bool, error) { return false, nil }

// Func adapts two closures into an Authorizer.
type Func struct {
	SeeFn   func(ctx context.Context, actor Actor, contentHash string) (bool, error)
	WriteFn func(ctx context.Context, actor Actor, entity string) (bool, error)
}

func (f Func) CanSee(ctx context.Context, actor Actor, contentHash string) (bool, error) {
	if f.SeeFn == nil {
		return false, nil
	}
	return f.SeeFn(ctx, actor, contentHash)
}

func (f Func) CanWrite(ctx context.Context, actor Actor, entity string) (bool, error) {
	if f.WriteFn == nil {
		return false, nil
	}
	return f.WriteFn(ctx, actor, entity)
}
