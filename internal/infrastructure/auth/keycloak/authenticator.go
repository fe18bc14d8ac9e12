package keycloak

import (
	"context"

	"github.com/molforge/molforge/internal/auth"
)

// Authenticator bridges token verification to the HTTP auth middleware.
type Authenticator struct {
	provider AuthProvider
}

func NewAuthenticator(provider AuthProvider) *Authenticator {
	return &Authenticator{provider: provider}
}

// Authenticate verifies the bearer token and maps its claims onto an actor.
// Realm roles become the actor's roles; client roles are flattened in as
// well, since deployments differ in where they attach them.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (auth.Actor, error) {
	claims, err := a.provider.VerifyToken(ctx, token)
	if err != nil {
		return auth.Anonymous, err
	}

	roles := append([]string(nil), claims.RealmRoles...)
	for _, clientRoles := range claims.ClientRoles {
		roles = append(roles, clientRoles...)
	}
	return auth.Actor{
		Subject: claims.Subject,
		Tenant:  claims.TenantID,
		Roles:   roles,
	}, nil
}
