package gateway

import (
	"context"

	"biobank.org/internal/store"
)

func (a *API) createParticipant(ctx context.Context, p Params) (any, error) {
	return a.deps.Users.CreateParticipant(ctx, p.Get("username"), p.Get("name"), p.Get("email"))
}

func (a *API) listParticipants(ctx context.Context, p Params) (any, error) {
	participants, err := a.deps.Users.ListParticipants(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{"participants": participants}, nil
}

func (a *API) deleteParticipant(ctx context.Context, p Params) (any, error) {
	return a.deleteRole(ctx, p.Get("username"), store.RoleParticipant)
}

func (a *API) createResearcher(ctx context.Context, p Params) (any, error) {
	return a.deps.Users.CreateResearcher(ctx, p.Get("username"), p.Get("institute"))
}

func (a *API) deleteResearcher(ctx context.Context, p Params) (any, error) {
	return a.deleteRole(ctx, p.Get("username"), store.RoleResearcher)
}

func (a *API) createBiobanker(ctx context.Context, p Params) (any, error) {
	return a.deps.Users.CreateBiobanker(ctx, p.Get("username"))
}

func (a *API) deleteBiobanker(ctx context.Context, p Params) (any, error) {
	return a.deleteRole(ctx, p.Get("username"), store.RoleBiobanker)
}

// deleteRole resolves the username, checks the row really carries the
// expected role, and deletes the extension row. The database trigger
// removes the base user in the same statement.
func (a *API) deleteRole(ctx context.Context, username string, role store.Role) (any, error) {
	user, err := a.deps.Users.UserByUsername(ctx, username)
	if err != nil {
		return nil, err
	}
	switch role {
	case store.RoleParticipant:
		err = a.deps.Users.DeleteParticipant(ctx, user.ID)
	case store.RoleResearcher:
		err = a.deps.Users.DeleteResearcher(ctx, user.ID)
	default:
		err = a.deps.Users.DeleteBiobanker(ctx, user.ID)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": username}, nil
}
