package gateway

import (
	"context"
	"fmt"
	"time"

	"biobank.org/internal/fault"
	"biobank.org/internal/store"
)

func parseStudyTime(p Params, key string) (time.Time, error) {
	raw := p.Get(key)
	if raw == "" {
		return time.Time{}, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fault.InvalidRequest(fmt.Sprintf("%s is not an RFC 3339 timestamp", key))
	}
	return ts, nil
}

// createStudy writes the relational row first and then the ledger asset.
// A surviving ledger asset from a deleted row surfaces here as
// StudyAssetExists rather than ordinary duplication.
func (a *API) createStudy(ctx context.Context, p Params) (any, error) {
	startsAt, err := parseStudyTime(p, "starts_at")
	if err != nil {
		return nil, err
	}
	endsAt, err := parseStudyTime(p, "ends_at")
	if err != nil {
		return nil, err
	}

	study, err := a.deps.Studies.CreateStudy(ctx, store.Study{
		ID:          p.Get("study_id"),
		Name:        p.Get("name"),
		Description: p.Get("description"),
		StartsAt:    startsAt,
		EndsAt:      endsAt,
	})
	if err != nil {
		return nil, err
	}
	if err := a.deps.Ledger.CreateStudy(ctx, study.ID, study.Name, study.Description); err != nil {
		return nil, err
	}
	return study, nil
}

func (a *API) getStudy(ctx context.Context, p Params) (any, error) {
	return a.deps.Studies.StudyByID(ctx, p.Get("study_id"))
}

func (a *API) updateStudy(ctx context.Context, p Params) (any, error) {
	current, err := a.deps.Studies.StudyByID(ctx, p.Get("study_id"))
	if err != nil {
		return nil, err
	}
	if p.Has("name") {
		current.Name = p.Get("name")
	}
	if p.Has("description") {
		current.Description = p.Get("description")
	}
	if p.Has("starts_at") {
		if current.StartsAt, err = parseStudyTime(p, "starts_at"); err != nil {
			return nil, err
		}
	}
	if p.Has("ends_at") {
		if current.EndsAt, err = parseStudyTime(p, "ends_at"); err != nil {
			return nil, err
		}
	}
	return a.deps.Studies.UpdateStudy(ctx, current)
}

// assignResearcher links an existing researcher account to a study.
func (a *API) assignResearcher(ctx context.Context, p Params) (any, error) {
	user, err := a.deps.Users.UserByUsername(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	study, err := a.deps.Studies.StudyByID(ctx, p.Get("study_id"))
	if err != nil {
		return nil, err
	}
	if err := a.deps.Studies.AssignResearcher(ctx, study.ID, user.ID); err != nil {
		return nil, err
	}
	return map[string]any{"study_id": study.ID, "username": user.Username}, nil
}

func (a *API) studiesByResearcher(ctx context.Context, p Params) (any, error) {
	user, err := a.deps.Users.UserByUsername(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	studies, err := a.deps.Studies.StudiesByResearcher(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"studies": studies}, nil
}

// deleteStudy removes the relational row only. There is no ledger
// rollback; the asset remains as an auditable fact.
func (a *API) deleteStudy(ctx context.Context, p Params) (any, error) {
	if err := a.deps.Studies.DeleteStudy(ctx, p.Get("study_id")); err != nil {
		return nil, err
	}
	return map[string]any{"deleted": p.Get("study_id")}, nil
}
