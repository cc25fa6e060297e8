package gateway

import "context"

// Consent writes return as soon as the intent is validated; the ledger
// write completes in the background and clients poll has_consent to
// observe it.

func (a *API) giveConsent(ctx context.Context, p Params) (any, error) {
	taskID, err := a.deps.Consents.GiveConsent(ctx, p.Get("study_id"), p.Get("address"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "task_id": taskID, "changed": taskID != ""}, nil
}

func (a *API) withdrawConsent(ctx context.Context, p Params) (any, error) {
	taskID, err := a.deps.Consents.WithdrawConsent(ctx, p.Get("study_id"), p.Get("address"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"accepted": true, "task_id": taskID, "changed": taskID != ""}, nil
}

func (a *API) hasConsent(ctx context.Context, p Params) (any, error) {
	ok, err := a.deps.Consents.HasConsent(ctx, p.Get("study_id"), p.Get("address"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"study_id": p.Get("study_id"), "consent": ok}, nil
}

func (a *API) participantsByStudy(ctx context.Context, p Params) (any, error) {
	participants, err := a.deps.Consents.ParticipantsByStudy(ctx, p.Get("study_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"study_id": p.Get("study_id"), "participants": participants}, nil
}

func (a *API) studiesByParticipant(ctx context.Context, p Params) (any, error) {
	studies, err := a.deps.Consents.StudiesByParticipant(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"studies": studies}, nil
}

func (a *API) consentTrail(ctx context.Context, p Params) (any, error) {
	trail, err := a.deps.Consents.ConsentTrail(ctx, p.Get("username"))
	if err != nil {
		return nil, err
	}
	return map[string]any{"trail": trail}, nil
}
