package gateway

import "net/http"

func (a *API) registerRoutes() {
	// studies
	a.registry.Add(Route{Method: http.MethodPost, Path: "/study",
		Scopes: []string{ScopeCreateStudy}, Required: []string{"name", "starts_at"},
		Handle: a.createStudy})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/study",
		Scopes: []string{ScopeReadStudy}, Required: []string{"study_id"},
		Handle: a.getStudy})
	a.registry.Add(Route{Method: http.MethodPut, Path: "/study",
		Scopes: []string{ScopeUpdateStudy}, Required: []string{"study_id"},
		Handle: a.updateStudy})
	a.registry.Add(Route{Method: http.MethodDelete, Path: "/study",
		Scopes: []string{ScopeRemoveStudy}, Required: []string{"study_id"},
		Handle: a.deleteStudy})
	a.registry.Add(Route{Method: http.MethodPost, Path: "/study/researcher",
		Scopes: []string{ScopeAssignResearcher}, Required: []string{"study_id", "username"},
		Handle: a.assignResearcher})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/get_studies_by_researcher",
		Scopes: []string{ScopeStudiesByResearcher}, Required: []string{"username"},
		Handle: a.studiesByResearcher})

	// consent
	a.registry.Add(Route{Method: http.MethodPost, Path: "/give_consent",
		Scopes: []string{ScopeGiveConsent}, Required: []string{"study_id", "address"}, SelfOnly: true,
		Handle: a.giveConsent})
	a.registry.Add(Route{Method: http.MethodPost, Path: "/withdraw_consent",
		Scopes: []string{ScopeWithdrawConsent}, Required: []string{"study_id", "address"}, SelfOnly: true,
		Handle: a.withdrawConsent})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/has_consent",
		Scopes: []string{ScopeHasConsent}, Required: []string{"study_id", "address"}, SelfOnly: true,
		Handle: a.hasConsent})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/get_participants_by_study",
		Scopes: []string{ScopeParticipantsByStudy}, Required: []string{"study_id"},
		Handle: a.participantsByStudy})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/get_studies_by_participant",
		Scopes: []string{ScopeStudiesByParticipant}, Required: []string{"username"}, SelfOnly: true,
		Handle: a.studiesByParticipant})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/get_consent_trail",
		Scopes: []string{ScopeConsentTrail}, Required: []string{"username"}, SelfOnly: true,
		Handle: a.consentTrail})

	// identity cards
	a.registry.Add(Route{Method: http.MethodGet, Path: "/has_card",
		Scopes: []string{ScopeHasCard}, Required: []string{"username"}, SelfOnly: true,
		Handle: a.hasCard})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/get_card",
		Scopes: []string{ScopeGetCard}, Required: []string{"username"}, SelfOnly: true,
		Handle: a.getCard})
	a.registry.Add(Route{Method: http.MethodPost, Path: "/save_cred_card",
		Scopes: []string{ScopeSaveCredCard}, Required: []string{"username", "card_file"}, SelfOnly: true,
		Handle: a.saveCredCard})

	// role administration
	a.registry.Add(Route{Method: http.MethodPost, Path: "/participant",
		Scopes: []string{ScopeCreateParticipant}, Required: []string{"username", "name", "email"},
		Handle: a.createParticipant})
	a.registry.Add(Route{Method: http.MethodGet, Path: "/participants",
		Scopes: []string{ScopeReadParticipants},
		Handle: a.listParticipants})
	a.registry.Add(Route{Method: http.MethodDelete, Path: "/participant",
		Scopes: []string{ScopeRemoveParticipant}, Required: []string{"username"},
		Handle: a.deleteParticipant})
	a.registry.Add(Route{Method: http.MethodPost, Path: "/researcher",
		Scopes: []string{ScopeCreateResearcher}, Required: []string{"username", "institute"},
		Handle: a.createResearcher})
	a.registry.Add(Route{Method: http.MethodDelete, Path: "/researcher",
		Scopes: []string{ScopeRemoveResearcher}, Required: []string{"username"},
		Handle: a.deleteResearcher})
	a.registry.Add(Route{Method: http.MethodPost, Path: "/biobanker",
		Scopes: []string{ScopeCreateBiobanker}, Required: []string{"username"},
		Handle: a.createBiobanker})
	a.registry.Add(Route{Method: http.MethodDelete, Path: "/biobanker",
		Scopes: []string{ScopeRemoveBiobanker}, Required: []string{"username"},
		Handle: a.deleteBiobanker})
}
