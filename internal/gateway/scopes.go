package gateway

// Scope names carried in access tokens, one per protected operation.
const (
	ScopeCreateStudy         = "create_study"
	ScopeReadStudy           = "read_study"
	ScopeUpdateStudy         = "update_study"
	ScopeRemoveStudy         = "remove_study"
	ScopeAssignResearcher    = "assign_researcher"
	ScopeStudiesByResearcher = "get_studies_by_researcher"

	ScopeGiveConsent          = "give_consent"
	ScopeWithdrawConsent      = "withdraw_consent"
	ScopeHasConsent           = "has_consent"
	ScopeParticipantsByStudy  = "get_participants_by_study"
	ScopeStudiesByParticipant = "get_studies_by_participant"
	ScopeConsentTrail         = "get_consent_trail"

	ScopeHasCard      = "has_card"
	ScopeGetCard      = "get_card"
	ScopeSaveCredCard = "save_cred_card"

	ScopeCreateParticipant = "create_participant"
	ScopeReadParticipants  = "read_participants"
	ScopeRemoveParticipant = "remove_participant"
	ScopeCreateResearcher  = "create_researcher"
	ScopeRemoveResearcher  = "remove_researcher"
	ScopeCreateBiobanker   = "create_biobanker"
	ScopeRemoveBiobanker   = "remove_biobanker"
)
