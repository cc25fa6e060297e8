package ledger

import (
	"context"
	"time"
)

// ConsentEvent is one append-only entry in the ledger's consent log.
// Current consent for a (study, address) pair is the status of the most
// recent event; absence of any event means no consent.
type ConsentEvent struct {
	StudyID   string    `json:"study_id"`
	Address   string    `json:"address"`
	Timestamp time.Time `json:"timestamp"`
	Status    bool      `json:"status"`
}

// Identity is a ledger-side participant identity: the public address plus,
// for backends that derive keys locally, the signing key to persist.
type Identity struct {
	Address    string
	PrivateKey []byte
}

// Connector is the capability surface both ledger backends implement. All
// orchestration code depends only on this interface.
type Connector interface {
	// CreateParticipant registers a participant as a first-class ledger
	// asset and returns the issued identity.
	CreateParticipant(ctx context.Context, userID string) (Identity, error)

	// RequestCard asks the ledger for a usable credential bundle for an
	// already registered identity (step two of issuance).
	RequestCard(ctx context.Context, userID, address string) ([]byte, error)

	// CreateStudy posts the study asset. A study already present on the
	// ledger is reported as the distinct StudyAssetExists condition.
	CreateStudy(ctx context.Context, studyID, name, description string) error

	// SetConsent appends a consent event for the pair.
	SetConsent(ctx context.Context, studyID, address string, status bool) error

	// HasConsent returns the status of the most recent event for the
	// pair, defaulting to false when none exists.
	HasConsent(ctx context.Context, studyID, address string) (bool, error)

	// StudyParticipants returns addresses whose latest event for the
	// study has status true.
	StudyParticipants(ctx context.Context, studyID string) ([]string, error)

	// AllStudyParticipants returns every address that ever appears in the
	// study's event history, regardless of current status.
	AllStudyParticipants(ctx context.Context, studyID string) ([]string, error)

	// ConsentTrail returns the pair's full event history in ascending
	// timestamp order.
	ConsentTrail(ctx context.Context, studyID, address string) ([]ConsentEvent, error)
}
