// Package consent orchestrates consent changes between the relational
// store and the ledger. Reads are synchronous; writes are validated
// inline and then dispatched to the task pool, so callers observe the
// new state only after the ledger write lands.
package consent

import (
	"context"
	"sort"
	"time"

	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
	"biobank.org/internal/store"
	"biobank.org/internal/tasks"
)

// Studies is the slice of the relational store the orchestrator reads.
type Studies interface {
	StudyByID(ctx context.Context, id string) (store.Study, error)
	ListStudies(ctx context.Context) ([]store.Study, error)
}

type Participants interface {
	ParticipantByID(ctx context.Context, userID string) (store.Participant, error)
}

// Identities resolves participants to ledger addresses and back.
type Identities interface {
	ActiveAddress(ctx context.Context, userID, studyID string) (string, error)
	AddressIfAny(ctx context.Context, userID, studyID string) (string, error)
	AddressesOf(ctx context.Context, userID string) ([]string, error)
	OwnerOf(ctx context.Context, address string) (string, error)
}

// TrailEntry is one moment in a participant's merged consent history.
// Changes maps study ids to the status recorded at that timestamp.
type TrailEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Changes   map[string]bool `json:"changes"`
}

type Orchestrator struct {
	studies      Studies
	participants Participants
	cards        Identities
	ledger       ledger.Connector
	pool         *tasks.Pool
	now          func() time.Time
}

func New(studies Studies, participants Participants, cards Identities, l ledger.Connector, pool *tasks.Pool) *Orchestrator {
	return &Orchestrator{
		studies:      studies,
		participants: participants,
		cards:        cards,
		ledger:       l,
		pool:         pool,
		now:          time.Now,
	}
}

// GiveConsent records consent for the participant in the study. The
// ledger write happens asynchronously; the returned task id is empty
// when the participant already consents and nothing needs writing.
func (o *Orchestrator) GiveConsent(ctx context.Context, studyID, userID string) (string, error) {
	return o.setConsent(ctx, studyID, userID, true)
}

// WithdrawConsent is the inverse of GiveConsent with the same
// write-only-on-change contract.
func (o *Orchestrator) WithdrawConsent(ctx context.Context, studyID, userID string) (string, error) {
	return o.setConsent(ctx, studyID, userID, false)
}

func (o *Orchestrator) setConsent(ctx context.Context, studyID, userID string, status bool) (string, error) {
	study, err := o.studies.StudyByID(ctx, studyID)
	if err != nil {
		return "", err
	}
	if !study.Active(o.now()) {
		return "", fault.StudyNotActive(studyID)
	}
	if _, err := o.participants.ParticipantByID(ctx, userID); err != nil {
		return "", err
	}

	var address string
	if status {
		address, err = o.cards.ActiveAddress(ctx, userID, studyID)
	} else {
		address, err = o.cards.AddressIfAny(ctx, userID, studyID)
	}
	if err != nil {
		return "", err
	}
	// No identity and nothing to withdraw: already the requested state.
	if address == "" && !status {
		return "", nil
	}

	current, err := o.ledger.HasConsent(ctx, studyID, address)
	if err != nil {
		return "", err
	}
	if current == status {
		return "", nil
	}

	kind := "give_consent"
	if !status {
		kind = "withdraw_consent"
	}
	return o.pool.Submit(ctx, tasks.Task{
		Kind:    kind,
		StudyID: studyID,
		UserID:  userID,
		Run: func(taskCtx context.Context) error {
			return o.ledger.SetConsent(taskCtx, studyID, address, status)
		},
	})
}

// HasConsent reads the participant's current status in the study. A
// participant with no usable identity has necessarily never consented.
func (o *Orchestrator) HasConsent(ctx context.Context, studyID, userID string) (bool, error) {
	if _, err := o.studies.StudyByID(ctx, studyID); err != nil {
		return false, err
	}
	if _, err := o.participants.ParticipantByID(ctx, userID); err != nil {
		return false, err
	}
	address, err := o.cards.AddressIfAny(ctx, userID, studyID)
	if err != nil {
		return false, err
	}
	if address == "" {
		return false, nil
	}
	return o.ledger.HasConsent(ctx, studyID, address)
}

// StudiesByParticipant lists the studies the participant currently
// consents to, scanning every known study.
func (o *Orchestrator) StudiesByParticipant(ctx context.Context, userID string) ([]store.Study, error) {
	if _, err := o.participants.ParticipantByID(ctx, userID); err != nil {
		return nil, err
	}
	all, err := o.studies.ListStudies(ctx)
	if err != nil {
		return nil, err
	}
	var out []store.Study
	for _, study := range all {
		address, err := o.cards.AddressIfAny(ctx, userID, study.ID)
		if err != nil {
			return nil, err
		}
		if address == "" {
			continue
		}
		ok, err := o.ledger.HasConsent(ctx, study.ID, address)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, study)
		}
	}
	return out, nil
}

// ConsentTrail merges the participant's per-study histories into one
// timeline, oldest first. Entries are keyed by the full event timestamp;
// distinct changes across studies at the same instant share an entry.
func (o *Orchestrator) ConsentTrail(ctx context.Context, userID string) ([]TrailEntry, error) {
	if _, err := o.participants.ParticipantByID(ctx, userID); err != nil {
		return nil, err
	}
	addresses, err := o.cards.AddressesOf(ctx, userID)
	if err != nil {
		return nil, err
	}
	all, err := o.studies.ListStudies(ctx)
	if err != nil {
		return nil, err
	}

	merged := make(map[time.Time]map[string]bool)
	for _, study := range all {
		for _, address := range addresses {
			events, err := o.ledger.ConsentTrail(ctx, study.ID, address)
			if err != nil {
				return nil, err
			}
			for _, ev := range events {
				key := ev.Timestamp
				if merged[key] == nil {
					merged[key] = make(map[string]bool)
				}
				merged[key][study.ID] = ev.Status
			}
		}
	}

	out := make([]TrailEntry, 0, len(merged))
	for ts, changes := range merged {
		out = append(out, TrailEntry{Timestamp: ts, Changes: changes})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// ParticipantsByStudy joins the study's consenting addresses back to
// relational rows. Addresses issued elsewhere are skipped rather than
// surfaced as errors.
func (o *Orchestrator) ParticipantsByStudy(ctx context.Context, studyID string) ([]store.Participant, error) {
	if _, err := o.studies.StudyByID(ctx, studyID); err != nil {
		return nil, err
	}
	addresses, err := o.ledger.StudyParticipants(ctx, studyID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{})
	var out []store.Participant
	for _, address := range addresses {
		userID, err := o.cards.OwnerOf(ctx, address)
		if err != nil {
			return nil, err
		}
		if userID == "" {
			continue
		}
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		p, err := o.participants.ParticipantByID(ctx, userID)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}
