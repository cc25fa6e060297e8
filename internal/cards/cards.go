// Package cards manages ledger identities issued to participants. A
// deployment runs in one of two modes: a single identity reused across
// every study, or one identity per study enrolment so a participant's
// consents cannot be linked across studies by address.
package cards

import (
	"context"
	"sync"
	"time"

	"biobank.org/internal/config"
	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
	"biobank.org/internal/store"
)

// RowStore is the card persistence the service needs. OwnerOfAddress
// returns an empty id for addresses this deployment never issued.
type RowStore interface {
	InsertCard(ctx context.Context, c store.Card) error
	CardsByUser(ctx context.Context, userID string) ([]store.Card, error)
	OwnerOfAddress(ctx context.Context, address string) (string, error)
	TakeTempCard(ctx context.Context, userID string) ([]byte, error)
	SaveCredCard(ctx context.Context, userID string, card []byte) error
}

// Service issues and resolves identity cards. Issuance is serialised per
// participant; concurrent callers may still each observe no card and
// issue one, which the ledger tolerates.
type Service struct {
	rows   RowStore
	ledger ledger.Connector
	mode   config.CardMode

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(rows RowStore, l ledger.Connector, mode config.CardMode) *Service {
	return &Service{rows: rows, ledger: l, mode: mode, locks: make(map[string]*sync.Mutex)}
}

func (s *Service) lockFor(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Issue runs the two-step issuance: register an identity on the ledger,
// then request its card bundle. The bundle is stored as a one-time card
// until the participant collects it.
func (s *Service) Issue(ctx context.Context, userID, studyID string) (store.Card, error) {
	identity, err := s.ledger.CreateParticipant(ctx, userID)
	if err != nil {
		return store.Card{}, err
	}
	bundle, err := s.ledger.RequestCard(ctx, userID, identity.Address)
	if err != nil {
		return store.Card{}, err
	}
	card := store.Card{
		UserID:     userID,
		StudyID:    studyID,
		Address:    identity.Address,
		PrivateKey: identity.PrivateKey,
		TempCard:   bundle,
		IssuedAt:   time.Now().UTC(),
	}
	if err := s.rows.InsertCard(ctx, card); err != nil {
		return store.Card{}, err
	}
	return card, nil
}

// ActiveAddress resolves the address a participant acts under for a
// study, issuing a card first when none qualifies.
func (s *Service) ActiveAddress(ctx context.Context, userID, studyID string) (string, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	addr, err := s.resolve(ctx, userID, studyID)
	if err != nil {
		return "", err
	}
	if addr != "" {
		return addr, nil
	}

	issueStudy := studyID
	if s.mode == config.SingleCard {
		issueStudy = ""
	}
	card, err := s.Issue(ctx, userID, issueStudy)
	if err != nil {
		return "", err
	}
	return card.Address, nil
}

// AddressIfAny resolves without issuing. An empty address means the
// participant has never acted in the study under any held identity.
func (s *Service) AddressIfAny(ctx context.Context, userID, studyID string) (string, error) {
	return s.resolve(ctx, userID, studyID)
}

func (s *Service) resolve(ctx context.Context, userID, studyID string) (string, error) {
	held, err := s.rows.CardsByUser(ctx, userID)
	if err != nil {
		return "", err
	}
	if len(held) == 0 {
		return "", nil
	}

	if s.mode == config.SingleCard {
		// One identity for everything; newest wins if history holds more.
		return held[len(held)-1].Address, nil
	}

	// A card issued for this study stays the candidate while its first
	// consent write is still in flight on the ledger.
	for i := len(held) - 1; i >= 0; i-- {
		if held[i].StudyID == studyID {
			return held[i].Address, nil
		}
	}

	// Rows predating study attribution only show up in the ledger's
	// membership set.
	members, err := s.ledger.AllStudyParticipants(ctx, studyID)
	if err != nil {
		return "", err
	}
	enrolled := make(map[string]struct{}, len(members))
	for _, m := range members {
		enrolled[m] = struct{}{}
	}
	for i := len(held) - 1; i >= 0; i-- {
		if _, ok := enrolled[held[i].Address]; ok {
			return held[i].Address, nil
		}
	}
	return "", nil
}

// AddressesOf lists every address ever issued to the participant,
// oldest first.
func (s *Service) AddressesOf(ctx context.Context, userID string) ([]string, error) {
	held, err := s.rows.CardsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(held))
	for _, c := range held {
		out = append(out, c.Address)
	}
	return out, nil
}

// OwnerOf maps a ledger address back to the participant it was issued
// to. Addresses not issued here resolve to an empty id.
func (s *Service) OwnerOf(ctx context.Context, address string) (string, error) {
	return s.rows.OwnerOfAddress(ctx, address)
}

// GetCard hands out the pending one-time card, issuing an identity
// first for a participant who holds none. The bundle can be collected
// exactly once; afterwards only a stored credential card remains, via
// the rows the caller reads directly.
func (s *Service) GetCard(ctx context.Context, userID string) ([]byte, error) {
	lock := s.lockFor(userID)
	lock.Lock()
	defer lock.Unlock()

	bundle, err := s.rows.TakeTempCard(ctx, userID)
	if err == nil || !fault.Is(err, fault.KindCardNotFound) {
		return bundle, err
	}

	held, herr := s.rows.CardsByUser(ctx, userID)
	if herr != nil {
		return nil, herr
	}
	if len(held) > 0 {
		// The one-time bundle was collected already.
		return nil, err
	}

	if _, err := s.Issue(ctx, userID, ""); err != nil {
		return nil, err
	}
	return s.rows.TakeTempCard(ctx, userID)
}

// SaveCredCard stores the activated credential card the participant
// uploads after importing the one-time bundle.
func (s *Service) SaveCredCard(ctx context.Context, userID string, card []byte) error {
	if len(card) == 0 {
		return fault.InvalidRequest("credential card payload is empty")
	}
	return s.rows.SaveCredCard(ctx, userID, card)
}
