// Package rest talks to a permissioned ledger through two HTTP endpoints:
// an admin-scoped one (asset creation, identity issuance, unrestricted
// study queries) and a multi-user one (consent reads and writes under the
// caller's token).
package rest

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"time"

	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
)

// Ledger implements ledger.Connector against the REST backend.
type Ledger struct {
	admin *client
	user  *client
	now   func() time.Time
}

var _ ledger.Connector = (*Ledger)(nil)

// Config carries the two endpoint locations and their bearer tokens.
type Config struct {
	AdminURL   string
	AdminToken string
	UserURL    string
	UserToken  string
}

func New(cfg Config) *Ledger {
	return &Ledger{
		admin: newClient(cfg.AdminURL, cfg.AdminToken),
		user:  newClient(cfg.UserURL, cfg.UserToken),
		now:   time.Now,
	}
}

type identityReply struct {
	Address string `json:"address"`
}

type cardReply struct {
	Card string `json:"card"`
}

type consentRecord struct {
	Key       string    `json:"key,omitempty"`
	StudyID   string    `json:"study_id"`
	Address   string    `json:"address"`
	Status    bool      `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

type consentPage struct {
	Items []consentRecord `json:"items"`
}

type latestReply struct {
	Found  bool `json:"found"`
	Status bool `json:"status"`
}

func (l *Ledger) CreateParticipant(ctx context.Context, userID string) (ledger.Identity, error) {
	var reply identityReply
	err := l.admin.do(ctx, http.MethodPost, "/identities", nil,
		map[string]string{"user_id": userID}, &reply)
	if err != nil {
		return ledger.Identity{}, adminFault(fault.KindInternal, err, "create participant %s", userID)
	}
	return ledger.Identity{Address: reply.Address}, nil
}

func (l *Ledger) RequestCard(ctx context.Context, userID, address string) ([]byte, error) {
	var reply cardReply
	err := l.admin.do(ctx, http.MethodPost, "/identities/"+url.PathEscape(address)+"/card", nil,
		map[string]string{"user_id": userID}, &reply)
	if err != nil {
		return nil, adminFault(fault.KindInternal, err, "request card for %s", address)
	}
	card, err := base64.StdEncoding.DecodeString(reply.Card)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, http.StatusInternalServerError, err, "ledger returned an undecodable card")
	}
	return card, nil
}

func (l *Ledger) CreateStudy(ctx context.Context, studyID, name, description string) error {
	err := l.admin.do(ctx, http.MethodPost, "/studies", nil, map[string]string{
		"study_id":    studyID,
		"name":        name,
		"description": description,
	}, nil)
	if err == nil {
		return nil
	}
	var ae *apiError
	if errors.As(err, &ae) && ae.Status == http.StatusConflict {
		// The asset survives relational deletions; report the divergence
		// instead of an ordinary duplicate.
		return fault.StudyAssetExists(studyID)
	}
	return adminFault(fault.KindCreateStudyFailed, err, "create study %s", studyID)
}

func (l *Ledger) SetConsent(ctx context.Context, studyID, address string, status bool) error {
	ts := l.now().UTC()
	rec := consentRecord{
		Key:       consentKey(ts, studyID, address),
		StudyID:   studyID,
		Address:   address,
		Status:    status,
		Timestamp: ts,
	}
	if err := l.user.do(ctx, http.MethodPost, "/consents", nil, rec, nil); err != nil {
		kind := fault.KindAddConsentFailed
		if !status {
			kind = fault.KindWithdrawConsentFailed
		}
		return fault.Wrap(kind, http.StatusInternalServerError, err, "write consent for study %s", studyID)
	}
	return nil
}

func (l *Ledger) HasConsent(ctx context.Context, studyID, address string) (bool, error) {
	q := url.Values{"study_id": {studyID}, "address": {address}}
	var reply latestReply
	if err := l.user.do(ctx, http.MethodGet, "/consents/latest", q, nil, &reply); err != nil {
		return false, fault.Wrap(fault.KindHasConsentedFailed, http.StatusInternalServerError, err, "read consent for study %s", studyID)
	}
	if !reply.Found {
		return false, nil
	}
	return reply.Status, nil
}

func (l *Ledger) StudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	events, err := l.studyHistory(ctx, studyID)
	if err != nil {
		return nil, adminFault(fault.KindConsentingFailed, err, "list consenting participants of %s", studyID)
	}
	return ledger.ConsentingAddresses(events), nil
}

func (l *Ledger) AllStudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	events, err := l.studyHistory(ctx, studyID)
	if err != nil {
		return nil, adminFault(fault.KindAllParticipantsFailed, err, "list participants of %s", studyID)
	}
	return ledger.AllAddresses(events), nil
}

func (l *Ledger) ConsentTrail(ctx context.Context, studyID, address string) ([]ledger.ConsentEvent, error) {
	q := url.Values{"study_id": {studyID}, "address": {address}}
	var page consentPage
	if err := l.user.do(ctx, http.MethodGet, "/consents", q, nil, &page); err != nil {
		return nil, fault.Wrap(fault.KindConsentTrailFailed, http.StatusInternalServerError, err, "read consent trail for study %s", studyID)
	}
	events := toEvents(page.Items)
	ledger.SortAscending(events)
	return events, nil
}

// studyHistory fetches the full consent-event history for a study through
// the admin endpoint (unrestricted query).
func (l *Ledger) studyHistory(ctx context.Context, studyID string) ([]ledger.ConsentEvent, error) {
	var page consentPage
	err := l.admin.do(ctx, http.MethodGet, "/studies/"+url.PathEscape(studyID)+"/consents", nil, nil, &page)
	if err != nil {
		return nil, err
	}
	return toEvents(page.Items), nil
}

func toEvents(items []consentRecord) []ledger.ConsentEvent {
	events := make([]ledger.ConsentEvent, 0, len(items))
	for _, it := range items {
		events = append(events, ledger.ConsentEvent{
			StudyID:   it.StudyID,
			Address:   it.Address,
			Timestamp: it.Timestamp,
			Status:    it.Status,
		})
	}
	return events
}

// consentKey derives the asset key for a consent write.
func consentKey(ts time.Time, studyID, address string) string {
	sum := md5.Sum([]byte(ts.Format(time.RFC3339Nano) + studyID + address))
	return hex.EncodeToString(sum[:])
}

// adminFault maps endpoint failures to domain errors; an admin endpoint
// rejecting the caller's token is unauthorized data access, not a generic
// ledger failure.
func adminFault(kind string, err error, format string, args ...any) error {
	var ae *apiError
	if errors.As(err, &ae) && (ae.Status == http.StatusUnauthorized || ae.Status == http.StatusForbidden) {
		return fault.UnauthorizedDataAccess()
	}
	return fault.Wrap(kind, http.StatusInternalServerError, err, format, args...)
}
