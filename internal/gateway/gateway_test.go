package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"biobank.org/internal/consent"
	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
	"biobank.org/internal/store"
	"biobank.org/internal/token"
)

type stubStudies struct{}

func (stubStudies) CreateStudy(ctx context.Context, st store.Study) (store.Study, error) {
	st.CreatedAt = time.Now().UTC()
	return st, nil
}
func (stubStudies) StudyByID(ctx context.Context, id string) (store.Study, error) {
	if id != "s1" {
		return store.Study{}, fault.StudyDoesNotExist(id)
	}
	return store.Study{ID: "s1", Name: "Sleep Study", StartsAt: time.Now().Add(-time.Hour)}, nil
}
func (stubStudies) ListStudies(ctx context.Context) ([]store.Study, error) { return nil, nil }
func (stubStudies) UpdateStudy(ctx context.Context, st store.Study) (store.Study, error) {
	return st, nil
}
func (stubStudies) DeleteStudy(ctx context.Context, id string) error { return nil }
func (stubStudies) AssignResearcher(ctx context.Context, studyID, userID string) error {
	return nil
}
func (stubStudies) StudiesByResearcher(ctx context.Context, userID string) ([]store.Study, error) {
	return []store.Study{{ID: "s1", Name: "Sleep Study"}}, nil
}

type stubUsers struct {
	created []string
	deleted []string
}

func (u *stubUsers) CreateParticipant(ctx context.Context, username, name, email string) (store.Participant, error) {
	u.created = append(u.created, username)
	return store.Participant{User: store.User{ID: "id-" + username, Username: username, Role: store.RoleParticipant}, Name: name, Email: email}, nil
}
func (u *stubUsers) CreateResearcher(ctx context.Context, username, institute string) (store.Researcher, error) {
	return store.Researcher{User: store.User{ID: "id-" + username, Username: username, Role: store.RoleResearcher}, Institute: institute}, nil
}
func (u *stubUsers) CreateBiobanker(ctx context.Context, username string) (store.Biobanker, error) {
	return store.Biobanker{User: store.User{ID: "id-" + username, Username: username, Role: store.RoleBiobanker}}, nil
}
func (u *stubUsers) UserByUsername(ctx context.Context, username string) (store.User, error) {
	return store.User{ID: "id-" + username, Username: username, Role: store.RoleParticipant}, nil
}
func (u *stubUsers) ListParticipants(ctx context.Context) ([]store.Participant, error) {
	return nil, nil
}
func (u *stubUsers) DeleteParticipant(ctx context.Context, userID string) error {
	u.deleted = append(u.deleted, userID)
	return nil
}
func (u *stubUsers) DeleteResearcher(ctx context.Context, userID string) error { return nil }
func (u *stubUsers) DeleteBiobanker(ctx context.Context, userID string) error  { return nil }

type stubConsents struct {
	gave     []string
	hasState bool
	panics   bool
}

func (c *stubConsents) GiveConsent(ctx context.Context, studyID, userID string) (string, error) {
	if c.panics {
		panic("orchestrator wiring broken")
	}
	c.gave = append(c.gave, studyID+"/"+userID)
	return "task-1", nil
}
func (c *stubConsents) WithdrawConsent(ctx context.Context, studyID, userID string) (string, error) {
	return "", nil
}
func (c *stubConsents) HasConsent(ctx context.Context, studyID, userID string) (bool, error) {
	return c.hasState, nil
}
func (c *stubConsents) StudiesByParticipant(ctx context.Context, userID string) ([]store.Study, error) {
	return nil, nil
}
func (c *stubConsents) ConsentTrail(ctx context.Context, userID string) ([]consent.TrailEntry, error) {
	return nil, nil
}
func (c *stubConsents) ParticipantsByStudy(ctx context.Context, studyID string) ([]store.Participant, error) {
	return nil, nil
}

type stubCards struct {
	saved map[string][]byte
}

func (c *stubCards) AddressesOf(ctx context.Context, userID string) ([]string, error) {
	return []string{"0xabc"}, nil
}
func (c *stubCards) GetCard(ctx context.Context, userID string) ([]byte, error) {
	return []byte("bundle"), nil
}
func (c *stubCards) SaveCredCard(ctx context.Context, userID string, card []byte) error {
	if c.saved == nil {
		c.saved = make(map[string][]byte)
	}
	c.saved[userID] = card
	return nil
}

// nopLedger satisfies ledger.Connector for routes that touch the ledger
// only incidentally here.
type nopLedger struct{}

func (nopLedger) CreateParticipant(ctx context.Context, userID string) (ledger.Identity, error) {
	return ledger.Identity{}, nil
}
func (nopLedger) RequestCard(ctx context.Context, userID, address string) ([]byte, error) {
	return nil, nil
}
func (nopLedger) CreateStudy(ctx context.Context, studyID, name, description string) error {
	return nil
}
func (nopLedger) SetConsent(ctx context.Context, studyID, address string, status bool) error {
	return nil
}
func (nopLedger) HasConsent(ctx context.Context, studyID, address string) (bool, error) {
	return false, nil
}
func (nopLedger) StudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	return nil, nil
}
func (nopLedger) AllStudyParticipants(ctx context.Context, studyID string) ([]string, error) {
	return nil, nil
}
func (nopLedger) ConsentTrail(ctx context.Context, studyID, address string) ([]ledger.ConsentEvent, error) {
	return nil, nil
}

// fixture wires the gateway with in-memory collaborators. Tokens: "ok"
// carries every scope, "expired" is expired, "narrow" carries only
// remove_participant.
func fixture(t *testing.T) (*API, *stubConsents, *stubCards) {
	t.Helper()
	tokens := token.NewMemoryStore()
	tokens.Add(&token.AccessToken{
		Token:  "ok",
		UserID: "alice",
		Scopes: token.ScopeSet(
			ScopeCreateStudy, ScopeReadStudy, ScopeUpdateStudy, ScopeRemoveStudy,
			ScopeGiveConsent, ScopeWithdrawConsent, ScopeHasConsent,
			ScopeParticipantsByStudy, ScopeStudiesByParticipant, ScopeConsentTrail,
			ScopeHasCard, ScopeGetCard, ScopeSaveCredCard,
			ScopeCreateParticipant, ScopeReadParticipants, ScopeRemoveParticipant,
			ScopeCreateResearcher, ScopeRemoveResearcher,
			ScopeAssignResearcher, ScopeStudiesByResearcher,
			ScopeCreateBiobanker, ScopeRemoveBiobanker,
		),
		ExpiresAt: time.Now().Add(time.Hour),
	})
	tokens.Add(&token.AccessToken{
		Token: "expired", UserID: "alice",
		Scopes:    token.ScopeSet(ScopeGiveConsent),
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	tokens.Add(&token.AccessToken{
		Token: "narrow", UserID: "alice",
		Scopes:    token.ScopeSet(ScopeRemoveParticipant),
		ExpiresAt: time.Now().Add(time.Hour),
	})

	consents := &stubConsents{}
	cards := &stubCards{}
	api := New(Deps{
		Tokens:   tokens,
		Studies:  stubStudies{},
		Users:    &stubUsers{},
		Consents: consents,
		Cards:    cards,
		Ledger:   nopLedger{},
		Version:  "test",
	})
	return api, consents, cards
}

func doReq(api *API, method, target, bearer string, body *bytes.Buffer, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, body)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	api.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("response is not JSON: %v (%s)", err, rec.Body.String())
	}
	return body
}

func TestUnknownEndpoint(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodGet, "/nope", "ok", nil, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
	if decodeBody(t, rec)["exception"] != fault.KindUnknownEndpoint {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestMethodNotAllowedCarriesAllow(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodPatch, "/study", "ok", nil, "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	allow := rec.Header().Get("Allow")
	for _, m := range []string{"DELETE", "GET", "POST", "PUT"} {
		if !strings.Contains(allow, m) {
			t.Fatalf("Allow = %q missing %s", allow, m)
		}
	}
}

func TestMissingTokenChallenged(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodGet, "/has_consent?study_id=s1&address=alice", "", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, `realm="biobank"`) {
		t.Fatalf("WWW-Authenticate = %q", got)
	}
	if decodeBody(t, rec)["exception"] != fault.KindAccessTokenNotFound {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestExpiredToken(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodPost, "/give_consent?study_id=s1&address=alice", "expired", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if decodeBody(t, rec)["exception"] != fault.KindInvalidToken {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

// A request failing scope and missing a parameter must report the scope
// failure: the pipeline order is fixed.
func TestScopeCheckedBeforeRequiredParams(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodPost, "/give_consent", "narrow", nil, "")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if decodeBody(t, rec)["exception"] != fault.KindInsufficientScope {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if got := rec.Header().Get("WWW-Authenticate"); !strings.Contains(got, ScopeGiveConsent) {
		t.Fatalf("WWW-Authenticate = %q missing the absent scope", got)
	}
}

func TestScopeGating(t *testing.T) {
	api, _, _ := fixture(t)

	form := url.Values{"username": {"bob"}, "name": {"Bob"}, "email": {"bob@example.org"}}
	rec := doReq(api, http.MethodPost, "/participant", "narrow",
		bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remove-only scope created a participant: %d", rec.Code)
	}

	rec = doReq(api, http.MethodPost, "/participant", "ok",
		bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
}

func TestAssignResearcherToStudy(t *testing.T) {
	api, _, _ := fixture(t)

	form := url.Values{"study_id": {"s1"}, "username": {"carol"}}
	rec := doReq(api, http.MethodPost, "/study/researcher", "ok",
		bytes.NewBufferString(form.Encode()), "application/x-www-form-urlencoded")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if decodeBody(t, rec)["username"] != "carol" {
		t.Fatalf("body = %s", rec.Body.String())
	}

	rec = doReq(api, http.MethodGet, "/get_studies_by_researcher?username=carol", "ok", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "Sleep Study") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestSelfOnlyRejectsOtherUsers(t *testing.T) {
	api, consents, _ := fixture(t)
	rec := doReq(api, http.MethodPost, "/give_consent?study_id=s1&address=bob", "ok", nil, "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if decodeBody(t, rec)["exception"] != fault.KindUnauthorizedDataAccess {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(consents.gave) != 0 {
		t.Fatal("handler ran despite ownership failure")
	}
}

func TestMissingParamsNamed(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodPost, "/give_consent?address=alice", "ok", nil, "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["exception"] != fault.KindMissingArgument {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if msg, _ := body["error"].(string); !strings.Contains(msg, "study_id") {
		t.Fatalf("error %q does not name the missing key", msg)
	}
}

func TestGiveConsentViaJSONBody(t *testing.T) {
	api, consents, _ := fixture(t)
	payload := bytes.NewBufferString(`{"study_id":"s1","address":"alice"}`)
	rec := doReq(api, http.MethodPost, "/give_consent", "ok", payload, "application/json")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["changed"] != true || body["task_id"] != "task-1" {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if len(consents.gave) != 1 || consents.gave[0] != "s1/alice" {
		t.Fatalf("dispatched = %v", consents.gave)
	}
}

func TestSaveCredCardMultipartPreservesBytes(t *testing.T) {
	api, _, cards := fixture(t)

	raw := []byte{0x00, 0x01, 0xff, 0xfe, 'c', 'a', 'r', 'd'}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("username", "alice"); err != nil {
		t.Fatal(err)
	}
	fw, err := mw.CreateFormFile("card_file", "card.bin")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := fw.Write(raw); err != nil {
		t.Fatal(err)
	}
	mw.Close()

	rec := doReq(api, http.MethodPost, "/save_cred_card", "ok", &buf, mw.FormDataContentType())
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", rec.Code, rec.Body.String())
	}
	if got := cards.saved["alice"]; !bytes.Equal(got, raw) {
		t.Fatalf("stored card %v, want %v", got, raw)
	}
}

func TestPanicRecoveredAsInternal(t *testing.T) {
	api, consents, _ := fixture(t)
	consents.panics = true
	rec := doReq(api, http.MethodPost, "/give_consent?study_id=s1&address=alice", "ok", nil, "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["exception"] != fault.KindInternal {
		t.Fatalf("body = %s", rec.Body.String())
	}
	if strings.Contains(rec.Body.String(), "orchestrator wiring broken") {
		t.Fatal("panic detail leaked to the client")
	}
}

func TestHealthz(t *testing.T) {
	api, _, _ := fixture(t)
	rec := doReq(api, http.MethodGet, "/healthz", "", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeBody(t, rec)["status"] != "ok" {
		t.Fatalf("body = %s", rec.Body.String())
	}
}
