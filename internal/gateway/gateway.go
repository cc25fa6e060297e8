// Package gateway is the authorization and dispatch layer. Every request
// passes the same fixed pipeline: route match, token fetch, expiry,
// scopes, parameter decode, ownership, required parameters, handler. A
// request failing several checks reports the first one in that order.
package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"biobank.org/internal/audit"
	"biobank.org/internal/consent"
	"biobank.org/internal/fault"
	"biobank.org/internal/ledger"
	"biobank.org/internal/obs"
	"biobank.org/internal/store"
	"biobank.org/internal/token"
)

// StudyStore is the relational slice the study handlers use.
type StudyStore interface {
	CreateStudy(ctx context.Context, st store.Study) (store.Study, error)
	StudyByID(ctx context.Context, id string) (store.Study, error)
	ListStudies(ctx context.Context) ([]store.Study, error)
	UpdateStudy(ctx context.Context, st store.Study) (store.Study, error)
	DeleteStudy(ctx context.Context, id string) error
	AssignResearcher(ctx context.Context, studyID, userID string) error
	StudiesByResearcher(ctx context.Context, userID string) ([]store.Study, error)
}

// UserStore is the relational slice the user handlers use.
type UserStore interface {
	CreateParticipant(ctx context.Context, username, name, email string) (store.Participant, error)
	CreateResearcher(ctx context.Context, username, institute string) (store.Researcher, error)
	CreateBiobanker(ctx context.Context, username string) (store.Biobanker, error)
	UserByUsername(ctx context.Context, username string) (store.User, error)
	ListParticipants(ctx context.Context) ([]store.Participant, error)
	DeleteParticipant(ctx context.Context, userID string) error
	DeleteResearcher(ctx context.Context, userID string) error
	DeleteBiobanker(ctx context.Context, userID string) error
}

// Consents is the orchestrator surface the consent handlers use;
// *consent.Orchestrator satisfies it.
type Consents interface {
	GiveConsent(ctx context.Context, studyID, userID string) (string, error)
	WithdrawConsent(ctx context.Context, studyID, userID string) (string, error)
	HasConsent(ctx context.Context, studyID, userID string) (bool, error)
	StudiesByParticipant(ctx context.Context, userID string) ([]store.Study, error)
	ConsentTrail(ctx context.Context, userID string) ([]consent.TrailEntry, error)
	ParticipantsByStudy(ctx context.Context, studyID string) ([]store.Participant, error)
}

// Cards is the identity-card surface the card handlers use;
// *cards.Service satisfies it.
type Cards interface {
	AddressesOf(ctx context.Context, userID string) ([]string, error)
	GetCard(ctx context.Context, userID string) ([]byte, error)
	SaveCredCard(ctx context.Context, userID string, card []byte) error
}

// ReadyProbe pings the relational store for readiness.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries the collaborators the gateway dispatches to.
type Deps struct {
	Tokens   token.Store
	Studies  StudyStore
	Users    UserStore
	Consents Consents
	Cards    Cards
	Ledger   ledger.Connector
	Ready    ReadyProbe
	Version  string
}

const realm = `Bearer realm="biobank"`

type API struct {
	registry *Registry
	deps     Deps
	now      func() time.Time
}

func New(deps Deps) *API {
	a := &API{registry: NewRegistry(), deps: deps, now: time.Now}
	a.registerRoutes()
	return a
}

// Handler wraps the pipeline with the outer middleware chain.
func (a *API) Handler(rateBurst, ratePerSec int) http.Handler {
	h := http.Handler(a)
	h = RequestID(h)
	h = obs.Instrument(h)
	h = RateLimit(h, rateBurst, ratePerSec)
	h = MaxBodyBytes(h, 10<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	return h
}

func (a *API) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/healthz":
		a.healthz(w)
		return
	case "/readyz":
		a.readyz(w, r)
		return
	case "/metrics":
		obs.Handler().ServeHTTP(w, r)
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			obs.LogRequest(map[string]any{
				"ts":    time.Now().UTC().Format(time.RFC3339Nano),
				"event": "panic_recovered",
				"path":  r.URL.Path,
				"panic": fmt.Sprint(rec),
			})
			writeError(w, fault.New(fault.KindInternal, http.StatusInternalServerError, "internal error"))
		}
	}()

	route, found, allowed := a.registry.Match(r.Method, r.URL.Path)
	if !found {
		if len(allowed) > 0 {
			w.Header().Set("Allow", strings.Join(allowed, ", "))
			writeError(w, fault.New(fault.KindMethodNotAllowed, http.StatusMethodNotAllowed,
				"method %s not allowed for %s", r.Method, r.URL.Path))
			return
		}
		writeError(w, fault.New(fault.KindUnknownEndpoint, http.StatusNotFound,
			"unknown endpoint %s", r.URL.Path))
		return
	}

	tok, ferr := a.authenticate(r)
	if ferr != nil {
		w.Header().Set("WWW-Authenticate", realm)
		writeError(w, ferr)
		return
	}

	if missing := missingScopes(tok, route.Scopes); len(missing) > 0 {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`%s, error="insufficient_scope", scope=%q`, realm, strings.Join(missing, " ")))
		writeError(w, fault.InsufficientScope(missing))
		return
	}

	params, err := DecodeParams(r)
	if err != nil {
		writeError(w, fault.From(err))
		return
	}

	if route.SelfOnly {
		if ferr := enforceSelf(tok, params); ferr != nil {
			w.Header().Set("WWW-Authenticate", realm)
			writeError(w, ferr)
			return
		}
	}

	if missing := params.Missing(route.Required); len(missing) > 0 {
		writeError(w, fault.MissingArgument(missing))
		return
	}

	ctx := token.ContextWith(r.Context(), tok)
	out, err := route.Handle(ctx, params)
	if err != nil {
		writeError(w, fault.From(err))
		return
	}
	_ = audit.LogEvent(ctx, "gateway."+strings.TrimPrefix(route.Path, "/"), map[string]any{
		"method": route.Method,
	})
	writeJSON(w, http.StatusOK, out)
}

func (a *API) authenticate(r *http.Request) (*token.AccessToken, *fault.Error) {
	header := r.Header.Get("Authorization")
	if header == "" || !strings.HasPrefix(header, "Bearer ") {
		return nil, fault.AccessTokenNotFound()
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if raw == "" {
		return nil, fault.AccessTokenNotFound()
	}
	tok, err := a.deps.Tokens.FetchByToken(r.Context(), raw)
	if err != nil {
		return nil, fault.From(err)
	}
	if tok.Expired(a.now()) {
		return nil, fault.InvalidToken("token expired")
	}
	return tok, nil
}

func missingScopes(tok *token.AccessToken, required []string) []string {
	var missing []string
	for _, s := range required {
		if !tok.HasScope(s) {
			missing = append(missing, s)
		}
	}
	return missing
}

// enforceSelf rejects a request whose username or address parameter
// names anyone but the token owner. Absent parameters pass; the
// required-parameter check deals with them next.
func enforceSelf(tok *token.AccessToken, p Params) *fault.Error {
	for _, key := range []string{"username", "address"} {
		if v, ok := p.Values[key]; ok && v != "" && v != tok.UserID {
			return fault.UnauthorizedDataAccess()
		}
	}
	return nil
}

func (a *API) healthz(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "biobank-api",
		"version": a.deps.Version,
	})
}

func (a *API) readyz(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err *fault.Error) {
	writeJSON(w, err.Status, map[string]any{
		"error":     err.Message,
		"exception": err.Kind,
	})
}
