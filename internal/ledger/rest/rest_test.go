package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"biobank.org/internal/fault"
)

// fakeLedger simulates both ledger endpoints behind one mux.
type fakeLedger struct {
	mu       sync.Mutex
	studies  map[string]bool
	consents []consentRecord
	badToken bool
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{studies: make(map[string]bool)}
}

func (f *fakeLedger) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/identities", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(identityReply{Address: "addr-" + req["user_id"]})
	})
	mux.HandleFunc("/identities/", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		_ = json.NewEncoder(w).Encode(cardReply{Card: "Y2FyZC1ieXRlcw=="}) // "card-bytes"
	})
	mux.HandleFunc("/studies", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		var req map[string]string
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.studies[req["study_id"]] {
			w.WriteHeader(http.StatusConflict)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "study asset exists"})
			return
		}
		f.studies[req["study_id"]] = true
		w.WriteHeader(http.StatusCreated)
	})
	mux.HandleFunc("/studies/", func(w http.ResponseWriter, r *http.Request) {
		if f.reject(w, r) {
			return
		}
		studyID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/studies/"), "/consents")
		f.mu.Lock()
		defer f.mu.Unlock()
		var items []consentRecord
		for _, c := range f.consents {
			if c.StudyID == studyID {
				items = append(items, c)
			}
		}
		_ = json.NewEncoder(w).Encode(consentPage{Items: items})
	})
	mux.HandleFunc("/consents", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if r.Method == http.MethodPost {
			var rec consentRecord
			_ = json.NewDecoder(r.Body).Decode(&rec)
			f.consents = append(f.consents, rec)
			w.WriteHeader(http.StatusCreated)
			return
		}
		q := r.URL.Query()
		var items []consentRecord
		for _, c := range f.consents {
			if c.StudyID == q.Get("study_id") && c.Address == q.Get("address") {
				items = append(items, c)
			}
		}
		_ = json.NewEncoder(w).Encode(consentPage{Items: items})
	})
	mux.HandleFunc("/consents/latest", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		q := r.URL.Query()
		reply := latestReply{}
		var latestTS time.Time
		for _, c := range f.consents {
			if c.StudyID == q.Get("study_id") && c.Address == q.Get("address") && !c.Timestamp.Before(latestTS) {
				latestTS = c.Timestamp
				reply.Found = true
				reply.Status = c.Status
			}
		}
		_ = json.NewEncoder(w).Encode(reply)
	})
	return mux
}

func (f *fakeLedger) reject(w http.ResponseWriter, r *http.Request) bool {
	if f.badToken {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "token lacks admin scope"})
		return true
	}
	return false
}

func newTestLedger(t *testing.T) (*Ledger, *fakeLedger) {
	t.Helper()
	fake := newFakeLedger()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	l := New(Config{
		AdminURL:   srv.URL,
		AdminToken: "admin-token",
		UserURL:    srv.URL,
		UserToken:  "user-token",
	})
	return l, fake
}

func TestCreateStudyTranslatesAssetExists(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if err := l.CreateStudy(ctx, "s1", "Sleep Study", "desc"); err != nil {
		t.Fatal(err)
	}
	err := l.CreateStudy(ctx, "s1", "Sleep Study", "desc")
	if !fault.Is(err, fault.KindStudyAssetExists) {
		t.Fatalf("expected StudyAssetExists, got %v", err)
	}
}

func TestSetConsentPostsKeyedRecord(t *testing.T) {
	l, fake := newTestLedger(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return fixed }

	if err := l.SetConsent(context.Background(), "s1", "a1", true); err != nil {
		t.Fatal(err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.consents) != 1 {
		t.Fatalf("expected 1 consent record, got %d", len(fake.consents))
	}
	rec := fake.consents[0]
	want := consentKey(fixed, "s1", "a1")
	if rec.Key != want {
		t.Fatalf("key %q, want %q", rec.Key, want)
	}
	if !rec.Status || rec.StudyID != "s1" || rec.Address != "a1" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestHasConsentDefaultsFalse(t *testing.T) {
	l, _ := newTestLedger(t)
	got, err := l.HasConsent(context.Background(), "s1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if got {
		t.Fatal("no events must mean no consent")
	}
}

func TestParticipantFolding(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	l.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	// a1: granted then withdrawn; a2: granted.
	for _, w := range []struct {
		addr   string
		status bool
	}{{"a1", true}, {"a1", false}, {"a2", true}} {
		if err := l.SetConsent(ctx, "s1", w.addr, w.status); err != nil {
			t.Fatal(err)
		}
	}

	consenting, err := l.StudyParticipants(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(consenting) != 1 || consenting[0] != "a2" {
		t.Fatalf("consenting participants %v, want [a2]", consenting)
	}

	all, err := l.AllStudyParticipants(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("all participants %v, want both addresses", all)
	}
}

func TestConsentTrailAscending(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	l.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Minute)
	}

	_ = l.SetConsent(ctx, "s1", "a1", true)
	_ = l.SetConsent(ctx, "s1", "a1", false)

	trail, err := l.ConsentTrail(ctx, "s1", "a1")
	if err != nil {
		t.Fatal(err)
	}
	if len(trail) != 2 || !trail[0].Status || trail[1].Status {
		t.Fatalf("unexpected trail %+v", trail)
	}
	if !trail[0].Timestamp.Before(trail[1].Timestamp) {
		t.Fatal("trail must be ascending")
	}
}

func TestAdminRejectionIsUnauthorizedDataAccess(t *testing.T) {
	l, fake := newTestLedger(t)
	fake.badToken = true

	_, err := l.AllStudyParticipants(context.Background(), "s1")
	if !fault.Is(err, fault.KindUnauthorizedDataAccess) {
		t.Fatalf("expected UnauthorizedDataAccess, got %v", err)
	}
}

func TestRequestCardDecodesBundle(t *testing.T) {
	l, _ := newTestLedger(t)
	card, err := l.RequestCard(context.Background(), "alice", "addr-alice")
	if err != nil {
		t.Fatal(err)
	}
	if string(card) != "card-bytes" {
		t.Fatalf("unexpected card payload %q", card)
	}
}
