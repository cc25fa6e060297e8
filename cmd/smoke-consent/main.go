// Command smoke-consent drives a running API through one consent cycle:
// give, poll until visible, withdraw, poll until gone, read the trail.
// Consent writes are asynchronous, so reads retry with bounded backoff.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"
)

func main() {
	log.SetFlags(0)
	var (
		baseURL = flag.String("base-url", envOr("BIOBANK_API_URL", "http://localhost:8080"), "API base URL")
		bearer  = flag.String("token", os.Getenv("BIOBANK_SMOKE_TOKEN"), "Bearer token with consent scopes")
		studyID = flag.String("study", "smoke-study", "Study id to consent to")
		user    = flag.String("user", "smoke-participant", "Acting participant user id")
	)
	flag.Parse()

	if *bearer == "" {
		log.Fatal("missing token: provide via -token or BIOBANK_SMOKE_TOKEN")
	}

	c := &client{base: *baseURL, bearer: *bearer, hc: &http.Client{Timeout: 10 * time.Second}}

	if err := c.post("/give_consent", map[string]string{"study_id": *studyID, "address": *user}); err != nil {
		log.Fatalf("give_consent: %v", err)
	}
	if err := pollConsent(c, *studyID, *user, true); err != nil {
		log.Fatalf("consent never became visible: %v", err)
	}
	log.Println("consent visible")

	if err := c.post("/withdraw_consent", map[string]string{"study_id": *studyID, "address": *user}); err != nil {
		log.Fatalf("withdraw_consent: %v", err)
	}
	if err := pollConsent(c, *studyID, *user, false); err != nil {
		log.Fatalf("withdrawal never became visible: %v", err)
	}
	log.Println("withdrawal visible")

	var trail struct {
		Trail []struct {
			Timestamp time.Time       `json:"timestamp"`
			Changes   map[string]bool `json:"changes"`
		} `json:"trail"`
	}
	if err := c.get("/get_consent_trail", url.Values{"username": {*user}}, &trail); err != nil {
		log.Fatalf("get_consent_trail: %v", err)
	}
	if len(trail.Trail) < 2 {
		log.Fatalf("trail has %d entries, want at least give and withdraw", len(trail.Trail))
	}

	fmt.Println("consent smoke test passed")
}

// pollConsent retries has_consent with bounded backoff until the ledger
// reflects the expected status.
func pollConsent(c *client, studyID, user string, want bool) error {
	backoff := 200 * time.Millisecond
	var last error
	for attempt := 0; attempt < 10; attempt++ {
		var out struct {
			Consent bool `json:"consent"`
		}
		last = c.get("/has_consent", url.Values{"study_id": {studyID}, "address": {user}}, &out)
		if last == nil && out.Consent == want {
			return nil
		}
		time.Sleep(backoff)
		if backoff < 3*time.Second {
			backoff *= 2
		}
	}
	if last != nil {
		return last
	}
	return fmt.Errorf("status never reached %v", want)
}

type client struct {
	base   string
	bearer string
	hc     *http.Client
}

func (c *client) post(path string, body map[string]string) error {
	payload, _ := json.Marshal(body)
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *client) get(path string, query url.Values, out any) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path+"?"+query.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.bearer)
	return c.do(req, out)
}

func (c *client) do(req *http.Request, out any) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
