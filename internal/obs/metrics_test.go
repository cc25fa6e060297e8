package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                         "/",
		"/":                        "/",
		"/metrics":                 "/metrics",
		"/give_consent":            "/give_consent",
		"/study":                   "/study",
		"/study?study_id=s1":       "/study",
		"/has_consent?study_id=s1": "/has_consent",
		"/study/extra/deep":        "/study/*",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}
