package crawler

import "testing"

func TestDomainMatcher(t *testing.T) {
	t.Run("exact and subdomain", func(t *testing.T) {
		m := NewDomainMatcher([]string{"Example.org"})
		if m == nil {
			t.Fatalf("expected matcher to be created")
		}
		cases := []struct {
			host    string
			allowed bool
		}{
			{"example.org", true},
			{"www.example.org", true},
			{"badexample.org", false},
			{"example.com", false},
			{"", false},
		}
		for _, tc := range cases {
			if got := m.Allows(tc.host); got != tc.allowed {
				t.Fatalf("host %q allowed=%v, want %v", tc.host, got, tc.allowed)
			}
		}
	})

	t.Run("wildcard prefix is ignored", func(t *testing.T) {
		m := NewDomainMatcher([]string{"*.gov.cn", ".edu.cn"})
		if !m.Allows("www.moj.gov.cn") || !m.Allows("edu.cn") {
			t.Fatalf("expected wildcard entries to admit host and subdomains")
		}
	})

	t.Run("nil matcher allows http urls", func(t *testing.T) {
		var m *DomainMatcher
		if NewDomainMatcher([]string{" ", ""}) != nil {
			t.Fatalf("expected nil matcher for empty patterns")
		}
		if !m.AllowsURL("https://anything.test/a") {
			t.Fatalf("nil matcher should allow http urls")
		}
		if m.AllowsURL("mailto:someone@example.org") {
			t.Fatalf("nil matcher should reject non-http schemes")
		}
	})

	t.Run("urls", func(t *testing.T) {
		m := NewDomainMatcher([]string{"example.org"})
		if !m.AllowsURL("https://img.example.org/p/1.jpg") {
			t.Fatalf("expected image host to be allowed")
		}
		if m.AllowsURL("https://cdn.other.net/p/1.jpg") {
			t.Fatalf("did not expect foreign host to be allowed")
		}
	})
}
