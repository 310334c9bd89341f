package issues

import (
	"context"
	"encoding/base64"
	"errors"
	"net/url"
	"testing"
)

func sampleIssues() []Issue {
	return []Issue{
		{Name: "SQL injection", BaseURL: "https://shop.example.com/cart", Host: "shop.example.com", Port: 443, Protocol: "https", Severity: "HIGH", Confidence: "CERTAIN", InScope: true},
		{Name: "Cookie without HttpOnly", BaseURL: "https://shop.example.com/", Host: "shop.example.com", Port: 443, Protocol: "https", Severity: "LOW", Confidence: "FIRM", InScope: true},
		{Name: "Cross-site scripting (reflected)", BaseURL: "http://legacy.example.com/search", Host: "legacy.example.com", Port: 80, Protocol: "http", Severity: "MEDIUM", Confidence: "TENTATIVE", InScope: false},
		{Name: "Open redirect", BaseURL: "http://legacy.example.com/go", Host: "legacy.example.com", Port: 80, Protocol: "http", Severity: "MEDIUM", Confidence: "FIRM", InScope: false},
	}
}

func TestStableIDDependsOnlyOnIdentityTriple(t *testing.T) {
	a := Issue{Name: "SQL injection", BaseURL: "https://a.example.com/x", Host: "a.example.com", Detail: "one", Remediation: "fix it"}
	b := a
	b.Detail = "two"
	b.Remediation = "something else"
	b.Severity = "LOW"
	if StableID(a) != StableID(b) {
		t.Fatalf("expected equal ids, got %s and %s", StableID(a), StableID(b))
	}
	if len(StableID(a)) != 16 {
		t.Fatalf("expected 16 hex characters, got %q", StableID(a))
	}
	c := a
	c.Host = "b.example.com"
	if StableID(a) == StableID(c) {
		t.Fatal("expected host to change the id")
	}
}

func TestStableIDSeparatesFields(t *testing.T) {
	a := Issue{Name: "ab", BaseURL: "c", Host: "d"}
	b := Issue{Name: "a", BaseURL: "bc", Host: "d"}
	if StableID(a) == StableID(b) {
		t.Fatal("expected field boundaries to affect the id")
	}
}

func TestMeetsSeverity(t *testing.T) {
	cases := []struct {
		value, threshold string
		want             bool
	}{
		{"HIGH", "MEDIUM", true},
		{"MEDIUM", "MEDIUM", true},
		{"LOW", "MEDIUM", false},
		{"INFORMATION", "LOW", false},
		{"high", "medium", true},
		{"HIGH", "garbage-threshold", true},
		{"INFORMATION", "garbage-threshold", true},
		{"garbage", "LOW", false},
	}
	for _, tc := range cases {
		if got := MeetsSeverity(tc.value, tc.threshold); got != tc.want {
			t.Fatalf("MeetsSeverity(%q, %q) = %v, want %v", tc.value, tc.threshold, got, tc.want)
		}
	}
}

func TestMeetsConfidence(t *testing.T) {
	cases := []struct {
		value, threshold string
		want             bool
	}{
		{"CERTAIN", "FIRM", true},
		{"FIRM", "FIRM", true},
		{"TENTATIVE", "FIRM", false},
		{"TENTATIVE", "", true},
		{"TENTATIVE", "whatever", true},
	}
	for _, tc := range cases {
		if got := MeetsConfidence(tc.value, tc.threshold); got != tc.want {
			t.Fatalf("MeetsConfidence(%q, %q) = %v, want %v", tc.value, tc.threshold, got, tc.want)
		}
	}
}

func TestParseFilterDefaults(t *testing.T) {
	f, err := ParseFilter(url.Values{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if f.MinSeverity != "MEDIUM" || f.MinConfidence != "FIRM" {
		t.Fatalf("unexpected defaults: %+v", f)
	}
	if f.InScope != nil {
		t.Fatal("expected inScope unset")
	}
	if f.NameRegex.String() != ".*" {
		t.Fatalf("unexpected name regex %q", f.NameRegex.String())
	}
}

func TestParseFilterRejectsInvalidValues(t *testing.T) {
	for _, q := range []url.Values{
		{"nameRegex": {"("}},
		{"inScope": {"maybe"}},
	} {
		if _, err := ParseFilter(q); !errors.Is(err, ErrInvalidFilter) {
			t.Fatalf("expected ErrInvalidFilter for %v, got %v", q, err)
		}
	}
}

func TestSnapshotFilters(t *testing.T) {
	src := NewMemorySource(sampleIssues()...)
	ctx := context.Background()

	views, err := Snapshot(ctx, src, DefaultFilter())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 issues at MEDIUM/FIRM, got %d", len(views))
	}
	if views[0].Name != "SQL injection" || views[1].Name != "Open redirect" {
		t.Fatalf("unexpected order: %s, %s", views[0].Name, views[1].Name)
	}

	f, err := ParseFilter(url.Values{"minSeverity": {"INFORMATION"}, "minConfidence": {"TENTATIVE"}, "inScope": {"false"}, "nameRegex": {"(?i)redirect|scripting"}})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	views, err = Snapshot(ctx, src, f)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(views) != 2 {
		t.Fatalf("expected 2 out-of-scope issues, got %d", len(views))
	}

	f, _ = ParseFilter(url.Values{"minSeverity": {"garbage"}, "minConfidence": {"garbage"}})
	views, _ = Snapshot(ctx, src, f)
	if len(views) != 4 {
		t.Fatalf("expected unknown thresholds to accept all, got %d", len(views))
	}
}

func TestToView(t *testing.T) {
	issue := Issue{
		Name: "SQL injection", BaseURL: "https://a.example.com/x", Host: "a.example.com", Port: 8443, Protocol: "https",
		Severity: "HIGH", Confidence: "CERTAIN", Detail: "d", Remediation: "r",
		Request:         []byte("GET /x HTTP/1.1\r\n\r\n"),
		Response:        []byte("HTTP/1.1 500 Internal Server Error\r\n\r\nsyntax error"),
		ResponseMarkers: []Marker{{Start: 38, End: 50}},
	}
	v := ToView(issue)
	if v.ID != StableID(issue) {
		t.Fatalf("unexpected id %q", v.ID)
	}
	if v.Service.Host != "a.example.com" || v.Service.Port != 8443 || v.Service.Protocol != "https" {
		t.Fatalf("unexpected service: %+v", v.Service)
	}
	raw, err := base64.StdEncoding.DecodeString(v.Request)
	if err != nil || string(raw) != string(issue.Request) {
		t.Fatalf("unexpected request encoding %q: %v", v.Request, err)
	}
	if len(v.ResponseMarkers) != 1 || v.ResponseMarkers[0].End != 50 {
		t.Fatalf("unexpected markers: %+v", v.ResponseMarkers)
	}

	bare := ToView(Issue{Name: "x"})
	if bare.Request != "" || bare.Response != "" || bare.ResponseMarkers != nil {
		t.Fatalf("expected optional fields empty, got %+v", bare)
	}
}

func TestFind(t *testing.T) {
	issues := sampleIssues()
	src := NewMemorySource(issues...)
	ctx := context.Background()

	v, err := Find(ctx, src, StableID(issues[2]))
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if v.Name != issues[2].Name {
		t.Fatalf("unexpected issue %q", v.Name)
	}
	if _, err := Find(ctx, src, "0000000000000000"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestIDsCollapseDuplicates(t *testing.T) {
	issues := sampleIssues()
	dup := issues[0]
	dup.Detail = "seen again"
	ids := IDs(append(issues, dup))
	if len(ids) != 4 {
		t.Fatalf("expected 4 distinct ids, got %d", len(ids))
	}
	if ids[0] != StableID(issues[0]) {
		t.Fatalf("expected source order, got %v", ids)
	}
}

func TestMemorySource(t *testing.T) {
	src := NewMemorySource()
	ctx := context.Background()
	if n, _ := src.Count(ctx); n != 0 {
		t.Fatalf("expected empty source, got %d", n)
	}
	src.Add(sampleIssues()[0])
	src.Add(sampleIssues()[1])
	if n, _ := src.Count(ctx); n != 2 {
		t.Fatalf("expected 2, got %d", n)
	}
	got, _ := src.Issues(ctx)
	got[0].Name = "mutated"
	again, _ := src.Issues(ctx)
	if again[0].Name == "mutated" {
		t.Fatal("expected Issues to return a copy")
	}
	src.Set(nil)
	if n, _ := src.Count(ctx); n != 0 {
		t.Fatalf("expected reset, got %d", n)
	}
}
