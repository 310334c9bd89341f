package issues

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

const (
	DefaultMinSeverity   = "MEDIUM"
	DefaultMinConfidence = "FIRM"
	DefaultNamePattern   = ".*"
)

var (
	ErrInvalidFilter = errors.New("invalid issue filter")
	ErrNotFound      = errors.New("issue not found")
)

type Filter struct {
	MinSeverity   string
	MinConfidence string
	InScope       *bool
	NameRegex     *regexp.Regexp
}

func DefaultFilter() Filter {
	return Filter{
		MinSeverity:   DefaultMinSeverity,
		MinConfidence: DefaultMinConfidence,
		NameRegex:     regexp.MustCompile(DefaultNamePattern),
	}
}

// ParseFilter reads minSeverity, minConfidence, inScope and nameRegex from a
// query string. Absent parameters keep their defaults.
func ParseFilter(q url.Values) (Filter, error) {
	f := DefaultFilter()
	if v := q.Get("minSeverity"); v != "" {
		f.MinSeverity = v
	}
	if v := q.Get("minConfidence"); v != "" {
		f.MinConfidence = v
	}
	if v := q.Get("inScope"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: inScope must be a boolean", ErrInvalidFilter)
		}
		f.InScope = &b
	}
	if v := q.Get("nameRegex"); v != "" {
		re, err := regexp.Compile(v)
		if err != nil {
			return Filter{}, fmt.Errorf("%w: nameRegex: %v", ErrInvalidFilter, err)
		}
		f.NameRegex = re
	}
	return f, nil
}

func (f Filter) Match(issue Issue) bool {
	if !MeetsSeverity(issue.Severity, f.MinSeverity) {
		return false
	}
	if !MeetsConfidence(issue.Confidence, f.MinConfidence) {
		return false
	}
	if f.InScope != nil && issue.InScope != *f.InScope {
		return false
	}
	if f.NameRegex != nil && !f.NameRegex.MatchString(issue.Name) {
		return false
	}
	return true
}

type Service struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
}

// View is the JSON shape served to clients.
type View struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Severity        string   `json:"severity"`
	Confidence      string   `json:"confidence"`
	BaseURL         string   `json:"baseUrl"`
	Detail          string   `json:"detail"`
	Remediation     string   `json:"remediation"`
	Background      string   `json:"background,omitempty"`
	Service         Service  `json:"service"`
	Request         string   `json:"request,omitempty"`
	Response        string   `json:"response,omitempty"`
	ResponseMarkers []Marker `json:"responseMarkers,omitempty"`
}

func ToView(issue Issue) View {
	v := View{
		ID:          StableID(issue),
		Name:        issue.Name,
		Severity:    issue.Severity,
		Confidence:  issue.Confidence,
		BaseURL:     issue.BaseURL,
		Detail:      issue.Detail,
		Remediation: issue.Remediation,
		Background:  issue.Background,
		Service: Service{
			Host:     issue.Host,
			Port:     issue.Port,
			Protocol: issue.Protocol,
		},
	}
	if len(issue.Request) > 0 {
		v.Request = base64.StdEncoding.EncodeToString(issue.Request)
	}
	if len(issue.Response) > 0 {
		v.Response = base64.StdEncoding.EncodeToString(issue.Response)
		v.ResponseMarkers = append([]Marker(nil), issue.ResponseMarkers...)
	}
	return v
}

// Snapshot returns the views of every issue matching f, in source order.
func Snapshot(ctx context.Context, src Source, f Filter) ([]View, error) {
	all, err := src.Issues(ctx)
	if err != nil {
		return nil, fmt.Errorf("read issues: %w", err)
	}
	out := make([]View, 0, len(all))
	for _, issue := range all {
		if f.Match(issue) {
			out = append(out, ToView(issue))
		}
	}
	return out, nil
}

// IDs returns the stable ids of list in order, duplicates collapsed.
func IDs(list []Issue) []string {
	seen := make(map[string]struct{}, len(list))
	ids := make([]string, 0, len(list))
	for _, issue := range list {
		id := StableID(issue)
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func Find(ctx context.Context, src Source, id string) (View, error) {
	all, err := src.Issues(ctx)
	if err != nil {
		return View{}, fmt.Errorf("read issues: %w", err)
	}
	for _, issue := range all {
		if StableID(issue) == id {
			return ToView(issue), nil
		}
	}
	return View{}, ErrNotFound
}
