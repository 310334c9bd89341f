// Package issues exposes the scanner's audit issues to bridge clients: stable
// identifiers, severity and confidence filtering, and the JSON view.
package issues

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
)

// Issue is one audit finding as reported by the scanner.
type Issue struct {
	Name            string   `json:"name"`
	BaseURL         string   `json:"baseUrl"`
	Host            string   `json:"host"`
	Port            int      `json:"port"`
	Protocol        string   `json:"protocol"`
	Severity        string   `json:"severity"`
	Confidence      string   `json:"confidence"`
	Detail          string   `json:"detail"`
	Remediation     string   `json:"remediation"`
	Background      string   `json:"background,omitempty"`
	InScope         bool     `json:"inScope"`
	Request         []byte   `json:"request,omitempty"`
	Response        []byte   `json:"response,omitempty"`
	ResponseMarkers []Marker `json:"responseMarkers,omitempty"`
}

// Marker is a highlighted byte range in a response.
type Marker struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// StableID derives a 16 hex character identifier from name, base URL and
// host. Records that share the triple share the id regardless of the other
// fields.
func StableID(issue Issue) string {
	h := sha256.New()
	for _, part := range []string{issue.Name, issue.BaseURL, issue.Host} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

var severityWeights = map[string]int{
	"INFORMATION": 0,
	"LOW":         1,
	"MEDIUM":      2,
	"HIGH":        3,
}

var confidenceWeights = map[string]int{
	"TENTATIVE": 0,
	"FIRM":      1,
	"CERTAIN":   2,
}

func weight(table map[string]int, name string) int {
	return table[strings.ToUpper(strings.TrimSpace(name))]
}

// MeetsSeverity reports whether value is at or above threshold. Unknown
// names weigh 0, so an unknown threshold accepts every value.
func MeetsSeverity(value, threshold string) bool {
	return weight(severityWeights, value) >= weight(severityWeights, threshold)
}

// MeetsConfidence is MeetsSeverity for the confidence scale.
func MeetsConfidence(value, threshold string) bool {
	return weight(confidenceWeights, value) >= weight(confidenceWeights, threshold)
}

// Source is the scanner's issue state as seen by the bridge.
type Source interface {
	Issues(ctx context.Context) ([]Issue, error)
	Count(ctx context.Context) (int, error)
}

// MemorySource is a mutex-guarded Source fed by the host or by issuebus.
type MemorySource struct {
	mu     sync.RWMutex
	issues []Issue
}

func NewMemorySource(initial ...Issue) *MemorySource {
	return &MemorySource{issues: append([]Issue(nil), initial...)}
}

func (m *MemorySource) Issues(_ context.Context) ([]Issue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Issue(nil), m.issues...), nil
}

func (m *MemorySource) Count(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.issues), nil
}

// Set replaces the whole issue list.
func (m *MemorySource) Set(issues []Issue) {
	m.mu.Lock()
	m.issues = append([]Issue(nil), issues...)
	m.mu.Unlock()
}

func (m *MemorySource) Add(issue Issue) {
	m.mu.Lock()
	m.issues = append(m.issues, issue)
	m.mu.Unlock()
}
