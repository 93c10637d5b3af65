// Package overlay parses the model's inline detection tokens and tracks the
// resulting bounding-box annotations until they expire.
package overlay

import (
	"regexp"
	"strconv"
	"sync"
	"time"
)

// AccentColor is the single color used for every detection box.
const AccentColor = "#00ffcc"

// DefaultTTL is how long an annotation stays visible after it is parsed.
const DefaultTTL = 3 * time.Second

// tokenRe matches [OBJECT:<label>:<ymin>,<xmin>,<ymax>,<xmax>] with
// percentage-scale integer coordinates. Coordinate ordering is not validated;
// an inverted range renders as an empty or inverted box.
var tokenRe = regexp.MustCompile(`\[OBJECT:([^:\]]+):(\d{1,3}),(\d{1,3}),(\d{1,3}),(\d{1,3})\]`)

// Box holds percentage-scale coordinates (0-100).
type Box struct {
	YMin int `json:"ymin"`
	XMin int `json:"xmin"`
	YMax int `json:"ymax"`
	XMax int `json:"xmax"`
}

type Overlay struct {
	Label     string    `json:"label"`
	Box       Box       `json:"box"`
	Color     string    `json:"color"`
	CreatedAt time.Time `json:"created_at"`
}

// Parse scans a text fragment for detection tokens and returns one overlay per
// non-overlapping match. It is stateless and safe for concurrent use.
func Parse(text string, now time.Time) []Overlay {
	matches := tokenRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil
	}
	out := make([]Overlay, 0, len(matches))
	for _, m := range matches {
		ymin, _ := strconv.Atoi(m[2])
		xmin, _ := strconv.Atoi(m[3])
		ymax, _ := strconv.Atoi(m[4])
		xmax, _ := strconv.Atoi(m[5])
		if ymin > 100 || xmin > 100 || ymax > 100 || xmax > 100 {
			continue
		}
		out = append(out, Overlay{
			Label:     m[1],
			Box:       Box{YMin: ymin, XMin: xmin, YMax: ymax, XMax: xmax},
			Color:     AccentColor,
			CreatedAt: now,
		})
	}
	return out
}

// StripTokens removes detection tokens from a text fragment so the remaining
// prose can be shown on its own.
func StripTokens(text string) string {
	return tokenRe.ReplaceAllString(text, "")
}

// Set holds the currently visible overlays. Expiry is purely time-based: an
// overlay leaves the set once its age exceeds the TTL, independent of any
// session event.
type Set struct {
	mu    sync.Mutex
	ttl   time.Duration
	now   func() time.Time
	items []Overlay
}

func NewSet(ttl time.Duration, now func() time.Time) *Set {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if now == nil {
		now = time.Now
	}
	return &Set{ttl: ttl, now: now}
}

func (s *Set) Add(overlays ...Overlay) {
	if len(overlays) == 0 {
		return
	}
	s.mu.Lock()
	s.items = append(s.items, overlays...)
	s.pruneLocked()
	s.mu.Unlock()
}

// Active returns the unexpired overlays in insertion order.
func (s *Set) Active() []Overlay {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	out := make([]Overlay, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Set) Clear() {
	s.mu.Lock()
	s.items = nil
	s.mu.Unlock()
}

func (s *Set) pruneLocked() {
	cutoff := s.now().Add(-s.ttl)
	kept := s.items[:0]
	for _, o := range s.items {
		if o.CreatedAt.After(cutoff) {
			kept = append(kept, o)
		}
	}
	s.items = kept
}
