// Package injection screens untrusted text for prompt-injection attempts before it
// reaches privileged tools.
package injection

import (
	"fmt"
	"sort"

	"github.com/vinayprograms/orchestrator/internal/validator"
)

// Severity ranks a detection.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Confidence assigned per tier.
const (
	ConfidenceCritical = 0.95
	ConfidenceHigh     = 0.80
	ConfidenceMedium   = 0.60

	DefaultBlockThreshold = 0.75
)

// Detection is the result of scanning one text.
type Detection struct {
	Detected        bool     `json:"detected"`
	Severity        Severity `json:"severity"`
	MatchedPatterns []string `json:"matched_patterns,omitempty"`
	Confidence      float64  `json:"confidence"`
	Reason          string   `json:"reason,omitempty"`
}

type tier struct {
	severity   Severity
	confidence float64
	rules      []rule
}

var tiers = []tier{
	{SeverityCritical, ConfidenceCritical, criticalRules},
	{SeverityHigh, ConfidenceHigh, highRules},
	{SeverityMedium, ConfidenceMedium, mediumRules},
}

// Detector classifies text. It is safe for concurrent use.
type Detector struct {
	strict    bool
	threshold float64
}

// Option configures a Detector.
type Option func(*Detector)

// WithStrictMode makes medium severity detections block.
func WithStrictMode(strict bool) Option {
	return func(d *Detector) { d.strict = strict }
}

// WithThreshold sets the confidence at which high severity detections block.
func WithThreshold(threshold float64) Option {
	return func(d *Detector) {
		if threshold > 0 {
			d.threshold = threshold
		}
	}
}

// NewDetector creates a Detector.
func NewDetector(opts ...Option) *Detector {
	d := &Detector{threshold: DefaultBlockThreshold}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Detect scans text. Tiers are evaluated critical first; the first tier with any
// match decides severity and reports all of its matches.
func (d *Detector) Detect(text string) Detection {
	return d.detect(text, "")
}

func (d *Detector) detect(text, param string) Detection {
	if trimmedEmpty(text) {
		return Detection{Severity: SeverityLow}
	}
	candidates := []string{text}
	if normalized := validator.Normalize(text); normalized != text {
		candidates = append(candidates, normalized)
	}
	for _, t := range tiers {
		matched := matchTier(t.rules, candidates)
		if len(matched) == 0 {
			continue
		}
		where := "input"
		if param != "" {
			where = param
		}
		return Detection{
			Detected:        true,
			Severity:        t.severity,
			MatchedPatterns: matched,
			Confidence:      t.confidence,
			Reason:          fmt.Sprintf("potential prompt injection in %s: %d suspicious pattern(s)", where, len(matched)),
		}
	}
	return Detection{Severity: SeverityLow}
}

// ShouldBlock reports whether a detection must stop the tool call.
func (d *Detector) ShouldBlock(det Detection) bool {
	if !det.Detected {
		return false
	}
	switch det.Severity {
	case SeverityCritical:
		return true
	case SeverityHigh:
		return det.Confidence >= d.threshold
	case SeverityMedium:
		return d.strict
	}
	return false
}

// ScanParameters scans every string in params, descending into slices and nested
// maps. Only detections are returned, keyed by dotted path (items as key[i]).
func (d *Detector) ScanParameters(params map[string]interface{}) map[string]Detection {
	results := make(map[string]Detection)
	d.scanMap("", params, results)
	return results
}

// FirstBlocking returns the first blocking detection in params, in path order.
func (d *Detector) FirstBlocking(params map[string]interface{}) (string, Detection, bool) {
	found := d.ScanParameters(params)
	paths := make([]string, 0, len(found))
	for p := range found {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		if d.ShouldBlock(found[p]) {
			return p, found[p], true
		}
	}
	return "", Detection{}, false
}

func (d *Detector) scanMap(prefix string, m map[string]interface{}, out map[string]Detection) {
	for k, v := range m {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		d.scanValue(path, v, out)
	}
}

func (d *Detector) scanValue(path string, v interface{}, out map[string]Detection) {
	switch val := v.(type) {
	case string:
		if det := d.detect(val, path); det.Detected {
			out[path] = det
		}
	case []string:
		for i, item := range val {
			d.scanValue(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	case []interface{}:
		for i, item := range val {
			d.scanValue(fmt.Sprintf("%s[%d]", path, i), item, out)
		}
	case map[string]interface{}:
		d.scanMap(path, val, out)
	case map[string]string:
		for k, item := range val {
			d.scanValue(path+"."+k, item, out)
		}
	}
}
