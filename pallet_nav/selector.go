package pallet_nav

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Selector picks one detection out of a frame. It returns false when the
// frame holds nothing to choose from.
type Selector func(dets []Detection) (Detection, bool)

// SelectPolicy names one of the selection strategies in configuration.
type SelectPolicy int

const (
	PolicyLargest SelectPolicy = iota + 1
	PolicyClosest
	PolicyLeftMost
	PolicyMiddle
)

func (p SelectPolicy) String() string {
	switch p {
	case PolicyLargest:
		return "best"
	case PolicyClosest:
		return "closest"
	case PolicyLeftMost:
		return "most-left"
	case PolicyMiddle:
		return "middle"
	default:
		return fmt.Sprintf("SelectPolicy(%d)", int(p))
	}
}

// Selector returns the selection function for the policy.
func (p SelectPolicy) Selector() Selector {
	switch p {
	case PolicyClosest:
		return SelectClosest
	case PolicyLeftMost:
		return SelectLeftMost
	case PolicyMiddle:
		return SelectMiddle
	default:
		return SelectLargest
	}
}

// ParseSelectPolicy converts a policy name into a SelectPolicy.
func ParseSelectPolicy(value string) (SelectPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "best", "largest":
		return PolicyLargest, nil
	case "closest":
		return PolicyClosest, nil
	case "most-left", "leftmost":
		return PolicyLeftMost, nil
	case "middle", "median":
		return PolicyMiddle, nil
	default:
		return PolicyLargest, fmt.Errorf("%w: %q", ErrUnknownPolicy, value)
	}
}

// UnmarshalText allows policies to be loaded from JSON and YAML strings.
func (p *SelectPolicy) UnmarshalText(b []byte) error {
	parsed, err := ParseSelectPolicy(string(b))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// MarshalText writes the policy name.
func (p SelectPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// SelectLargest picks the detection with the biggest area.
func SelectLargest(dets []Detection) (Detection, bool) {
	return pickMin(dets, func(d Detection) float64 { return -d.Area })
}

// SelectClosest picks the detection horizontally nearest the image center.
func SelectClosest(dets []Detection) (Detection, bool) {
	return pickMin(dets, func(d Detection) float64 { return math.Abs(d.OffsetX) })
}

// SelectLeftMost picks the detection with the smallest center x.
func SelectLeftMost(dets []Detection) (Detection, bool) {
	return pickMin(dets, func(d Detection) float64 { return d.CenterX })
}

// SelectMiddle orders detections by center x and picks index len/2.
func SelectMiddle(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	sorted := make([]Detection, len(dets))
	copy(sorted, dets)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CenterX < sorted[j].CenterX })
	return sorted[len(sorted)/2], true
}

// MiddleOrClosest anchors on the middle of a row once at least minCount
// detections are visible and falls back to the closest one otherwise.
func MiddleOrClosest(minCount int) Selector {
	return middleOr(minCount, SelectClosest)
}

func middleOr(minCount int, fallback Selector) Selector {
	return func(dets []Detection) (Detection, bool) {
		if len(dets) >= minCount {
			return SelectMiddle(dets)
		}
		return fallback(dets)
	}
}

// pickMin returns the first detection minimizing score.
func pickMin(dets []Detection, score func(Detection) float64) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	bestScore := score(best)
	for _, d := range dets[1:] {
		if s := score(d); s < bestScore {
			best, bestScore = d, s
		}
	}
	return best, true
}

// UnmarshalJSON accepts either the five-element array form
// [offset_x, offset_y, area, center_x, center_y] or an object.
func (d *Detection) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var raw []float64
		if err := json.Unmarshal(trimmed, &raw); err != nil {
			return err
		}
		if len(raw) != 5 {
			return fmt.Errorf("expected 5 detection fields, got %d", len(raw))
		}
		*d = Detection{OffsetX: raw[0], OffsetY: raw[1], Area: raw[2], CenterX: raw[3], CenterY: raw[4]}
		return nil
	}

	type plain Detection
	var p plain
	if err := json.Unmarshal(trimmed, &p); err != nil {
		return err
	}
	*d = Detection(p)
	return nil
}

// ParseDetections decodes a detection payload. A JSON null decodes to an
// empty, non-nil frame: the message arrived and reported nothing.
func ParseDetections(payload []byte) ([]Detection, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	var dets []Detection
	if err := json.Unmarshal(trimmed, &dets); err != nil {
		return nil, fmt.Errorf("parse detections: %w", err)
	}
	if dets == nil {
		dets = []Detection{}
	}
	return dets, nil
}
