// Package relax loosens over-constrained scrape queries one deterministic step
// at a time. Everything here is pure: no I/O and no randomness.
package relax

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// DefaultPublishedLadder is the widening sequence for "published within N days".
var DefaultPublishedLadder = []float64{1, 3, 7, 14, 30}

const (
	defaultSalaryRatio = 0.75
	defaultSalaryFloor = 1000
	defaultRadiusMax   = 100
)

// Profile describes which query keys a source understands and in what order
// they are loosened.
type Profile struct {
	Source string
	// MultiValueKeys are ordered from the most specific dimension to the coarsest.
	MultiValueKeys  []string
	PublishedKey    string
	PublishedLadder []float64
	SalaryKey       string
	SalaryRatio     float64
	SalaryFloor     float64
	RadiusKey       string
	RadiusMax       float64
	ToggleKeys      []string
	LocationKey     string
	KeywordKey      string
}

// Next returns a strictly less restrictive copy of q together with a
// human-readable reason. ok is false when nothing is left to relax.
func (p Profile) Next(q scrape.Query) (scrape.Query, string, bool) {
	if q.EffectiveFields() == 0 {
		return nil, "", false
	}
	next := q.Clone()
	steps := []func(scrape.Query) (string, bool){
		p.dropMultiValue,
		p.widenPublished,
		p.shrinkSalary,
		p.growRadius,
		p.dropToggle,
		p.dropLocation,
		p.trimKeyword,
	}
	for _, step := range steps {
		if reason, applied := step(next); applied {
			return next, reason, true
		}
	}
	return nil, "", false
}

func (p Profile) dropMultiValue(q scrape.Query) (string, bool) {
	for _, key := range p.MultiValueKeys {
		values := q.Strings(key)
		if len(values) == 0 {
			continue
		}
		last := values[len(values)-1]
		if len(values) == 1 {
			delete(q, key)
			return fmt.Sprintf("removed %s filter %q", key, last), true
		}
		q[key] = append([]string(nil), values[:len(values)-1]...)
		return fmt.Sprintf("dropped %q from %s", last, key), true
	}
	return "", false
}

func (p Profile) widenPublished(q scrape.Query) (string, bool) {
	if p.PublishedKey == "" {
		return "", false
	}
	current, ok := q.Number(p.PublishedKey)
	if !ok || current <= 0 {
		return "", false
	}
	ladder := p.PublishedLadder
	if len(ladder) == 0 {
		ladder = DefaultPublishedLadder
	}
	for _, rung := range ladder {
		if rung > current {
			q[p.PublishedKey] = rung
			return fmt.Sprintf("widened %s from %s to %s days", p.PublishedKey, formatNumber(current), formatNumber(rung)), true
		}
	}
	delete(q, p.PublishedKey)
	return fmt.Sprintf("removed %s filter", p.PublishedKey), true
}

func (p Profile) shrinkSalary(q scrape.Query) (string, bool) {
	if p.SalaryKey == "" {
		return "", false
	}
	current, ok := q.Number(p.SalaryKey)
	if !ok || current <= 0 {
		return "", false
	}
	ratio := p.SalaryRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultSalaryRatio
	}
	floor := p.SalaryFloor
	if floor <= 0 {
		floor = defaultSalaryFloor
	}
	reduced := math.Floor(current * ratio)
	if reduced < floor {
		delete(q, p.SalaryKey)
		return fmt.Sprintf("removed %s filter", p.SalaryKey), true
	}
	q[p.SalaryKey] = reduced
	return fmt.Sprintf("lowered %s from %s to %s", p.SalaryKey, formatNumber(current), formatNumber(reduced)), true
}

func (p Profile) growRadius(q scrape.Query) (string, bool) {
	if p.RadiusKey == "" {
		return "", false
	}
	current, ok := q.Number(p.RadiusKey)
	if !ok || current <= 0 {
		return "", false
	}
	limit := p.RadiusMax
	if limit <= 0 {
		limit = defaultRadiusMax
	}
	if current >= limit {
		delete(q, p.RadiusKey)
		return fmt.Sprintf("removed %s filter", p.RadiusKey), true
	}
	grown := math.Min(current*2, limit)
	q[p.RadiusKey] = grown
	return fmt.Sprintf("grew %s from %s to %s", p.RadiusKey, formatNumber(current), formatNumber(grown)), true
}

func (p Profile) dropToggle(q scrape.Query) (string, bool) {
	for _, key := range p.ToggleKeys {
		if q.Bool(key) {
			delete(q, key)
			return fmt.Sprintf("removed %s toggle", key), true
		}
	}
	return "", false
}

func (p Profile) dropLocation(q scrape.Query) (string, bool) {
	if p.LocationKey == "" || q.Text(p.LocationKey) == "" {
		return "", false
	}
	delete(q, p.LocationKey)
	return fmt.Sprintf("removed %s filter", p.LocationKey), true
}

func (p Profile) trimKeyword(q scrape.Query) (string, bool) {
	if p.KeywordKey == "" {
		return "", false
	}
	tokens := strings.Fields(q.Text(p.KeywordKey))
	switch len(tokens) {
	case 0:
		return "", false
	case 1:
		delete(q, p.KeywordKey)
		return fmt.Sprintf("removed %s filter", p.KeywordKey), true
	default:
		q[p.KeywordKey] = strings.Join(tokens[:len(tokens)-1], " ")
		return fmt.Sprintf("dropped keyword token %q", tokens[len(tokens)-1]), true
	}
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
