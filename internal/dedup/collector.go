package dedup

import (
	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Outcome describes what Collector.Add did with an offer.
type Outcome int

// Add outcomes.
const (
	Added Outcome = iota + 1
	Duplicate
	Invalid
	// OverLimit means the identity is new but the collector is already full.
	OverLimit
)

func (o Outcome) String() string {
	switch o {
	case Added:
		return "added"
	case Duplicate:
		return "duplicate"
	case Invalid:
		return "invalid"
	case OverLimit:
		return "over_limit"
	default:
		return "unknown"
	}
}

// Collector accumulates canonical offers for one run. First seen wins; later
// duplicates are dropped, never merged. It is not safe for concurrent use.
type Collector struct {
	limit      int
	hasher     scrape.Hasher
	seen       map[string]struct{}
	items      []scrape.CanonicalOffer
	duplicates int
	invalid    int
}

// NewCollector builds a collector that keeps at most limit offers. A limit of
// zero or less means unbounded.
func NewCollector(limit int, hasher scrape.Hasher) *Collector {
	return &Collector{
		limit:  limit,
		hasher: hasher,
		seen:   make(map[string]struct{}),
	}
}

// Add canonicalizes o and stores it if its identity is new.
func (c *Collector) Add(o scrape.Offer) (Outcome, string) {
	if !Valid(o) {
		c.invalid++
		return Invalid, ""
	}
	key, err := Key(o, c.hasher)
	if err != nil {
		c.invalid++
		return Invalid, ""
	}
	if _, ok := c.seen[key]; ok {
		c.duplicates++
		return Duplicate, key
	}
	c.seen[key] = struct{}{}
	if c.Full() {
		return OverLimit, key
	}
	c.items = append(c.items, scrape.CanonicalOffer{Key: key, Offer: o})
	return Added, key
}

// Full reports whether the collector reached its limit.
func (c *Collector) Full() bool {
	return c.limit > 0 && len(c.items) >= c.limit
}

// Len returns the number of stored offers.
func (c *Collector) Len() int {
	return len(c.items)
}

// Items returns the stored offers in insertion order.
func (c *Collector) Items() []scrape.CanonicalOffer {
	out := make([]scrape.CanonicalOffer, len(c.items))
	copy(out, c.items)
	return out
}

// Offers returns the stored offers without their keys.
func (c *Collector) Offers() []scrape.Offer {
	out := make([]scrape.Offer, 0, len(c.items))
	for _, item := range c.items {
		out = append(out, item.Offer)
	}
	return out
}

// SkipKeys returns every identity already processed, stored or not.
func (c *Collector) SkipKeys() map[string]struct{} {
	out := make(map[string]struct{}, len(c.seen))
	for k := range c.seen {
		out[k] = struct{}{}
	}
	return out
}

// Duplicates returns how many offers were dropped as duplicates.
func (c *Collector) Duplicates() int {
	return c.duplicates
}

// InvalidCount returns how many offers were dropped as invalid.
func (c *Collector) InvalidCount() int {
	return c.invalid
}
