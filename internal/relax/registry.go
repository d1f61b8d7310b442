package relax

import (
	"strings"

	"github.com/JakeFAU/jobscout/internal/scrape"
)

// Registry maps source kinds to relaxation profiles.
type Registry struct {
	profiles map[string]Profile
}

// NewRegistry builds a registry from profiles. Later profiles replace earlier
// ones with the same source.
func NewRegistry(profiles ...Profile) *Registry {
	r := &Registry{profiles: make(map[string]Profile, len(profiles))}
	for _, p := range profiles {
		r.profiles[normalizeSource(p.Source)] = p
	}
	return r
}

// Lookup returns the profile registered for source.
func (r *Registry) Lookup(source string) (Profile, bool) {
	if r == nil {
		return Profile{}, false
	}
	p, ok := r.profiles[normalizeSource(source)]
	return p, ok
}

// Relax applies one relaxation step for source. It reports false both when
// the source has no profile and when the query is exhausted.
func (r *Registry) Relax(source string, q scrape.Query) (scrape.Query, string, bool) {
	p, ok := r.Lookup(source)
	if !ok {
		return nil, "", false
	}
	return p.Next(q)
}

// JobBoardProfile covers job boards that filter by technology, specialization,
// seniority and work arrangement.
func JobBoardProfile(source string) Profile {
	return Profile{
		Source: source,
		MultiValueKeys: []string{
			"technologies",
			"specializations",
			"experienceLevels",
			"workModes",
			"contractTypes",
			"workDimensions",
		},
		PublishedKey: "publishedWithinDays",
		SalaryKey:    "salaryMin",
		SalaryRatio:  defaultSalaryRatio,
		SalaryFloor:  defaultSalaryFloor,
		RadiusKey:    "radiusKm",
		RadiusMax:    defaultRadiusMax,
		ToggleKeys:   []string{"withSalary", "remoteRecruitment", "ukrainianFriendly", "onlyEmployer"},
		LocationKey:  "location",
		KeywordKey:   "keyword",
	}
}

// DefaultRegistry registers the built-in sources.
func DefaultRegistry() *Registry {
	return NewRegistry(JobBoardProfile("jobboard"), JobBoardProfile("pracuj"))
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
