package pro

import (
	"context"
	"fmt"
	"slices"

	"github.com/rendis/mnemos/internal/expressions"
	"github.com/rendis/mnemos/internal/pulse"
	"github.com/rendis/mnemos/pkg/schema"
)

// Flush modes a profile may request after applying affinity and priority.
const (
	FlushNone       = ""
	FlushSoft       = "soft"
	FlushAggressive = "aggressive"
)

// Profile is a named bundle of tuning settings. When is an optional
// condition over the host sample (exposed as `system`) used by
// SelectProfile; an empty When always matches.
type Profile struct {
	Name          string           `json:"name" yaml:"name"`
	Description   string           `json:"description,omitempty" yaml:"description,omitempty"`
	When          string           `json:"when,omitempty" yaml:"when,omitempty"`
	Lang          string           `json:"lang,omitempty" yaml:"lang,omitempty"` // "expr" (default) or "cel"
	CPUs          []int            `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Priority      *schema.Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
	Flush         string           `json:"flush,omitempty" yaml:"flush,omitempty"`
	BoostRuntimes bool             `json:"boost_runtimes,omitempty" yaml:"boost_runtimes,omitempty"`
}

func priorityRef(class string) *schema.Priority {
	p := schema.ClassPriority(class)
	return &p
}

// BuiltinProfiles are used when no profiles are configured. Order matters
// for SelectProfile: the first matching profile wins.
func BuiltinProfiles() []Profile {
	return []Profile{
		{
			Name:          "server",
			Description:   "many cores: high priority, aggressive flush, boost detected runtimes",
			When:          "system.cpu_count >= 16",
			Priority:      priorityRef(schema.PriorityHigh),
			Flush:         FlushAggressive,
			BoostRuntimes: true,
		},
		{
			Name:          "desktop",
			Description:   "mid-size host: above normal priority, soft flush, boost detected runtimes",
			When:          "system.cpu_count >= 6",
			Priority:      priorityRef(schema.PriorityAboveNormal),
			Flush:         FlushSoft,
			BoostRuntimes: true,
		},
		{
			Name:        "laptop",
			Description: "small host: normal priority and a soft flush",
			Priority:    priorityRef(schema.PriorityNormal),
			Flush:       FlushSoft,
		},
	}
}

// ValidateProfiles returns CheckProfiles as an error; warnings are dropped.
func ValidateProfiles(profiles []Profile, engines ...expressions.Engine) error {
	return CheckProfiles(profiles, engines...).Err()
}

// CheckProfiles checks names, flush modes, CPU indexes and condition
// languages, collecting every problem. Profiles that change nothing or that
// follow an unconditional profile are reported as warnings.
func CheckProfiles(profiles []Profile, engines ...expressions.Engine) *schema.Report {
	report := &schema.Report{}
	seen := make(map[string]struct{}, len(profiles))
	catchAll := -1

	for i, p := range profiles {
		path := fmt.Sprintf("profiles[%d]", i)

		if p.Name == "" {
			report.Errorf(path+".name", "profile has no name")
		} else if _, dup := seen[p.Name]; dup {
			report.Errorf(path+".name", "duplicate profile %q", p.Name)
		}
		seen[p.Name] = struct{}{}

		switch p.Flush {
		case FlushNone, FlushSoft, FlushAggressive:
		default:
			report.Errorf(path+".flush", "flush must be %q or %q, got %q", FlushSoft, FlushAggressive, p.Flush)
		}
		if slices.ContainsFunc(p.CPUs, func(c int) bool { return c < 0 }) {
			report.Errorf(path+".cpus", "cpu indexes must not be negative")
		}
		if p.When != "" {
			engine, err := expressions.ForLanguage(p.Lang, engines...)
			if err != nil {
				report.Errorf(path+".lang", "%s", err.Error())
			} else if err := expressions.Check(engine, p.When); err != nil {
				report.Errorf(path+".when", "%s", err.Error())
			}
		}

		if len(p.CPUs) == 0 && p.Priority == nil && p.Flush == FlushNone && !p.BoostRuntimes {
			report.Warnf(path, "profile %q changes nothing", p.Name)
		}
		if catchAll >= 0 {
			report.Warnf(path, "profile %q is never selected: profiles[%d] has no condition", p.Name, catchAll)
		} else if p.When == "" {
			catchAll = i
		}
	}
	return report
}

// conditionData is the evaluation environment of a profile condition.
func conditionData(p Profile, s pulse.Sample) map[string]any {
	cpus := make([]any, len(p.CPUs))
	for i, c := range p.CPUs {
		cpus[i] = int64(c)
	}
	profile := map[string]any{"name": p.Name, "cpus": cpus}
	if p.Priority != nil {
		profile["priority"] = p.Priority.String()
	}
	return map[string]any{"system": s.Env(), "profile": profile}
}

// matches evaluates p.When against s.
func matches(ctx context.Context, p Profile, s pulse.Sample, engines ...expressions.Engine) (bool, error) {
	if p.When == "" {
		return true, nil
	}
	engine, err := expressions.ForLanguage(p.Lang, engines...)
	if err != nil {
		return false, err
	}
	return expressions.EvaluateBool(ctx, engine, p.When, conditionData(p, s))
}
