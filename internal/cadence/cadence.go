// Package cadence evaluates whether a candidate change is currently allowed
// given site settings and recent history. Evaluate is pure: it performs no I/O
// and identical inputs always yield identical verdicts, so callers may use it
// as a dry-run preview.
package cadence

import (
	"fmt"
	"time"

	"github.com/sitegov/governor/internal/models"
)

// Candidate describes the change being screened.
type Candidate struct {
	SiteID     string
	ChangeType models.ChangeType
	Scope      models.ChangeScope
}

const weekWindow = 7 * 24 * time.Hour

// Evaluate runs the cadence checks in order: stabilization freeze, weekly deploy
// cap, then per-category cooldown against the most recent applied/queued
// proposal of the same change type.
func Evaluate(settings models.CadenceSettings, history []models.Proposal, windows []models.DeployWindow, candidate Candidate, now time.Time) models.CadenceVerdict {
	verdict := models.CadenceVerdict{
		MaxDeploysPerWeek: settings.MaxDeploysPerWeek,
	}

	// 1. Stabilization freeze overrides everything.
	if settings.StabilizationUntil != nil && settings.StabilizationUntil.After(now) {
		verdict.InStabilizationMode = true
		verdict.Reason = fmt.Sprintf("site is in stabilization mode until %s", settings.StabilizationUntil.UTC().Format(time.RFC3339))
		if settings.StabilizationReason != "" {
			verdict.Reason += ": " + settings.StabilizationReason
		}
		t := settings.StabilizationUntil.UTC()
		verdict.NextEligibleAt = &t
		return verdict
	}

	// 2. Weekly deploy cap over executed windows in the trailing 7 days.
	weekStart := now.Add(-weekWindow)
	var oldest *time.Time
	for _, w := range windows {
		if w.SiteID != candidate.SiteID || w.Status != models.WindowExecuted || w.ExecutedAt == nil {
			continue
		}
		if w.ExecutedAt.Before(weekStart) || w.ExecutedAt.After(now) {
			continue
		}
		verdict.DeploysThisWeek++
		if oldest == nil || w.ExecutedAt.Before(*oldest) {
			t := *w.ExecutedAt
			oldest = &t
		}
	}
	// A cap of 0 is a freeze: zero executed windows already meets it.
	if verdict.DeploysThisWeek >= settings.MaxDeploysPerWeek {
		verdict.Reason = fmt.Sprintf("weekly deploy cap reached (%d/%d in the last 7 days)", verdict.DeploysThisWeek, settings.MaxDeploysPerWeek)
		if oldest != nil {
			t := oldest.Add(weekWindow).UTC()
			verdict.NextEligibleAt = &t
		}
		return verdict
	}

	// 3. Resolve the applicable cooldown category.
	days := cooldownDays(settings, candidate)

	// 4. Most recent same-type proposal, applied or queued, inside the window.
	cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
	var latest *models.Proposal
	for i := range history {
		p := &history[i]
		if p.SiteID != candidate.SiteID || p.ChangeType != candidate.ChangeType {
			continue
		}
		if p.Status != models.StatusApplied && p.Status != models.StatusQueued {
			continue
		}
		if p.CreatedAt.Before(cutoff) {
			continue
		}
		if latest == nil || p.CreatedAt.After(latest.CreatedAt) {
			latest = p
		}
	}
	if latest != nil {
		next := latest.CreatedAt.Add(time.Duration(days) * 24 * time.Hour).UTC()
		verdict.NextEligibleAt = &next
		verdict.Reason = fmt.Sprintf("%s change within %dd cooldown; eligible again at %s", candidate.ChangeType, days, next.Format(time.RFC3339))
		return verdict
	}

	verdict.Pass = true
	return verdict
}

// cooldownDays picks the cooldown for a candidate. Template and sitewide scope
// always use the template cooldown, the most conservative category. Unknown
// change types fall back to the content cooldown.
func cooldownDays(settings models.CadenceSettings, candidate Candidate) int {
	if candidate.Scope == models.ScopeTemplate || candidate.Scope == models.ScopeSitewide {
		if d, ok := settings.CooldownDays[models.CooldownTemplate]; ok {
			return d
		}
		return 21
	}
	key := models.CooldownContent
	switch candidate.ChangeType {
	case models.ChangeTypeContent:
		key = models.CooldownContent
	case models.ChangeTypeTechnical:
		key = models.CooldownTechnical
	case models.ChangeTypePerformance:
		key = models.CooldownPerf
	case models.ChangeTypeConfig:
		key = models.CooldownTechnical
	}
	if d, ok := settings.CooldownDays[key]; ok {
		return d
	}
	if d, ok := settings.CooldownDays[models.CooldownContent]; ok {
		return d
	}
	return 7
}
