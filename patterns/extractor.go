package patterns

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/hannes/sagi/privacy"
	"github.com/hannes/sagi/records"
)

// Extractor runs the pattern analysis over tokenized snapshots.
type Extractor struct {
	pol Policy
}

// NewExtractor creates an Extractor with the given policy; zero policy
// fields fall back to defaults.
func NewExtractor(pol Policy) *Extractor {
	return &Extractor{pol: pol.withDefaults()}
}

// Extract returns every pattern present in the snapshot over the
// window, sorted by kind then detail. Records outside the window are
// ignored even if the snapshot carries them.
func (e *Extractor) Extract(snap *privacy.Snapshot, w records.Window) []Pattern {
	var found []Pattern

	if p, ok := e.behavioral(snap.Incidents, w); ok {
		found = append(found, p)
	}
	found = append(found, e.academic(snap.Assessments, w)...)
	if p, ok := e.communication(snap.Communications, w); ok {
		found = append(found, p)
	}
	if p, ok := e.attendance(snap.Attendance, w); ok {
		found = append(found, p)
	}
	if p, ok := crossDomain(found); ok {
		found = append(found, p)
	}

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Kind != found[j].Kind {
			return found[i].Kind < found[j].Kind
		}
		return found[i].Detail < found[j].Detail
	})

	log.Printf("[EXTRACTOR] Session %s: %d patterns over %d records", snap.SessionID, len(found), snap.Len())
	return found
}

// behavioral fires when incidents are frequent enough and concentrated
// in the later half of the window.
func (e *Extractor) behavioral(incidents []privacy.TokenizedIncident, w records.Window) (Pattern, bool) {
	var inWindow []privacy.TokenizedIncident
	for _, inc := range incidents {
		if w.Contains(inc.OccurredAt) {
			inWindow = append(inWindow, inc)
		}
	}
	if len(inWindow) < e.pol.MinIncidents {
		return Pattern{}, false
	}

	mid := w.Midpoint()
	firstHalf, secondHalf := 0, 0
	categoryCounts := make(map[string]int)
	for _, inc := range inWindow {
		if inc.OccurredAt.Before(mid) {
			firstHalf++
		} else {
			secondHalf++
		}
		categoryCounts[inc.Category]++
	}
	if secondHalf <= firstHalf {
		return Pattern{}, false
	}

	return Pattern{
		Kind:          BehavioralEscalation,
		EvidenceCount: len(inWindow),
		Confidence:    confidenceFor(len(inWindow)),
		Detail: fmt.Sprintf("%d behavioral incidents, rising from %d to %d across window halves, dominant category %s",
			len(inWindow), firstHalf, secondHalf, dominantCategory(categoryCounts)),
	}, true
}

// dominantCategory picks the most frequent category, breaking ties by
// name so output stays deterministic.
func dominantCategory(counts map[string]int) string {
	best, bestCount := "", -1
	for cat, n := range counts {
		if n > bestCount || (n == bestCount && cat < best) {
			best, bestCount = cat, n
		}
	}
	return best
}

// academic fires per course when the most recent assessments all fall
// below the proficiency score.
func (e *Extractor) academic(assessments []privacy.TokenizedAssessment, w records.Window) []Pattern {
	byCourse := make(map[string][]privacy.TokenizedAssessment)
	for _, a := range assessments {
		if w.Contains(a.OccurredAt) {
			byCourse[a.Course] = append(byCourse[a.Course], a)
		}
	}

	courses := make([]string, 0, len(byCourse))
	for course := range byCourse {
		courses = append(courses, course)
	}
	sort.Strings(courses)

	var out []Pattern
	for _, course := range courses {
		scores := byCourse[course]
		sort.SliceStable(scores, func(i, j int) bool {
			return scores[i].OccurredAt.Before(scores[j].OccurredAt)
		})
		if len(scores) < e.pol.MinAssessments {
			continue
		}

		recent := scores[len(scores)-e.pol.MinAssessments:]
		allBelow := true
		for _, a := range recent {
			if a.Score >= e.pol.ProficiencyScore {
				allBelow = false
				break
			}
		}
		if !allBelow {
			continue
		}

		belowTotal := 0
		for _, a := range scores {
			if a.Score < e.pol.ProficiencyScore {
				belowTotal++
			}
		}

		out = append(out, Pattern{
			Kind:          AcademicUnderperformance,
			EvidenceCount: belowTotal,
			Confidence:    confidenceFor(belowTotal),
			Detail: fmt.Sprintf("course %s: latest %d assessments below proficiency threshold %d",
				course, e.pol.MinAssessments, e.pol.ProficiencyScore),
		})
	}
	return out
}

// communication fires on a monotonic urgency rise across sources, or
// when enough distinct sources independently report elevated urgency.
func (e *Extractor) communication(comms []privacy.TokenizedCommunication, w records.Window) (Pattern, bool) {
	var inWindow []privacy.TokenizedCommunication
	for _, c := range comms {
		if w.Contains(c.OccurredAt) {
			inWindow = append(inWindow, c)
		}
	}
	sort.SliceStable(inWindow, func(i, j int) bool {
		return inWindow[i].OccurredAt.Before(inWindow[j].OccurredAt)
	})

	monotonicRise := len(inWindow) >= 2
	sources := make(map[string]bool)
	for i, c := range inWindow {
		sources[c.Source] = true
		if i > 0 && c.Urgency < inWindow[i-1].Urgency {
			monotonicRise = false
		}
	}
	if monotonicRise {
		monotonicRise = len(sources) >= 2 &&
			inWindow[len(inWindow)-1].Urgency > inWindow[0].Urgency
	}

	elevatedSources := make(map[string]bool)
	for _, c := range inWindow {
		if c.Urgency >= records.UrgencyElevated {
			elevatedSources[c.Source] = true
		}
	}
	spread := len(elevatedSources) >= e.pol.MinSources

	if !monotonicRise && !spread {
		return Pattern{}, false
	}

	var contributing []privacy.TokenizedCommunication
	if monotonicRise {
		contributing = inWindow
	} else {
		for _, c := range inWindow {
			if c.Urgency >= records.UrgencyElevated {
				contributing = append(contributing, c)
			}
		}
	}

	safeguarding := false
	peak := records.UrgencyRoutine
	for _, c := range contributing {
		if c.Safeguarding {
			safeguarding = true
		}
		if c.Urgency > peak {
			peak = c.Urgency
		}
	}

	var detail string
	if monotonicRise {
		detail = fmt.Sprintf("urgency rising monotonically across %d communications from %d sources, peak %s",
			len(contributing), len(sources), peak)
	} else {
		detail = fmt.Sprintf("%d sources independently reporting %s-or-higher urgency",
			len(elevatedSources), records.UrgencyElevated)
	}

	return Pattern{
		Kind:          CommunicationEscalation,
		EvidenceCount: len(contributing),
		Confidence:    confidenceFor(len(contributing)),
		Safeguarding:  safeguarding,
		Detail:        detail,
	}, true
}

// attendance fires when the attendance rate drops between window
// halves by more than the policy threshold. Excused events stay out of
// both numerator and denominator.
func (e *Extractor) attendance(events []privacy.TokenizedAttendance, w records.Window) (Pattern, bool) {
	var inWindow []privacy.TokenizedAttendance
	for _, ev := range events {
		if ev.Status == records.StatusExcused {
			continue
		}
		if w.Contains(ev.OccurredAt) {
			inWindow = append(inWindow, ev)
		}
	}
	if len(inWindow) < e.pol.MinAttendanceEvents {
		return Pattern{}, false
	}

	mid := w.Midpoint()
	var firstTotal, firstAttended, secondTotal, secondAttended int
	for _, ev := range inWindow {
		attended := ev.Status.Attended()
		if ev.OccurredAt.Before(mid) {
			firstTotal++
			if attended {
				firstAttended++
			}
		} else {
			secondTotal++
			if attended {
				secondAttended++
			}
		}
	}
	if firstTotal == 0 || secondTotal == 0 {
		return Pattern{}, false
	}

	firstRate := float64(firstAttended) / float64(firstTotal)
	secondRate := float64(secondAttended) / float64(secondTotal)
	if secondRate >= firstRate-e.pol.AttendanceDecline {
		return Pattern{}, false
	}

	return Pattern{
		Kind:          AttendanceWithdrawal,
		EvidenceCount: len(inWindow),
		Confidence:    confidenceFor(len(inWindow)),
		Detail: fmt.Sprintf("attendance rate fell from %.0f%% to %.0f%% between window halves",
			firstRate*100, secondRate*100),
	}, true
}

// crossDomain fires when two or more first-order kinds are present.
// Its confidence always exceeds the strongest contributor, reflecting
// the corroboration.
func crossDomain(found []Pattern) (Pattern, bool) {
	kinds := make(map[Kind]bool)
	evidence := 0
	maxConf := 0.0
	safeguarding := false
	for _, p := range found {
		if !p.Kind.FirstOrder() {
			continue
		}
		kinds[p.Kind] = true
		evidence += p.EvidenceCount
		if p.Confidence > maxConf {
			maxConf = p.Confidence
		}
		if p.Safeguarding {
			safeguarding = true
		}
	}
	if len(kinds) < 2 {
		return Pattern{}, false
	}

	names := make([]string, 0, len(kinds))
	for k := range kinds {
		names = append(names, k.String())
	}
	sort.Strings(names)

	conf := maxConf + 0.07
	if conf > 0.99 {
		conf = 0.99
	}

	return Pattern{
		Kind:          CrossDomainCorrelation,
		EvidenceCount: evidence,
		Confidence:    conf,
		Safeguarding:  safeguarding,
		Detail:        fmt.Sprintf("correlated signals across %d domains: %s", len(kinds), strings.Join(names, ", ")),
	}, true
}
