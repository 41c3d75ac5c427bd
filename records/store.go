package records

import (
	"context"
	"sort"
	"sync"
)

// Store is the inbound collaborator the pipeline fetches raw records
// from. Implementations return every record for the subject whose
// timestamp falls inside the window, each shape in chronological order.
// A subject with no records yields an empty Set, not an error.
type Store interface {
	Records(ctx context.Context, subjectID string, w Window) (Set, error)
}

// MemoryStore implements Store over in-process maps. It backs tests and
// single-node deployments without a database.
type MemoryStore struct {
	mu             sync.RWMutex
	incidents      map[string][]BehavioralIncident
	assessments    map[string][]Assessment
	communications map[string][]Communication
	attendance     map[string][]AttendanceEvent
}

// NewMemoryStore creates an empty in-memory record store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		incidents:      make(map[string][]BehavioralIncident),
		assessments:    make(map[string][]Assessment),
		communications: make(map[string][]Communication),
		attendance:     make(map[string][]AttendanceEvent),
	}
}

// AddIncident stores a behavioral incident.
func (m *MemoryStore) AddIncident(r BehavioralIncident) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.incidents[r.SubjectID] = append(m.incidents[r.SubjectID], r)
}

// AddAssessment stores an academic assessment.
func (m *MemoryStore) AddAssessment(r Assessment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assessments[r.SubjectID] = append(m.assessments[r.SubjectID], r)
}

// AddCommunication stores a communication record.
func (m *MemoryStore) AddCommunication(r Communication) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.communications[r.SubjectID] = append(m.communications[r.SubjectID], r)
}

// AddAttendance stores an attendance event.
func (m *MemoryStore) AddAttendance(r AttendanceEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attendance[r.SubjectID] = append(m.attendance[r.SubjectID], r)
}

// Records returns the subject's records inside the window, sorted
// chronologically per shape.
func (m *MemoryStore) Records(ctx context.Context, subjectID string, w Window) (Set, error) {
	if err := ctx.Err(); err != nil {
		return Set{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	set := Set{SubjectID: subjectID}
	for _, r := range m.incidents[subjectID] {
		if w.Contains(r.OccurredAt) {
			set.Incidents = append(set.Incidents, r)
		}
	}
	for _, r := range m.assessments[subjectID] {
		if w.Contains(r.OccurredAt) {
			set.Assessments = append(set.Assessments, r)
		}
	}
	for _, r := range m.communications[subjectID] {
		if w.Contains(r.OccurredAt) {
			set.Communications = append(set.Communications, r)
		}
	}
	for _, r := range m.attendance[subjectID] {
		if w.Contains(r.OccurredAt) {
			set.Attendance = append(set.Attendance, r)
		}
	}

	sortSet(&set)
	return set, nil
}

func sortSet(set *Set) {
	sort.SliceStable(set.Incidents, func(i, j int) bool {
		return set.Incidents[i].OccurredAt.Before(set.Incidents[j].OccurredAt)
	})
	sort.SliceStable(set.Assessments, func(i, j int) bool {
		return set.Assessments[i].OccurredAt.Before(set.Assessments[j].OccurredAt)
	})
	sort.SliceStable(set.Communications, func(i, j int) bool {
		return set.Communications[i].OccurredAt.Before(set.Communications[j].OccurredAt)
	})
	sort.SliceStable(set.Attendance, func(i, j int) bool {
		return set.Attendance[i].OccurredAt.Before(set.Attendance[j].OccurredAt)
	})
}
