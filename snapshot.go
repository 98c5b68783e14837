package xstorage

import (
	"encoding/json"
	"time"
)

type Section string

const (
	SectionStatus                   Section = "status"
	SectionDevice                   Section = "device"
	SectionConfigState              Section = "config_state"
	SectionSettings                 Section = "settings"
	SectionMetrics                  Section = "metrics"
	SectionMetricsDaily             Section = "metrics_daily"
	SectionSchedule                 Section = "schedule"
	SectionTechnicalStatus          Section = "technical_status"
	SectionMaintenanceDiagnostics   Section = "maintenance_diagnostics"
	SectionNotifications            Section = "notifications"
	SectionUnreadNotificationsCount Section = "unread_notifications_count"
)

// Sections lists every section a snapshot carries.
var Sections = []Section{
	SectionStatus,
	SectionDevice,
	SectionConfigState,
	SectionSettings,
	SectionMetrics,
	SectionMetricsDaily,
	SectionSchedule,
	SectionTechnicalStatus,
	SectionMaintenanceDiagnostics,
	SectionNotifications,
	SectionUnreadNotificationsCount,
}

// Snapshot is the merged view of one poll cycle. It is never modified after
// it has been published; accessors hand out copies.
type Snapshot struct {
	fetchedAt time.Time
	sections  map[Section]Document
	errors    map[Section]error
}

func newSnapshot(fetchedAt time.Time, sections map[Section]Document, errs map[Section]error) *Snapshot {
	s := &Snapshot{
		fetchedAt: fetchedAt,
		sections:  make(map[Section]Document, len(Sections)),
		errors:    make(map[Section]error),
	}
	for _, section := range Sections {
		doc := sections[section]
		if doc == nil {
			doc = Document{}
		}
		s.sections[section] = doc
		if err := errs[section]; err != nil {
			s.errors[section] = &PartialDataError{Section: section, Err: err}
		}
	}
	return s
}

// EmptySnapshot has every section present and empty.
func EmptySnapshot() *Snapshot {
	return newSnapshot(time.Time{}, nil, nil)
}

func (s *Snapshot) FetchedAt() time.Time {
	return s.fetchedAt
}

// Section returns a copy of one section; never nil.
func (s *Snapshot) Section(section Section) Document {
	doc, ok := s.sections[section]
	if !ok {
		return Document{}
	}
	return doc.Clone()
}

// Empty reports whether a section carries no data this cycle.
func (s *Snapshot) Empty(section Section) bool {
	return len(s.sections[section]) == 0
}

// Err returns the *PartialDataError recorded for a section, if any.
func (s *Snapshot) Err(section Section) error {
	return s.errors[section]
}

func (s *Snapshot) Float(section Section, path ...string) (float64, bool) {
	return s.sections[section].Float(path...)
}

func (s *Snapshot) Int(section Section, path ...string) (int, bool) {
	return s.sections[section].Int(path...)
}

func (s *Snapshot) String(section Section, path ...string) (string, bool) {
	return s.sections[section].String(path...)
}

func (s *Snapshot) Bool(section Section, path ...string) (bool, bool) {
	return s.sections[section].Bool(path...)
}

func (s *Snapshot) MarshalJSON() ([]byte, error) {
	out := make(map[string]Document, len(s.sections))
	for section, doc := range s.sections {
		out[string(section)] = doc
	}
	return json.Marshal(out)
}
