package domain

// Teacher is the instructor of a teaching class.
type Teacher struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Title string `json:"title"`
}

// CourseSnapshotEntry is one teaching class of the crawled catalog.
// Entries are unique by (CourseID, TeachingClassID, BatchID).
type CourseSnapshotEntry struct {
	CourseID        string   `json:"courseId"`
	CourseName      string   `json:"courseName"`
	Credit          string   `json:"credit"`
	Teacher         Teacher  `json:"teacher"`
	ClassTime       string   `json:"classTime"`
	Campus          string   `json:"campus"`
	Position        string   `json:"position"`
	Capacity        int      `json:"capacity"`
	Number          int      `json:"number"`
	Limitations     []string `json:"limitations"`
	TeachingClassID string   `json:"teachingClassId"`
	BatchID         string   `json:"batchId"`

	// EnrollID is the opaque do_jxb_id the enroll endpoint expects in jxb_ids.
	EnrollID      string `json:"enrollId,omitempty"`
	Academy       string `json:"academy,omitempty"`
	Major         string `json:"major,omitempty"`
	TeachingMode  string `json:"teachingMode,omitempty"`
	LanguageMode  string `json:"languageMode,omitempty"`
	SelectionNote string `json:"selectionNote,omitempty"`
	ClassStatus   string `json:"classStatus,omitempty"`
}

// Key identifies the entry inside a snapshot.
func (e CourseSnapshotEntry) Key() string {
	return e.CourseID + "\x00" + e.TeachingClassID + "\x00" + e.BatchID
}

// CoursePair names one enrollable unit.
type CoursePair struct {
	CourseID        string `json:"courseId"`
	TeachingClassID string `json:"teachingClassId"`
	// EnrollID falls back to TeachingClassID when empty.
	EnrollID   string `json:"enrollId,omitempty"`
	CourseName string `json:"courseName,omitempty"`
	Cxbj       string `json:"cxbj,omitempty"`
	Xxkbj      string `json:"xxkbj,omitempty"`
	Qz         string `json:"qz,omitempty"`
}

// JxbIDs returns the id the enroll and drop endpoints expect.
func (p CoursePair) JxbIDs() string {
	if p.EnrollID != "" {
		return p.EnrollID
	}
	return p.TeachingClassID
}

// SelectedCourse is one row of the student's current selection.
type SelectedCourse struct {
	CourseID        string `json:"courseId"`
	CourseName      string `json:"courseName"`
	TeachingClassID string `json:"teachingClassId"`
	EnrollID        string `json:"enrollId,omitempty"`
	Credit          string `json:"credit,omitempty"`
	TeachingClass   string `json:"teachingClass,omitempty"`
}

// Pair converts a selected row back into a CoursePair.
func (s SelectedCourse) Pair() CoursePair {
	return CoursePair{
		CourseID:        s.CourseID,
		TeachingClassID: s.TeachingClassID,
		EnrollID:        s.EnrollID,
		CourseName:      s.CourseName,
	}
}

// EnrollResult is the normalised outcome of an enroll request.
type EnrollResult struct {
	OK        bool   `json:"ok"`
	Retryable bool   `json:"retryable"`
	Flag      string `json:"flag,omitempty"`
	Message   string `json:"message,omitempty"`
}

// DropResult is the normalised outcome of a drop request.
type DropResult struct {
	OK        bool   `json:"ok"`
	Retryable bool   `json:"retryable"`
	Code      string `json:"code,omitempty"`
	Message   string `json:"message,omitempty"`
	Legacy    bool   `json:"legacy,omitempty"`
}

// Breakdown is the enrollment breakdown table of one teaching class.
type Breakdown struct {
	Headers []string   `json:"headers"`
	Rows    [][]string `json:"rows"`
}

// Eligibility is the answer of an eligibility provider for one group key.
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// SnapshotEvent announces a finished crawl to downstream consumers.
type SnapshotEvent struct {
	SessionID  string                `json:"sessionId"`
	UserID     string                `json:"userId"`
	TermID     string                `json:"termId"`
	BatchID    string                `json:"batchId"`
	ProducedAt int64                 `json:"producedAt"`
	Entries    []CourseSnapshotEntry `json:"entries"`
}
