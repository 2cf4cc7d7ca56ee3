package compliance

import "time"

// Entry is one configuration item parsed from the uploaded document.
type Entry struct {
	Group  string            `json:"group"`
	Name   string            `json:"name"`
	Fields map[string]string `json:"fields"`
}

// Group is a named, ordered list of entries from the document.
type Group struct {
	Name    string
	Entries []Entry
}

// Document is the parsed form of an upload. Groups keep document order.
type Document struct {
	Groups []Group
}

// Entries flattens the document into a single ordered slice.
func (d *Document) Entries() []Entry {
	var out []Entry
	for _, g := range d.Groups {
		out = append(out, g.Entries...)
	}
	return out
}

// Control is one row of the reference catalog.
type Control struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
}

// Judgement is the compliance outcome of a verdict.
type Judgement string

const (
	Compliant          Judgement = "compliant"
	NonCompliant       Judgement = "non_compliant"
	PartiallyCompliant Judgement = "partially_compliant"
	NotApplicable      Judgement = "not_applicable"
	// Errored marks an entry the evaluator could not judge (lenient policy).
	Errored Judgement = "error"
)

// Verdict is the judgement for one entry against one control.
type Verdict struct {
	EntryIndex   int       `json:"entry_index"`
	Group        string    `json:"group"`
	Entry        string    `json:"entry"`
	ControlID    string    `json:"control_id"`
	ControlTitle string    `json:"control_title"`
	Status       Judgement `json:"status"`
	Rationale    string    `json:"rationale"`
	Error        string    `json:"error,omitempty"`
}

// Policy decides what an evaluator failure does to the report.
type Policy string

const (
	// PolicyLenient records an error verdict and keeps going.
	PolicyLenient Policy = "lenient"
	// PolicyStrict fails the whole task on the first evaluator error.
	PolicyStrict Policy = "strict"
)

// Summary counts verdicts by judgement.
type Summary struct {
	Total              int `json:"total"`
	Compliant          int `json:"compliant"`
	NonCompliant       int `json:"non_compliant"`
	PartiallyCompliant int `json:"partially_compliant"`
	NotApplicable      int `json:"not_applicable"`
	Errors             int `json:"errors"`
}

// Report is the task result: verdicts in original entry order.
type Report struct {
	Policy      Policy    `json:"policy"`
	Controls    int       `json:"controls"`
	Summary     Summary   `json:"summary"`
	Verdicts    []Verdict `json:"verdicts"`
	GeneratedAt time.Time `json:"generated_at"`
}

func summarize(verdicts []Verdict) Summary {
	s := Summary{Total: len(verdicts)}
	for _, v := range verdicts {
		switch v.Status {
		case Compliant:
			s.Compliant++
		case NonCompliant:
			s.NonCompliant++
		case PartiallyCompliant:
			s.PartiallyCompliant++
		case NotApplicable:
			s.NotApplicable++
		case Errored:
			s.Errors++
		}
	}
	return s
}
