package resources

import "fmt"

// Problem is a struct representing a problem document from the server.
//
// See https://www.rfc-editor.org/rfc/rfc7807.html#section-3.1 and
// https://tools.ietf.org/html/rfc8555#section-6.7
type Problem struct {
	Type        string       `json:"type,omitempty"`
	Detail      string       `json:"detail,omitempty"`
	Status      int          `json:"status,omitempty"`
	SubProblems []SubProblem `json:"subproblems,omitempty"`
}

// SubProblem is a per-identifier problem within a Problem document.
//
// See https://tools.ietf.org/html/rfc8555#section-6.7.1
type SubProblem struct {
	Type       string     `json:"type,omitempty"`
	Detail     string     `json:"detail,omitempty"`
	Identifier Identifier `json:"identifier,omitempty"`
}

func (p *Problem) Error() string {
	msg := fmt.Sprintf("acme: %s :: %s", p.Type, p.Detail)
	for _, sub := range p.SubProblems {
		msg += fmt.Sprintf(", problem: %q :: %s", sub.Type, sub.Detail)
	}
	return msg
}
