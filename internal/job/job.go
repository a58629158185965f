// Package job defines the inbound unit of work handed to the forwarder.
package job

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/google/uuid"
)

// Job is one inbound message with its SMTP envelope.
type Job struct {
	ID   string     `json:"id,omitempty"`
	From string     `json:"from"`
	To   Recipients `json:"to"`
	Data []byte     `json:"-"`
}

// New creates a job with a fresh id.
func New(from string, to []string, data []byte) *Job {
	return &Job{ID: uuid.NewString(), From: from, To: to, Data: data}
}

type wireJob struct {
	ID   string     `json:"id,omitempty"`
	From string     `json:"from"`
	To   Recipients `json:"to"`
	Data string     `json:"data"`
}

// MarshalJSON encodes Data as a plain string so the raw message stays readable.
func (j Job) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireJob{ID: j.ID, From: j.From, To: j.To, Data: string(j.Data)})
}

// UnmarshalJSON decodes the job wire format. A missing id is filled in.
func (j *Job) UnmarshalJSON(b []byte) error {
	var w wireJob
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	j.ID = w.ID
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	j.From = w.From
	j.To = w.To
	j.Data = []byte(w.Data)
	return nil
}

// Load reads a job JSON document from path.
func Load(path string) (*Job, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading job file: %w", err)
	}
	return Decode(b)
}

// Decode parses a job JSON document.
func Decode(b []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	if len(j.To) == 0 {
		return nil, fmt.Errorf("decoding job: no recipients")
	}
	return &j, nil
}

// Recipients is the envelope recipient list. On the wire it is either a
// single string or a list of strings.
type Recipients []string

// UnmarshalJSON accepts "a@x" or ["a@x", "b@x"].
func (r *Recipients) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		if one == "" {
			*r = nil
		} else {
			*r = Recipients{one}
		}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("recipients must be a string or a list of strings: %w", err)
	}
	*r = many
	return nil
}

// Unique returns the recipients with byte-identical duplicates removed,
// keeping first-seen order.
func (r Recipients) Unique() []string {
	seen := make(map[string]struct{}, len(r))
	out := make([]string, 0, len(r))
	for _, addr := range r {
		if _, ok := seen[addr]; ok {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}
