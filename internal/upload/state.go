package upload

import "time"

// Status is the outcome of the latest submission.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Image is the selected file, held as a data URL.
type Image struct {
	Name       string    `json:"name"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	DataURL    string    `json:"data_url"`
	SelectedAt time.Time `json:"selected_at"`
}

// Result is what the read-only display shows. Text keeps the last successful
// caption (or the placeholder) even when Status is failed.
type Result struct {
	Status    Status    `json:"status"`
	Text      string    `json:"text"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// State is the per-session view state.
type State struct {
	SessionID string `json:"session_id"`
	Image     *Image `json:"image,omitempty"`
	Result    Result `json:"result"`
	ReadSeq   uint64 `json:"read_seq"`
	SubmitSeq uint64 `json:"submit_seq"`
}

// StateFactory returns a constructor for fresh session state showing placeholder.
func StateFactory(placeholder string) func(sessionID string) *State {
	return func(sessionID string) *State {
		return &State{
			SessionID: sessionID,
			Result:    Result{Status: StatusPending, Text: placeholder},
		}
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	out := *s
	if s.Image != nil {
		img := *s.Image
		out.Image = &img
	}
	return &out
}

// BeginRead issues the token for a new file read.
func (s *State) BeginRead() uint64 {
	s.ReadSeq++
	return s.ReadSeq
}

// CompleteRead stores img if token belongs to the most recent read.
func (s *State) CompleteRead(token uint64, img *Image) bool {
	if token != s.ReadSeq {
		return false
	}
	s.Image = img
	return true
}

// BeginSubmit issues the token for a new submission and returns the payload
// to send, which is empty when no image has been selected.
func (s *State) BeginSubmit() (uint64, string) {
	s.SubmitSeq++
	s.Result.Status = StatusPending
	s.Result.Reason = ""
	var payload string
	if s.Image != nil {
		payload = s.Image.DataURL
	}
	return s.SubmitSeq, payload
}

// CompleteSubmit records a caption if token belongs to the most recent submission.
func (s *State) CompleteSubmit(token uint64, caption string, at time.Time) bool {
	if token != s.SubmitSeq {
		return false
	}
	s.Result = Result{Status: StatusSucceeded, Text: caption, UpdatedAt: at}
	return true
}

// FailSubmit records a failure if token belongs to the most recent submission.
// The displayed text is left untouched.
func (s *State) FailSubmit(token uint64, reason string, at time.Time) bool {
	if token != s.SubmitSeq {
		return false
	}
	s.Result.Status = StatusFailed
	s.Result.Reason = reason
	s.Result.UpdatedAt = at
	return true
}
