package submission

import (
	"time"

	"github.com/google/uuid"
)

// Status is the persisted state of a submission.
type Status string

const (
	StatusInProgress Status = "In Progress"
	StatusSuccessful Status = "Successful"
	StatusFailed     Status = "Failed"
)

// Terminal reports whether s is a final status.
func (s Status) Terminal() bool {
	return s == StatusSuccessful || s == StatusFailed
}

// MessageType classifies a submission log entry.
type MessageType string

const (
	MessageInfo    MessageType = "Info"
	MessageWarning MessageType = "Warning"
	MessageError   MessageType = "Error"
)

// Submission is one proposal upload tracked from receipt to outcome.
type Submission struct {
	ID           uuid.UUID  `json:"submission_id"`
	Submitter    string     `json:"submitter"`
	ProposalCode *string    `json:"proposal_code,omitempty"`
	Status       Status     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// LogEntry is one message of a submission log. EntryNumber starts at 1 and
// has no gaps within a submission.
type LogEntry struct {
	SubmissionID uuid.UUID   `json:"-"`
	EntryNumber  int         `json:"entry_number"`
	MessageType  MessageType `json:"message_type"`
	Message      string      `json:"message"`
	LoggedAt     time.Time   `json:"logged_at"`
}

// Messages written by the background unit.
const (
	MsgStarted       = "Submission started."
	MsgInserting     = "Inserting proposal into the database"
	MsgSuccessful    = "Submission successful."
	MsgFailed        = "Submission failed."
	MsgStagingFailed = "The submitted content could not be saved."
	MsgQueueFull     = "The submission queue is full."
	MsgShuttingDown  = "The submission service is shutting down."
)
