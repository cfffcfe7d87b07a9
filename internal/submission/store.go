package submission

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound         = errors.New("submission not found")
	ErrUnknownSubmitter = errors.New("unknown submitter")
	ErrUnknownProposal  = errors.New("unknown proposal code")
	ErrAlreadyFinished  = errors.New("submission already finished")
)

// Store persists submissions and their logs.
//
// AppendLog must assign entry numbers as "existing entries + 1" atomically per
// submission. FinishSubmission must only move an In Progress submission to a
// terminal status and return ErrAlreadyFinished otherwise.
type Store interface {
	CreateSubmission(ctx context.Context, s *Submission) error
	AppendLog(ctx context.Context, id uuid.UUID, msgType MessageType, message string) (LogEntry, error)
	FinishSubmission(ctx context.Context, id uuid.UUID, status Status, finishedAt time.Time) error
	GetSubmission(ctx context.Context, id uuid.UUID) (*Submission, error)
	ListLog(ctx context.Context, id uuid.UUID, afterEntry int) ([]LogEntry, error)
}
