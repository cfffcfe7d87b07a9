package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/proposalhub/storage/internal/submission"
)

type pgStore struct{ db *pgxpool.Pool }

func NewStore(db *pgxpool.Pool) submission.Store { return &pgStore{db: db} }

// Migrate creates the schema if it does not exist yet.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	const stmt = `
        CREATE TABLE IF NOT EXISTS pipt_users (
            pipt_user_id SERIAL PRIMARY KEY,
            username TEXT UNIQUE NOT NULL
        );
        CREATE TABLE IF NOT EXISTS proposals (
            proposal_id SERIAL PRIMARY KEY,
            proposal_code TEXT UNIQUE NOT NULL
        );
        CREATE TABLE IF NOT EXISTS submissions (
            submission_id BIGSERIAL PRIMARY KEY,
            identifier UUID UNIQUE NOT NULL,
            submitter_id INT NOT NULL REFERENCES pipt_users (pipt_user_id),
            proposal_id INT REFERENCES proposals (proposal_id),
            status TEXT NOT NULL CHECK (status IN ('In Progress', 'Successful', 'Failed')),
            started_at TIMESTAMPTZ NOT NULL,
            finished_at TIMESTAMPTZ
        );
        CREATE TABLE IF NOT EXISTS submission_log_entries (
            submission_id BIGINT NOT NULL REFERENCES submissions (submission_id),
            entry_number INT NOT NULL,
            message_type TEXT NOT NULL CHECK (message_type IN ('Info', 'Warning', 'Error')),
            message TEXT NOT NULL,
            logged_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
            PRIMARY KEY (submission_id, entry_number)
        );`
	_, err := pool.Exec(ctx, stmt)
	return err
}

// -------- submissions ------------------------------------------------------

func (p *pgStore) CreateSubmission(ctx context.Context, s *submission.Submission) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var submitterID int
	err = tx.QueryRow(ctx,
		`SELECT pipt_user_id FROM pipt_users WHERE username=$1`, s.Submitter).
		Scan(&submitterID)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", submission.ErrUnknownSubmitter, s.Submitter)
	}
	if err != nil {
		return err
	}

	var proposalID *int
	if s.ProposalCode != nil {
		var id int
		err = tx.QueryRow(ctx,
			`SELECT proposal_id FROM proposals WHERE proposal_code=$1`, *s.ProposalCode).
			Scan(&id)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", submission.ErrUnknownProposal, *s.ProposalCode)
		}
		if err != nil {
			return err
		}
		proposalID = &id
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO submissions (identifier, submitter_id, proposal_id, status, started_at)
         VALUES ($1,$2,$3,$4,$5)`,
		s.ID, submitterID, proposalID, string(s.Status), s.StartedAt); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (p *pgStore) FinishSubmission(ctx context.Context, id uuid.UUID, status submission.Status, finishedAt time.Time) error {
	tag, err := p.db.Exec(ctx,
		`UPDATE submissions SET status=$2, finished_at=$3
         WHERE identifier=$1 AND status=$4`,
		id, string(status), finishedAt, string(submission.StatusInProgress))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM submissions WHERE identifier=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return submission.ErrNotFound
	}
	return submission.ErrAlreadyFinished
}

func (p *pgStore) GetSubmission(ctx context.Context, id uuid.UUID) (*submission.Submission, error) {
	var (
		s      submission.Submission
		status string
	)
	err := p.db.QueryRow(ctx,
		`SELECT s.identifier, u.username, pr.proposal_code, s.status, s.started_at, s.finished_at
         FROM submissions s
         JOIN pipt_users u ON u.pipt_user_id = s.submitter_id
         LEFT JOIN proposals pr ON pr.proposal_id = s.proposal_id
         WHERE s.identifier=$1`, id).
		Scan(&s.ID, &s.Submitter, &s.ProposalCode, &status, &s.StartedAt, &s.FinishedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, submission.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.Status = submission.Status(status)
	return &s, nil
}

// -------- submission log ---------------------------------------------------

// AppendLog locks the submission row so that concurrent writers for the same
// submission are serialised while the next entry number is computed.
func (p *pgStore) AppendLog(ctx context.Context, id uuid.UUID, msgType submission.MessageType, message string) (submission.LogEntry, error) {
	entry := submission.LogEntry{SubmissionID: id, MessageType: msgType, Message: message}

	tx, err := p.db.Begin(ctx)
	if err != nil {
		return entry, err
	}
	defer tx.Rollback(ctx)

	var rowID int64
	err = tx.QueryRow(ctx,
		`SELECT submission_id FROM submissions WHERE identifier=$1 FOR UPDATE`, id).
		Scan(&rowID)
	if errors.Is(err, pgx.ErrNoRows) {
		return entry, submission.ErrNotFound
	}
	if err != nil {
		return entry, err
	}

	err = tx.QueryRow(ctx,
		`INSERT INTO submission_log_entries (submission_id, entry_number, message_type, message)
         VALUES ($1,
                 (SELECT COUNT(*) + 1 FROM submission_log_entries WHERE submission_id=$1),
                 $2, $3)
         RETURNING entry_number, logged_at`,
		rowID, string(msgType), message).
		Scan(&entry.EntryNumber, &entry.LoggedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return entry, fmt.Errorf("duplicate log entry number for submission %s: %w", id, err)
		}
		return entry, err
	}
	if err := tx.Commit(ctx); err != nil {
		return entry, err
	}
	return entry, nil
}

func (p *pgStore) ListLog(ctx context.Context, id uuid.UUID, afterEntry int) ([]submission.LogEntry, error) {
	var exists bool
	if err := p.db.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM submissions WHERE identifier=$1)`, id).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, submission.ErrNotFound
	}

	rows, err := p.db.Query(ctx,
		`SELECT e.entry_number, e.message_type, e.message, e.logged_at
         FROM submission_log_entries e
         JOIN submissions s ON s.submission_id = e.submission_id
         WHERE s.identifier=$1 AND e.entry_number > $2
         ORDER BY e.entry_number ASC`, id, afterEntry)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := []submission.LogEntry{}
	for rows.Next() {
		e := submission.LogEntry{SubmissionID: id}
		var msgType string
		if err := rows.Scan(&e.EntryNumber, &msgType, &e.Message, &e.LoggedAt); err != nil {
			return nil, err
		}
		e.MessageType = submission.MessageType(msgType)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
