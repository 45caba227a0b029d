package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// UpsertResult tells what UpsertNote did.
type UpsertResult int

const (
	NoteCreated UpsertResult = iota + 1
	NoteUpdated
	NoteUnchanged
)

func (r UpsertResult) String() string {
	switch r {
	case NoteCreated:
		return "created"
	case NoteUpdated:
		return "updated"
	case NoteUnchanged:
		return "unchanged"
	}
	return "unknown"
}

const noteColumns = `id, tenant, source, note_type, row_index, subject, text, user_text, tags, embedded, created_at, updated_at`

func scanNote(row interface{ Scan(...any) error }) (ContextNote, error) {
	var n ContextNote
	var tags, createdAt, updatedAt string
	var embedded int
	if err := row.Scan(&n.ID, &n.Tenant, &n.Source, &n.Type, &n.RowIndex, &n.Subject, &n.Text, &n.UserText, &tags, &embedded, &createdAt, &updatedAt); err != nil {
		return ContextNote{}, err
	}
	if err := json.Unmarshal([]byte(tags), &n.Tags); err != nil {
		return ContextNote{}, fmt.Errorf("decoding tags of note %s: %w", n.ID, err)
	}
	n.Embedded = embedded != 0
	var err error
	if n.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return ContextNote{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if n.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return ContextNote{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return n, nil
}

// UpsertNote creates the note or updates the one with the same identity.
// Updates keep the existing ID and UserText, merge tags, and clear the
// embedded flag when the content changed.
func (s *Store) UpsertNote(n ContextNote) (ContextNote, UpsertResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return ContextNote{}, 0, fmt.Errorf("beginning note transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC().Truncate(time.Second)
	existing, err := scanNote(tx.QueryRow(`SELECT `+noteColumns+` FROM context_notes
		WHERE tenant = ? AND source = ? AND note_type = ? AND row_index = ? AND subject = ?`,
		n.Tenant, n.Source, n.Type, n.RowIndex, n.Subject))

	var result UpsertResult
	switch {
	case err == sql.ErrNoRows:
		n.ID = uuid.New().String()
		n.CreatedAt, n.UpdatedAt = now, now
		n.Embedded = false
		if n.Tags == nil {
			n.Tags = []string{}
		}
		tags, _ := json.Marshal(n.Tags)
		if _, err := tx.Exec(`INSERT INTO context_notes (`+noteColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)`,
			n.ID, n.Tenant, n.Source, n.Type, n.RowIndex, n.Subject, n.Text, n.UserText, string(tags),
			now.Format(time.RFC3339), now.Format(time.RFC3339),
		); err != nil {
			return ContextNote{}, 0, fmt.Errorf("inserting note: %w", err)
		}
		result = NoteCreated
	case err != nil:
		return ContextNote{}, 0, fmt.Errorf("loading note: %w", err)
	default:
		merged := mergeTags(existing.Tags, n.Tags)
		if existing.Text == n.Text && len(merged) == len(existing.Tags) {
			return existing, NoteUnchanged, nil
		}
		textChanged := existing.Text != n.Text
		existing.Text = n.Text
		existing.Tags = merged
		existing.UpdatedAt = now
		if textChanged {
			existing.Embedded = false
		}
		tags, _ := json.Marshal(existing.Tags)
		if _, err := tx.Exec(`UPDATE context_notes SET text = ?, tags = ?, embedded = ?, updated_at = ? WHERE id = ?`,
			existing.Text, string(tags), boolInt(existing.Embedded), now.Format(time.RFC3339), existing.ID,
		); err != nil {
			return ContextNote{}, 0, fmt.Errorf("updating note: %w", err)
		}
		n = existing
		result = NoteUpdated
	}

	if err := tx.Commit(); err != nil {
		return ContextNote{}, 0, fmt.Errorf("committing note: %w", err)
	}
	return n, result, nil
}

func mergeTags(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, t := range list {
			if t == "" || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *Store) GetNote(id string) (ContextNote, error) {
	n, err := scanNote(s.db.QueryRow(`SELECT `+noteColumns+` FROM context_notes WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return ContextNote{}, ErrNotFound
	}
	return n, err
}

// ListNotes returns the notes of a source ordered by type, row index and
// subject.
// An empty source lists every note of the tenant.
func (s *Store) ListNotes(tenant, source string) ([]ContextNote, error) {
	query := `SELECT ` + noteColumns + ` FROM context_notes WHERE tenant = ?`
	args := []any{tenant}
	if source != "" {
		query += ` AND source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY source ASC, note_type ASC, row_index ASC, subject ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notes []ContextNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}

// EditNote layers a user edit on top of a note's generated text.
func (s *Store) EditNote(id, userText string) (ContextNote, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.Exec(`UPDATE context_notes SET user_text = ?, embedded = 0, updated_at = ? WHERE id = ?`, userText, now, id)
	if err != nil {
		return ContextNote{}, err
	}
	if n, err := res.RowsAffected(); err != nil {
		return ContextNote{}, err
	} else if n == 0 {
		return ContextNote{}, ErrNotFound
	}
	return s.GetNote(id)
}

// SetNoteEmbedded records whether a note has a current vector.
func (s *Store) SetNoteEmbedded(id string, embedded bool) error {
	res, err := s.db.Exec(`UPDATE context_notes SET embedded = ? WHERE id = ?`, boolInt(embedded), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteNote(id string) error {
	res, err := s.db.Exec(`DELETE FROM context_notes WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
