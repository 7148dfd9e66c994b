package repo

import (
	"context"
	"database/sql"

	"marketline/internal/domain"
)

// InsertMessage appends a message and returns its sequence number.
func (r Repo) InsertMessage(ctx context.Context, tx *sql.Tx, m domain.Message) (int64, error) {
	res, err := r.q(tx).ExecContext(ctx, `INSERT INTO messages(id,task_id,sender_id,text,image_ref,created_at) VALUES (?,?,?,?,?,?)`,
		m.ID, m.TaskID, m.SenderID, nullableStringPtr(m.Text), nullableStringPtr(m.ImageRef), nanos(m.CreatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// ListMessages returns the messages of a task in seq order, sliced to
// [start, end). A nil end means through the last message.
func (r Repo) ListMessages(ctx context.Context, taskID string, start int, end *int) ([]domain.Message, error) {
	res := []domain.Message{}
	if start < 0 || (end != nil && *end < start) {
		return res, nil
	}
	limit := -1
	if end != nil {
		limit = *end - start
		if limit == 0 {
			return res, nil
		}
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT seq,id,task_id,sender_id,text,image_ref,created_at FROM messages WHERE task_id=? ORDER BY seq LIMIT ? OFFSET ?`,
		taskID, limit, start)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			m         domain.Message
			text, ref sql.NullString
			createdAt int64
		)
		if err := rows.Scan(&m.Seq, &m.ID, &m.TaskID, &m.SenderID, &text, &ref, &createdAt); err != nil {
			return nil, err
		}
		m.Text = stringPtr(text)
		m.ImageRef = stringPtr(ref)
		m.CreatedAt = timeFrom(createdAt)
		res = append(res, m)
	}
	return res, rows.Err()
}

// HasImage reports whether ref is attached to a message of taskID.
func (r Repo) HasImage(ctx context.Context, taskID, ref string) (bool, error) {
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE task_id=? AND image_ref=?`, taskID, ref).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
