package db

import (
	"fmt"
	"time"
)

// Comment authors
const (
	AuthorAgent  = "agent"
	AuthorSystem = "system"
	AuthorUser   = "user"
)

// Comment is a free-text note on a task, shown to humans and fed back into prompts.
type Comment struct {
	ID        int64
	TaskID    int64
	Author    string
	Content   string
	CreatedAt time.Time
}

// AppendComment appends a comment to a task.
func (db *DB) AppendComment(taskID int64, author, content string) error {
	_, err := db.Exec(`
		INSERT INTO task_comments (task_id, author, content)
		VALUES (?, ?, ?)
	`, taskID, author, content)
	if err != nil {
		return fmt.Errorf("insert task comment: %w", err)
	}
	return nil
}

// ListComments returns a task's comments, oldest first.
func (db *DB) ListComments(taskID int64) ([]*Comment, error) {
	rows, err := db.Query(`
		SELECT id, task_id, author, content, created_at
		FROM task_comments
		WHERE task_id = ?
		ORDER BY id ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("query task comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		c := &Comment{}
		if err := rows.Scan(&c.ID, &c.TaskID, &c.Author, &c.Content, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}
