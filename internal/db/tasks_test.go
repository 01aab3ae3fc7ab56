package db

import (
	"errors"
	"testing"
)

func TestCreateTaskValidatesProject(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	err := db.CreateTask(&Task{Title: "orphan", Project: "missing"})
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}

	if err := db.CreateProject(&Project{Name: "web", RepoURL: "https://github.com/acme/web.git", AccessToken: "tok"}); err != nil {
		t.Fatalf("failed to create project: %v", err)
	}

	task := &Task{Title: "Fix login", Body: "Users cannot log in", Project: "web"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if task.ID == 0 {
		t.Fatal("expected task ID to be set")
	}

	got, err := db.GetTask(task.ID)
	if err != nil {
		t.Fatalf("failed to get task: %v", err)
	}
	if got.Status != StatusBacklog {
		t.Errorf("expected status %s, got %s", StatusBacklog, got.Status)
	}
	if got.Project != "web" {
		t.Errorf("expected project web, got %s", got.Project)
	}
}

func TestGetTaskMissing(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := db.GetTask(999)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if task != nil {
		t.Errorf("expected nil task, got %+v", task)
	}
}

func TestUpdateTaskStatusTimestamps(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := &Task{Title: "Refactor"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := db.UpdateTaskStatus(task.ID, StatusProcessing); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	got, _ := db.GetTask(task.ID)
	if got.StartedAt == nil {
		t.Error("expected started_at to be set when processing")
	}
	if got.CompletedAt != nil {
		t.Error("expected completed_at to be cleared when processing")
	}

	if err := db.UpdateTaskStatus(task.ID, StatusReview); err != nil {
		t.Fatalf("failed to update status: %v", err)
	}
	got, _ = db.GetTask(task.ID)
	if got.Status != StatusReview {
		t.Errorf("expected status review, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set when in review")
	}
}

func TestTaskBranch(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := &Task{Title: "Add search"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	if err := db.UpdateTaskBranch(task.ID, "task/1-add-search"); err != nil {
		t.Fatalf("failed to update branch: %v", err)
	}

	got, _ := db.GetTask(task.ID)
	if got.BranchName != "task/1-add-search" {
		t.Errorf("expected branch task/1-add-search, got %s", got.BranchName)
	}
}

func TestDeleteTaskCascades(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := &Task{Title: "Cleanup"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}
	if err := db.AppendComment(task.ID, AuthorAgent, "hello"); err != nil {
		t.Fatalf("failed to append comment: %v", err)
	}
	session := &Session{TaskID: task.ID, WebhookSecret: "s3cret"}
	if err := db.CreateSession(session); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	if err := db.DeleteTask(task.ID); err != nil {
		t.Fatalf("failed to delete task: %v", err)
	}

	comments, _ := db.ListComments(task.ID)
	if len(comments) != 0 {
		t.Errorf("expected comments to be deleted, got %d", len(comments))
	}
	got, _ := db.GetSession(session.ID)
	if got != nil {
		t.Error("expected session to be deleted with its task")
	}
}

func TestComments(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := &Task{Title: "Docs"}
	if err := db.CreateTask(task); err != nil {
		t.Fatalf("failed to create task: %v", err)
	}

	db.AppendComment(task.ID, AuthorUser, "please also update the README")
	db.AppendComment(task.ID, AuthorAgent, "done")

	comments, err := db.ListComments(task.ID)
	if err != nil {
		t.Fatalf("failed to list comments: %v", err)
	}
	if len(comments) != 2 {
		t.Fatalf("expected 2 comments, got %d", len(comments))
	}
	if comments[0].Author != AuthorUser || comments[1].Content != "done" {
		t.Errorf("expected comments oldest first, got %+v %+v", comments[0], comments[1])
	}
}

func TestSettings(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	value, err := db.GetSetting("base_url")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "" {
		t.Errorf("expected empty setting, got %q", value)
	}

	db.SetSetting("base_url", "https://a.example.com")
	db.SetSetting("base_url", "https://b.example.com")

	value, _ = db.GetSetting("base_url")
	if value != "https://b.example.com" {
		t.Errorf("expected overwritten setting, got %q", value)
	}
}
