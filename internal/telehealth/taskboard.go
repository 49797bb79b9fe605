package telehealth

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/carebridge/telesync/internal/docstore"
	"github.com/carebridge/telesync/internal/livesync"
	"github.com/carebridge/telesync/internal/shared/auth"
	apperrors "github.com/carebridge/telesync/internal/shared/errors"
)

// TaskBoard is a CHW's live task list. Writes go through the dispatcher
// and show up once the store reflects them; failures surface on the
// error channel.
type TaskBoard struct {
	disp *livesync.Dispatcher
	memo livesync.Memo[*livesync.QueryRef]
	sub  *livesync.QuerySubscription
	now  func() time.Time

	mu  sync.Mutex
	uid string
}

// TaskBoardState is what the board renders
type TaskBoardState struct {
	TaskBuckets
	Loading bool
	Err     error
	// Invalid reports documents that could not be decoded as tasks
	Invalid error
}

// NewTaskBoard creates an unbound board
func NewTaskBoard(reg *livesync.Registry, disp *livesync.Dispatcher) *TaskBoard {
	return &TaskBoard{disp: disp, sub: reg.Query(), now: time.Now}
}

// Bind shows the tasks of user. A nil user unbinds the board. Binding the
// same user again keeps the current subscription.
func (b *TaskBoard) Bind(user *auth.User) error {
	uid := ""
	if user != nil {
		uid = user.ID
	}
	ref, err := b.memo.Get(func() (*livesync.QueryRef, error) {
		if uid == "" {
			return nil, nil
		}
		return livesync.NewQueryRef(TasksQuery(uid))
	}, uid)
	if err != nil {
		return err
	}

	b.mu.Lock()
	b.uid = uid
	b.mu.Unlock()
	b.sub.Bind(ref)
	return nil
}

// State decodes and partitions the latest snapshot
func (b *TaskBoard) State() TaskBoardState {
	st := b.sub.State()
	out := TaskBoardState{Loading: st.Loading, Err: st.Err}
	if st.Data == nil {
		return out
	}
	tasks, err := DecodeAll[Task](st.Data)
	out.TaskBuckets = PartitionTasks(tasks, b.now())
	out.Invalid = err
	return out
}

// Changes signals when State may have changed
func (b *TaskBoard) Changes() <-chan struct{} {
	return b.sub.Changes()
}

// NewTask is the input of Add
type NewTask struct {
	Title       string
	Description string
	PatientID   string
	Priority    string
	DueDate     *time.Time
}

// Add dispatches a new pending task. Only input errors are returned.
func (b *TaskBoard) Add(t NewTask) error {
	uid, err := b.owner()
	if err != nil {
		return err
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if utf8.RuneCountInString(t.Title) < 3 {
		return apperrors.Validation("invalid task", map[string]string{"title": "must be at least 3 characters"})
	}
	if !oneOf(t.Priority, PriorityLow, PriorityMedium, PriorityHigh) {
		return apperrors.Validation("invalid task", map[string]string{"priority": "must be Low, Medium or High"})
	}

	data := docstore.Record{
		"title":     t.Title,
		"priority":  t.Priority,
		"status":    TaskPending,
		"createdAt": docstore.ServerTimestamp,
	}
	if t.Description != "" {
		data["description"] = t.Description
	}
	if t.PatientID != "" {
		data["patientId"] = t.PatientID
	}
	if t.DueDate != nil {
		data["dueDate"] = docstore.FormatTime(*t.DueDate)
	}
	b.disp.Create(TasksPath(uid), data)
	return nil
}

// SetDone marks a task completed or back to pending
func (b *TaskBoard) SetDone(taskID string, done bool) error {
	uid, err := b.owner()
	if err != nil {
		return err
	}
	status := TaskPending
	if done {
		status = TaskCompleted
	}
	b.disp.Update(TaskPath(uid, taskID), docstore.Record{"status": status})
	return nil
}

// Close releases the subscription
func (b *TaskBoard) Close() {
	b.sub.Close()
}

func (b *TaskBoard) owner() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uid == "" {
		return "", apperrors.FailedPrecondition("task board is not bound to a user")
	}
	return b.uid, nil
}
