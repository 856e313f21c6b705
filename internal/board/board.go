// Package board provides the task board data model and the authoritative
// in-memory store.
//
// A Board is an ordered list of Columns, each holding an ordered list of
// Tasks. Task order within a column is the user-visible position. A task
// lives in exactly one column at a time; its presence in a column's task
// slice is the only authority on where it is.
package board

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Priority levels a task can carry.
const (
	PriorityLow    = "low"
	PriorityMedium = "medium"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

// Task types.
const (
	TypeStory = "story"
	TypeBug   = "bug"
	TypeTask  = "task"
	TypeEpic  = "epic"
)

// The fixed column set. Dynamic columns are out of scope.
const (
	ColumnTodo       = "todo"
	ColumnInProgress = "inprogress"
	ColumnReview     = "review"
	ColumnDone       = "done"
)

// Assignee identifies who a task is assigned to. Display fields only.
type Assignee struct {
	Name     string `json:"name" yaml:"name"`
	Avatar   string `json:"avatar" yaml:"avatar"`
	Initials string `json:"initials" yaml:"initials"`
}

// Task is a single card on the board.
//
// LastModified and ModifiedBy are stamped by the store on every successful
// mutation, using the mutating request's timestamp and user name. IsLoading
// is client-side optimistic state; the server carries it through untouched.
type Task struct {
	ID          string   `json:"id" yaml:"id"`
	Title       string   `json:"title" yaml:"title"`
	Description string   `json:"description" yaml:"description"`
	Assignee    Assignee `json:"assignee" yaml:"assignee"`
	Priority    string   `json:"priority" yaml:"priority"`
	Type        string   `json:"type" yaml:"type"`
	Comments    int      `json:"comments" yaml:"comments"`
	Attachments int      `json:"attachments" yaml:"attachments"`
	DueDate     string   `json:"dueDate,omitempty" yaml:"dueDate,omitempty"`

	IsLoading    bool   `json:"isLoading,omitempty" yaml:"-"`
	LastModified string `json:"lastModified,omitempty" yaml:"-"`
	ModifiedBy   string `json:"modifiedBy,omitempty" yaml:"-"`
}

// Validate checks the task's field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	switch t.Priority {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
	default:
		return fmt.Errorf("invalid priority %q", t.Priority)
	}
	switch t.Type {
	case TypeStory, TypeBug, TypeTask, TypeEpic:
	default:
		return fmt.Errorf("invalid type %q", t.Type)
	}
	return nil
}

// SetDefaults applies default values for optional fields.
func (t *Task) SetDefaults() {
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if t.Type == "" {
		t.Type = TypeTask
	}
}

// Column is an ordered sequence of tasks under a fixed id.
// Color is a presentation tag carried through the wire; the engine never
// interprets it.
type Column struct {
	ID    string `json:"id" yaml:"id"`
	Title string `json:"title" yaml:"title"`
	Color string `json:"color" yaml:"color"`
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// Board is the ordered set of columns. The server holds exactly one.
type Board []Column

// Clone returns a deep copy of the board. Mutating the copy never affects
// the original.
func (b Board) Clone() Board {
	out := make(Board, len(b))
	for i, col := range b {
		out[i] = col
		out[i].Tasks = make([]Task, len(col.Tasks))
		copy(out[i].Tasks, col.Tasks)
	}
	return out
}

// FindColumn returns a pointer to the column with the given id, or nil.
func (b Board) FindColumn(id string) *Column {
	for i := range b {
		if b[i].ID == id {
			return &b[i]
		}
	}
	return nil
}

// FindTask locates a task by id, searching columns in board order and
// returning the first match. Returns the owning column, the task's index
// within it, and whether it was found.
func (b Board) FindTask(id string) (*Column, int, bool) {
	for i := range b {
		for j := range b[i].Tasks {
			if b[i].Tasks[j].ID == id {
				return &b[i], j, true
			}
		}
	}
	return nil, 0, false
}

// TaskCount returns the total number of tasks across all columns.
func (b Board) TaskCount() int {
	n := 0
	for i := range b {
		n += len(b[i].Tasks)
	}
	return n
}

// Move removes the task from its position in the source column and inserts
// it into the destination column at toIndex. Source and destination may be
// the same column (a pure reorder). An out-of-range toIndex clamps to an
// append. Returns a pointer to the task at its new location.
//
// On any error the board is unchanged.
func (b Board) Move(taskID, fromColumnID, toColumnID string, toIndex int) (*Task, error) {
	src := b.FindColumn(fromColumnID)
	dst := b.FindColumn(toColumnID)
	if src == nil || dst == nil {
		return nil, ErrColumnNotFound
	}

	idx := -1
	for i := range src.Tasks {
		if src.Tasks[i].ID == taskID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, ErrTaskNotFound
	}

	task := src.removeAt(idx)
	if toIndex < 0 {
		toIndex = 0
	}
	if toIndex > len(dst.Tasks) {
		toIndex = len(dst.Tasks)
	}
	dst.insertAt(toIndex, task)
	return &dst.Tasks[toIndex], nil
}

// Insert places the task at the head of the named column and returns a
// pointer to it.
func (b Board) Insert(columnID string, task Task) (*Task, error) {
	col := b.FindColumn(columnID)
	if col == nil {
		return nil, ErrColumnNotFound
	}
	col.insertAt(0, task)
	return &col.Tasks[0], nil
}

// Update replaces the task in place, wherever it currently resides. Column
// membership never changes on update.
func (b Board) Update(task Task) (*Task, error) {
	col, idx, ok := b.FindTask(task.ID)
	if !ok {
		return nil, ErrTaskNotFound
	}
	col.Tasks[idx] = task
	return &col.Tasks[idx], nil
}

// Remove locates the task across all columns (first match) and removes it.
func (b Board) Remove(taskID string) (Task, error) {
	col, idx, ok := b.FindTask(taskID)
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return col.removeAt(idx), nil
}

// insertAt inserts a task into the column at the given index. An index past
// the end of the slice degenerates to an append; a negative index inserts
// at the head.
func (c *Column) insertAt(index int, task Task) {
	if index < 0 {
		index = 0
	}
	if index > len(c.Tasks) {
		index = len(c.Tasks)
	}
	c.Tasks = append(c.Tasks, Task{})
	copy(c.Tasks[index+1:], c.Tasks[index:])
	c.Tasks[index] = task
}

// removeAt removes and returns the task at the given index.
func (c *Column) removeAt(index int) Task {
	task := c.Tasks[index]
	c.Tasks = append(c.Tasks[:index], c.Tasks[index+1:]...)
	return task
}

// Seed returns the default board: the four fixed columns with one example
// task waiting in todo.
func Seed() Board {
	return Board{
		{
			ID:    ColumnTodo,
			Title: "To Do",
			Color: "bg-gray-100",
			Tasks: []Task{
				{
					ID:          "task-1",
					Title:       "Implement user authentication",
					Description: "Build login and registration with validation",
					Assignee: Assignee{
						Name:     "Joao Silva",
						Avatar:   "/placeholder.svg?height=32&width=32",
						Initials: "JS",
					},
					Priority:    PriorityHigh,
					Type:        TypeStory,
					Comments:    3,
					Attachments: 2,
					DueDate:     "2024-01-15",
				},
			},
		},
		{ID: ColumnInProgress, Title: "In Progress", Color: "bg-blue-50", Tasks: []Task{}},
		{ID: ColumnReview, Title: "Code Review", Color: "bg-yellow-50", Tasks: []Task{}},
		{ID: ColumnDone, Title: "Done", Color: "bg-green-50", Tasks: []Task{}},
	}
}

// LoadSeedFile reads a board seed from a YAML file. Columns default to empty
// task lists; tasks are validated after defaults are applied.
func LoadSeedFile(path string) (Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file %s: %w", path, err)
	}

	var b Board
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse seed file %s: %w", path, err)
	}
	if len(b) == 0 {
		return nil, fmt.Errorf("seed file %s contains no columns", path)
	}

	seen := make(map[string]bool)
	for i := range b {
		if b[i].ID == "" {
			return nil, fmt.Errorf("seed file %s: column %d has no id", path, i)
		}
		if b[i].Tasks == nil {
			b[i].Tasks = []Task{}
		}
		for j := range b[i].Tasks {
			t := &b[i].Tasks[j]
			t.SetDefaults()
			if err := t.Validate(); err != nil {
				return nil, fmt.Errorf("seed file %s: column %s: %w", path, b[i].ID, err)
			}
			if seen[t.ID] {
				return nil, fmt.Errorf("seed file %s: duplicate task id %s", path, t.ID)
			}
			seen[t.ID] = true
		}
	}

	return b, nil
}
