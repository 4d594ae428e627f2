package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskKind is one processing operation applied to a photo.
type TaskKind string

// The closed set of task kinds. Adding one means extending every switch over TaskKind.
const (
	TaskResize    TaskKind = "RESIZE"
	TaskWatermark TaskKind = "WATERMARK"
	TaskThumbnail TaskKind = "THUMBNAIL"
)

// DefaultTasks is used when an upload does not name any tasks.
var DefaultTasks = []TaskKind{TaskResize, TaskThumbnail}

// ErrUnknownTaskKind is returned for task names outside the closed set.
var ErrUnknownTaskKind = errors.New("unknown task kind")

// Valid reports whether k belongs to the closed set.
func (k TaskKind) Valid() bool {
	switch k {
	case TaskResize, TaskWatermark, TaskThumbnail:
		return true
	}
	return false
}

// ParseTaskKind matches task names exactly, ignoring surrounding whitespace.
func ParseTaskKind(s string) (TaskKind, error) {
	k := TaskKind(strings.TrimSpace(s))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownTaskKind, s)
	}
	return k, nil
}

// ParseTasks parses a comma separated task list, keeping order and duplicates.
// A blank list yields DefaultTasks.
func ParseTasks(csv string) ([]TaskKind, error) {
	if strings.TrimSpace(csv) == "" {
		return slices.Clone(DefaultTasks), nil
	}
	parts := strings.Split(csv, ",")
	out := make([]TaskKind, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		k, err := ParseTaskKind(p)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	if len(out) == 0 {
		return slices.Clone(DefaultTasks), nil
	}
	return out, nil
}

// Job is one accepted unit of asynchronous photo processing. It is immutable;
// accessors hand out copies.
type Job struct {
	id           string
	photoID      string
	originalPath string
	tasks        []TaskKind
	createdAt    time.Time
}

// NewJob creates a job with a fresh id and creation time.
func NewJob(photoID, originalPath string, tasks []TaskKind) Job {
	return RestoreJob(uuid.NewString(), photoID, originalPath, tasks, time.Now().UTC())
}

// RestoreJob rebuilds a job from stored or transmitted fields.
func RestoreJob(id, photoID, originalPath string, tasks []TaskKind, createdAt time.Time) Job {
	return Job{
		id:           id,
		photoID:      photoID,
		originalPath: originalPath,
		tasks:        slices.Clone(tasks),
		createdAt:    createdAt,
	}
}

func (j Job) ID() string           { return j.id }
func (j Job) PhotoID() string      { return j.photoID }
func (j Job) OriginalPath() string { return j.originalPath }
func (j Job) CreatedAt() time.Time { return j.createdAt }

// Tasks returns the ordered task list.
func (j Job) Tasks() []TaskKind { return slices.Clone(j.tasks) }

// Equal compares all fields, including task order.
func (j Job) Equal(o Job) bool {
	return j.id == o.id &&
		j.photoID == o.photoID &&
		j.originalPath == o.originalPath &&
		slices.Equal(j.tasks, o.tasks) &&
		j.createdAt.Equal(o.createdAt)
}

// jobMessage is the wire representation shared by publisher and subscriber.
type jobMessage struct {
	JobID        string     `json:"jobId"`
	PhotoID      string     `json:"photoId"`
	OriginalPath string     `json:"originalPath"`
	Tasks        []TaskKind `json:"tasks"`
	CreatedAt    time.Time  `json:"createdAt"`
}

func (j Job) MarshalJSON() ([]byte, error) {
	tasks := j.tasks
	if tasks == nil {
		tasks = []TaskKind{}
	}
	return json.Marshal(jobMessage{
		JobID:        j.id,
		PhotoID:      j.photoID,
		OriginalPath: j.originalPath,
		Tasks:        tasks,
		CreatedAt:    j.createdAt,
	})
}

// UnmarshalJSON decodes the wire format. Unknown fields are ignored and task
// names are not validated here; the dispatcher rejects unknown kinds.
func (j *Job) UnmarshalJSON(data []byte) error {
	var msg jobMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return err
	}
	*j = RestoreJob(msg.JobID, msg.PhotoID, msg.OriginalPath, msg.Tasks, msg.CreatedAt)
	return nil
}

// TaskNames renders tasks as plain strings, e.g. for storage.
func TaskNames(tasks []TaskKind) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = string(t)
	}
	return out
}
