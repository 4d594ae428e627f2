package models

import (
	"encoding/json"
	"errors"
	"slices"
	"testing"
	"time"
)

func TestParseTasks(t *testing.T) {
	cases := []struct {
		in   string
		want []TaskKind
	}{
		{"", []TaskKind{TaskResize, TaskThumbnail}},
		{"RESIZE,THUMBNAIL", []TaskKind{TaskResize, TaskThumbnail}},
		{"WATERMARK, RESIZE", []TaskKind{TaskWatermark, TaskResize}},
		{"RESIZE,RESIZE", []TaskKind{TaskResize, TaskResize}},
		{" , ", []TaskKind{TaskResize, TaskThumbnail}},
	}
	for _, c := range cases {
		got, err := ParseTasks(c.in)
		if err != nil {
			t.Fatalf("parse %q: %v", c.in, err)
		}
		if !slices.Equal(got, c.want) {
			t.Fatalf("parse %q: got %v want %v", c.in, got, c.want)
		}
	}
}

func TestParseTasksRejectsUnknown(t *testing.T) {
	_, err := ParseTasks("RESIZE,SHARPEN")
	if !errors.Is(err, ErrUnknownTaskKind) {
		t.Fatalf("expected ErrUnknownTaskKind, got %v", err)
	}
}

func TestParseTasksIsCaseSensitive(t *testing.T) {
	for _, in := range []string{"resize", "RESIZE, watermark", "Thumbnail"} {
		if _, err := ParseTasks(in); !errors.Is(err, ErrUnknownTaskKind) {
			t.Fatalf("parse %q: expected ErrUnknownTaskKind, got %v", in, err)
		}
	}
}

func TestJobRoundTrip(t *testing.T) {
	job := NewJob("photo-1", "uploads/photo-1.jpg", []TaskKind{TaskResize, TaskWatermark, TaskThumbnail})

	raw, err := json.Marshal(job)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded Job
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded.Equal(job) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", decoded, job)
	}
}

func TestJobUnmarshalIgnoresUnknownFields(t *testing.T) {
	raw := `{"jobId":"j","photoId":"p","originalPath":"/x.png","tasks":["THUMBNAIL","BLUR"],"createdAt":"2024-05-01T10:00:00Z","priority":"high"}`
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if job.ID() != "j" || job.PhotoID() != "p" || job.OriginalPath() != "/x.png" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if !slices.Equal(job.Tasks(), []TaskKind{TaskThumbnail, "BLUR"}) {
		t.Fatalf("unexpected tasks: %v", job.Tasks())
	}
	if !job.CreatedAt().Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected createdAt: %s", job.CreatedAt())
	}
}

func TestJobIsImmutable(t *testing.T) {
	tasks := []TaskKind{TaskResize}
	job := NewJob("p", "/a.jpg", tasks)
	tasks[0] = TaskWatermark
	got := job.Tasks()
	got[0] = TaskThumbnail
	if job.Tasks()[0] != TaskResize {
		t.Fatalf("job tasks were mutated: %v", job.Tasks())
	}
}

func TestNewJobIDsAreUnique(t *testing.T) {
	a := NewJob("p", "/a.jpg", nil)
	b := NewJob("p", "/a.jpg", nil)
	if a.ID() == b.ID() || a.ID() == "" {
		t.Fatalf("expected distinct ids, got %q and %q", a.ID(), b.ID())
	}
}
