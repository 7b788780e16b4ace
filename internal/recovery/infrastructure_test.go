package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/StoryPipe/internal/models"
	"github.com/BTreeMap/StoryPipe/internal/store"
)

type fakeJobScheduler struct {
	exprs []string
	tasks []func()
	err   error
}

func (f *fakeJobScheduler) AddJob(expr string, task func()) error {
	if f.err != nil {
		return f.err
	}
	f.exprs = append(f.exprs, expr)
	f.tasks = append(f.tasks, task)
	return nil
}

func TestScheduleStaleDownloadSweep(t *testing.T) {
	st := store.NewInMemoryStore()
	seedDownloading(t, st, "t2", 1)
	sweeper := NewStaleDownloads(st, time.Minute)
	sweeper.clock = func() time.Time { return time.Now().Add(time.Hour) }

	js := &fakeJobScheduler{}
	if err := ScheduleStaleDownloadSweep(context.Background(), js, sweeper, ""); err != nil {
		t.Fatalf("ScheduleStaleDownloadSweep failed: %v", err)
	}
	if len(js.exprs) != 1 || js.exprs[0] != DefaultSweepSchedule {
		t.Fatalf("expected default schedule, got %v", js.exprs)
	}

	js.tasks[0]()
	note, _ := st.GetVoiceNote(context.Background(), "t2", 1)
	if note == nil || note.DownloadStatus != models.DownloadStatusFailed {
		t.Errorf("expected the scheduled sweep to fail the stale download, got %+v", note)
	}
}

func TestScheduleStaleDownloadSweepError(t *testing.T) {
	js := &fakeJobScheduler{err: errors.New("bad expr")}
	err := ScheduleStaleDownloadSweep(context.Background(), js, NewStaleDownloads(store.NewInMemoryStore(), time.Minute), "nope")
	if err == nil {
		t.Error("expected error from AddJob")
	}
}
