// Telearc - Telegram archive ingestion and album relay
// Copyright 2026 The Telearc Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/telearc/telearc

package journal

import (
	"testing"

	"github.com/telearc/telearc/internal/task"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := j.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return j
}

func TestAppendAndScan(t *testing.T) {
	j := openTestJournal(t)

	for i := 0; i < 3; i++ {
		tk := &task.Task{ID: uint64(i + 1), Type: task.TypeDownload, URL: "https://x"}
		if _, err := j.Append(task.StageDownload, tk); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	recs, err := j.Tasks(task.StageDownload)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i := 1; i < len(recs); i++ {
		if recs[i].Seq <= recs[i-1].Seq {
			t.Errorf("records out of order: seq %d after %d", recs[i].Seq, recs[i-1].Seq)
		}
	}
	if recs[0].Task.ID != 1 || recs[2].Task.ID != 3 {
		t.Errorf("FIFO order broken: ids %d..%d", recs[0].Task.ID, recs[2].Task.ID)
	}

	if n, _ := j.Count(task.StageProcess); n != 0 {
		t.Errorf("Count(process) = %d, want 0", n)
	}
}

func TestCompleteSwapsAtomically(t *testing.T) {
	j := openTestJournal(t)

	tk := &task.Task{ID: 1, Type: task.TypeDownload, URL: "https://x"}
	seq, err := j.Append(task.StageDownload, tk)
	if err != nil {
		t.Fatal(err)
	}

	followups := []Followup{
		{Stage: task.StageProcess, Task: &task.Task{ID: 2, Type: task.TypeExtract, Path: "/a.zip"}},
		{Stage: task.StageUpload, Task: &task.Task{ID: 3, Type: task.TypeDirectUpload, Path: "/b.jpg"}},
	}
	appended, err := j.Complete(task.StageDownload, seq, followups)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if len(appended) != 2 {
		t.Fatalf("Complete() appended %d, want 2", len(appended))
	}

	if n, _ := j.Count(task.StageDownload); n != 0 {
		t.Errorf("predecessor still journaled after Complete")
	}
	proc, _ := j.Tasks(task.StageProcess)
	if len(proc) != 1 || proc[0].Task.ID != 2 {
		t.Errorf("process stage = %+v, want the extract followup", proc)
	}
	up, _ := j.Tasks(task.StageUpload)
	if len(up) != 1 || up[0].Task.ID != 3 {
		t.Errorf("upload stage = %+v, want the direct upload followup", up)
	}
}

func TestUpdateKeepsPosition(t *testing.T) {
	j := openTestJournal(t)

	first := &task.Task{ID: 1, Type: task.TypeDownload, URL: "https://first"}
	seq1, _ := j.Append(task.StageDownload, first)
	second := &task.Task{ID: 2, Type: task.TypeDownload, URL: "https://second"}
	if _, err := j.Append(task.StageDownload, second); err != nil {
		t.Fatal(err)
	}

	first.RetryCount = 2
	if err := j.Update(task.StageDownload, seq1, first); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	recs, _ := j.Tasks(task.StageDownload)
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	if recs[0].Task.ID != 1 || recs[0].Task.RetryCount != 2 {
		t.Errorf("updated record = %+v, want id 1 retry_count 2 at original position", recs[0].Task)
	}
}

func TestUpdateMissingRecord(t *testing.T) {
	j := openTestJournal(t)
	err := j.Update(task.StageDownload, 999, &task.Task{ID: 1, Type: task.TypeDownload})
	if err != ErrNotFound {
		t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatal(err)
	}
	seqBefore, err := j.Append(task.StageDownload, &task.Task{ID: 1, Type: task.TypeDownload})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	j2, err := Open(Config{Path: dir})
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer j2.Close()

	seqAfter, err := j2.Append(task.StageDownload, &task.Task{ID: 2, Type: task.TypeDownload})
	if err != nil {
		t.Fatal(err)
	}
	if seqAfter <= seqBefore {
		t.Errorf("sequence reused after reopen: %d then %d", seqBefore, seqAfter)
	}

	recs, _ := j2.Tasks(task.StageDownload)
	if len(recs) != 2 {
		t.Errorf("got %d records after reopen, want 2", len(recs))
	}
}

func TestUnknownTypeSkippedOnScan(t *testing.T) {
	j := openTestJournal(t)

	// Simulate a record written by a newer binary.
	if _, err := j.Append(task.StageProcess, &task.Task{ID: 1, Type: "future_thing"}); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(task.StageProcess, &task.Task{ID: 2, Type: task.TypeExtract, Path: "/a.zip"}); err != nil {
		t.Fatal(err)
	}

	recs, err := j.Tasks(task.StageProcess)
	if err != nil {
		t.Fatalf("Tasks() error = %v", err)
	}
	if len(recs) != 1 || recs[0].Task.ID != 2 {
		t.Errorf("scan = %+v, want only the known record", recs)
	}
	// The unknown record stays on disk for a newer binary.
	if n, _ := j.Count(task.StageProcess); n != 2 {
		t.Errorf("Count() = %d, want 2 including the unknown record", n)
	}
}

func TestClosedJournalRefusesWork(t *testing.T) {
	j, err := Open(Config{Path: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := j.Append(task.StageDownload, &task.Task{ID: 1, Type: task.TypeDownload}); err != ErrClosed {
		t.Errorf("Append() after Close = %v, want ErrClosed", err)
	}
	if _, err := j.Tasks(task.StageDownload); err != ErrClosed {
		t.Errorf("Tasks() after Close = %v, want ErrClosed", err)
	}
	// Double close is a no-op.
	if err := j.Close(); err != nil {
		t.Errorf("second Close() = %v, want nil", err)
	}
}

func TestStatsCounters(t *testing.T) {
	j := openTestJournal(t)
	seq, _ := j.Append(task.StageDownload, &task.Task{ID: 1, Type: task.TypeDownload})
	_, _ = j.Complete(task.StageDownload, seq, []Followup{
		{Stage: task.StageProcess, Task: &task.Task{ID: 2, Type: task.TypeExtract}},
	})
	st := j.Stats()
	if st.TotalAppends != 2 {
		t.Errorf("TotalAppends = %d, want 2", st.TotalAppends)
	}
	if st.TotalRemoves != 1 {
		t.Errorf("TotalRemoves = %d, want 1", st.TotalRemoves)
	}
}
