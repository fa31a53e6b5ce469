package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jsarlin/musync/internal/encode"
	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/plan"
	"github.com/jsarlin/musync/internal/scan"
	"github.com/jsarlin/musync/internal/state"
)

// fakeEncoder writes "mp3:" + source bytes to dst. It tracks call and
// concurrency counts and can fail or block on demand.
type fakeEncoder struct {
	mu      sync.Mutex
	calls   int
	current int
	max     int

	delay  time.Duration
	failOn map[string]bool // source base names that fail
	block  bool            // wait for ctx cancellation instead of encoding
}

func (f *fakeEncoder) Encode(ctx context.Context, src, dst string, p encode.Preset) error {
	f.mu.Lock()
	f.calls++
	f.current++
	if f.current > f.max {
		f.max = f.current
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.current--
		f.mu.Unlock()
	}()

	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.failOn[filepath.Base(src)] {
		return fmt.Errorf("%w: synthetic failure", encode.ErrEncodeFailed)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, append([]byte("mp3:"), data...), 0644)
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// explodingEncoder fails the test if a run ever invokes it.
type explodingEncoder struct{ t *testing.T }

func (e *explodingEncoder) Encode(ctx context.Context, src, dst string, p encode.Preset) error {
	e.t.Errorf("encoder invoked for %s, expected no encoding", src)
	return nil
}

func quiet() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func seedFP(seed byte) fingerprint.Fingerprint {
	var f fingerprint.Fingerprint
	for i := range f {
		f[i] = seed
	}
	return f
}

func writeSrc(t *testing.T, dir, rel, content string) scan.Record {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
	return scan.Record{Path: path, RelPath: rel, Size: int64(len(content))}
}

func destNames(t *testing.T, dir string) []string {
	t.Helper()
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dest: %v", err)
	}
	var names []string
	for _, e := range ents {
		names = append(names, e.Name())
	}
	return names
}

func newRunner(store state.Store, enc encode.Encoder, opts Options) *Runner {
	opts.Preset = encode.Default()
	opts.Logger = quiet()
	return New(store, enc, opts)
}

func TestRunConvertAndCopy(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	recA := writeSrc(t, src, "Album/a.flac", "flacdata")
	recB := writeSrc(t, src, "b.mp3", "mp3data")

	store := state.NewMemory()
	enc := &fakeEncoder{}
	r := newRunner(store, enc, Options{DestRoot: dest, Jobs: 4})

	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Convert, Record: recA, Fingerprint: seedFP(1), DestName: "a.mp3"},
		{Kind: plan.Copy, Record: recB, Fingerprint: seedFP(2), DestName: "b.mp3"},
	}}
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Converted != 1 || out.Counts.Copied != 1 || out.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", out.Counts)
	}

	got, err := os.ReadFile(filepath.Join(dest, "a.mp3"))
	if err != nil || string(got) != "mp3:flacdata" {
		t.Errorf("a.mp3 = %q, %v", got, err)
	}
	got, err = os.ReadFile(filepath.Join(dest, "b.mp3"))
	if err != nil || string(got) != "mp3data" {
		t.Errorf("b.mp3 = %q, %v", got, err)
	}
	for _, name := range destNames(t, dest) {
		if strings.HasSuffix(name, ".partial") {
			t.Errorf("leftover temp file %s", name)
		}
	}

	if store.Len() != 2 {
		t.Fatalf("store has %d entries, want 2", store.Len())
	}
	ea, ok := store.Lookup(seedFP(1))
	if !ok {
		t.Fatal("converted entry missing")
	}
	if ea.DestName != "a.mp3" || ea.SourcePath != recA.Path || ea.Format != "mp3" {
		t.Errorf("converted entry = %+v", ea)
	}
	if ea.BitrateKbps != encode.Default().BitrateKbps {
		t.Errorf("bitrate = %d, want %d", ea.BitrateKbps, encode.Default().BitrateKbps)
	}
	if ea.SyncedAt.IsZero() {
		t.Error("SyncedAt not stamped")
	}
	eb, _ := store.Lookup(seedFP(2))
	if eb.BitrateKbps != 0 {
		t.Errorf("copied entry should carry no bitrate, got %d", eb.BitrateKbps)
	}

	want := int64(len("mp3:flacdata") + len("mp3data"))
	if out.Counts.BytesWritten != want {
		t.Errorf("BytesWritten = %d, want %d", out.Counts.BytesWritten, want)
	}
}

func TestRunRelinkTouchesNothing(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	artifact := filepath.Join(dest, "song.mp3")
	if err := os.WriteFile(artifact, []byte("artifact"), 0644); err != nil {
		t.Fatal(err)
	}

	past := time.Now().Add(-time.Hour).UTC().Truncate(time.Second)
	store := state.NewMemory()
	old := state.Entry{
		Fingerprint: seedFP(1), DestName: "song.mp3",
		SourcePath: filepath.Join(src, "old", "song.flac"),
		Format:     "mp3", BitrateKbps: 256, SyncedAt: past,
	}
	if err := store.Commit(context.Background(), old); err != nil {
		t.Fatal(err)
	}

	rec := writeSrc(t, src, "new/song.flac", "flacdata")
	updated := old
	updated.SourcePath = rec.Path
	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Relink, Record: rec, Fingerprint: seedFP(1), DestName: "song.mp3", Entry: updated},
	}}

	r := newRunner(store, &explodingEncoder{t}, Options{DestRoot: dest, Jobs: 2})
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Relinked != 1 || out.Counts.BytesWritten != 0 {
		t.Fatalf("counts = %+v", out.Counts)
	}

	got, err := os.ReadFile(artifact)
	if err != nil || string(got) != "artifact" {
		t.Errorf("artifact changed: %q, %v", got, err)
	}
	if names := destNames(t, dest); len(names) != 1 {
		t.Errorf("dest has %v, want only song.mp3", names)
	}

	e, _ := store.Lookup(seedFP(1))
	if e.SourcePath != rec.Path {
		t.Errorf("SourcePath = %s, want %s", e.SourcePath, rec.Path)
	}
	if !e.SyncedAt.After(past) {
		t.Errorf("SyncedAt not refreshed: %v", e.SyncedAt)
	}
}

func TestRunFailureIsolation(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()
	recs := []scan.Record{
		writeSrc(t, src, "a.flac", "aaa"),
		writeSrc(t, src, "b.flac", "bbb"),
		writeSrc(t, src, "c.flac", "ccc"),
	}

	var mu sync.Mutex
	var observed, failed int
	progress := func(a plan.Action, err error) {
		mu.Lock()
		observed++
		if err != nil {
			failed++
		}
		mu.Unlock()
	}

	store := state.NewMemory()
	enc := &fakeEncoder{failOn: map[string]bool{"b.flac": true}}
	r := newRunner(store, enc, Options{DestRoot: dest, Jobs: 2, Progress: progress})

	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Convert, Record: recs[0], Fingerprint: seedFP(1), DestName: "a.mp3"},
		{Kind: plan.Convert, Record: recs[1], Fingerprint: seedFP(2), DestName: "b.mp3"},
		{Kind: plan.Convert, Record: recs[2], Fingerprint: seedFP(3), DestName: "c.mp3"},
	}}
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("per-file failures must not fail the run: %v", err)
	}

	if out.Counts.Converted != 2 || out.Counts.Failed != 1 {
		t.Fatalf("counts = %+v", out.Counts)
	}
	if len(out.Errors) != 1 {
		t.Fatalf("errors = %v", out.Errors)
	}
	if !errors.Is(out.Errors[0].Err, encode.ErrEncodeFailed) {
		t.Errorf("error = %v, want ErrEncodeFailed", out.Errors[0].Err)
	}
	if out.Errors[0].Action.Record.RelPath != "b.flac" {
		t.Errorf("failed action = %s", out.Errors[0].Action.Record.RelPath)
	}

	if store.Len() != 2 {
		t.Errorf("store has %d entries, want 2", store.Len())
	}
	if _, ok := store.Lookup(seedFP(2)); ok {
		t.Error("failed convert must not be committed")
	}
	names := destNames(t, dest)
	if len(names) != 2 {
		t.Errorf("dest = %v", names)
	}
	if observed != 3 || failed != 1 {
		t.Errorf("progress saw %d actions (%d failed), want 3 (1 failed)", observed, failed)
	}
}

func TestRunPrune(t *testing.T) {
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(dest, "old.mp3"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	store := state.NewMemory()
	ctx := context.Background()
	present := state.Entry{Fingerprint: seedFP(9), DestName: "old.mp3", SourcePath: "/gone/old.flac", Format: "mp3", SyncedAt: time.Now().UTC()}
	lost := state.Entry{Fingerprint: seedFP(8), DestName: "gone.mp3", SourcePath: "/gone/gone.flac", Format: "mp3", SyncedAt: time.Now().UTC()}
	for _, e := range []state.Entry{present, lost} {
		if err := store.Commit(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Prune, Fingerprint: seedFP(9), DestName: "old.mp3", Entry: present},
		{Kind: plan.Prune, Fingerprint: seedFP(8), DestName: "gone.mp3", Entry: lost},
	}}
	r := newRunner(store, &explodingEncoder{t}, Options{DestRoot: dest, Jobs: 2})
	out, err := r.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Counts.Pruned != 2 || out.Counts.Failed != 0 {
		t.Fatalf("counts = %+v", out.Counts)
	}
	if _, err := os.Stat(filepath.Join(dest, "old.mp3")); !os.IsNotExist(err) {
		t.Error("artifact not removed")
	}
	if store.Len() != 0 {
		t.Errorf("store has %d entries, want 0", store.Len())
	}
}

func TestRunSkipCounts(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "dest")
	store := state.NewMemory()
	r := newRunner(store, &explodingEncoder{t}, Options{DestRoot: dest, Jobs: 2})

	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Skip, Fingerprint: seedFP(1), DestName: "a.mp3"},
		{Kind: plan.Skip, Fingerprint: seedFP(1), Duplicate: true, Note: "duplicate of a.flac"},
	}}
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Skipped != 1 || out.Counts.Duplicates != 1 {
		t.Fatalf("counts = %+v", out.Counts)
	}
	// An all-skip run should not create the destination.
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Errorf("destination created for skip-only plan: %v", err)
	}
}

func TestRunDryRun(t *testing.T) {
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "dest")
	rec := writeSrc(t, src, "a.flac", "aaa")

	store := state.NewMemory()
	ctx := context.Background()
	condemned := state.Entry{Fingerprint: seedFP(9), DestName: "old.mp3", SourcePath: "/gone.flac", Format: "mp3", SyncedAt: time.Now().UTC()}
	if err := store.Commit(ctx, condemned); err != nil {
		t.Fatal(err)
	}

	enc := &fakeEncoder{}
	r := newRunner(store, enc, Options{DestRoot: dest, DryRun: true})
	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Convert, Record: rec, Fingerprint: seedFP(1), DestName: "a.mp3"},
		{Kind: plan.Prune, Fingerprint: seedFP(9), DestName: "old.mp3", Entry: condemned},
	}}
	out, err := r.Run(ctx, p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Counts.Converted != 1 || out.Counts.Pruned != 1 {
		t.Fatalf("counts = %+v", out.Counts)
	}
	if enc.callCount() != 0 {
		t.Error("dry run invoked the encoder")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("dry run created the destination")
	}
	if store.Len() != 1 {
		t.Error("dry run mutated state")
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	var actions []plan.Action
	for i := 0; i < 6; i++ {
		rel := fmt.Sprintf("t%d.flac", i)
		rec := writeSrc(t, src, rel, rel)
		actions = append(actions, plan.Action{
			Kind: plan.Convert, Record: rec,
			Fingerprint: seedFP(byte(i + 1)), DestName: fmt.Sprintf("t%d.mp3", i),
		})
	}

	enc := &fakeEncoder{delay: 30 * time.Millisecond}
	r := newRunner(state.NewMemory(), enc, Options{DestRoot: dest, Jobs: 2})
	out, err := r.Run(context.Background(), &plan.Plan{Actions: actions})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Converted != 6 {
		t.Fatalf("counts = %+v", out.Counts)
	}
	if enc.max > 2 {
		t.Errorf("%d encoders ran at once, bound is 2", enc.max)
	}
	if enc.max < 2 {
		t.Errorf("encoders never overlapped, pool appears serial")
	}
}

func TestRunStoreFailureAborts(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	var actions []plan.Action
	for i := 0; i < 4; i++ {
		rel := fmt.Sprintf("t%d.flac", i)
		rec := writeSrc(t, src, rel, rel)
		actions = append(actions, plan.Action{
			Kind: plan.Convert, Record: rec,
			Fingerprint: seedFP(byte(i + 1)), DestName: fmt.Sprintf("t%d.mp3", i),
		})
	}

	store := &failCommitStore{Store: state.NewMemory(), failAfter: 1}
	r := newRunner(store, &fakeEncoder{}, Options{DestRoot: dest, Jobs: 2})
	out, err := r.Run(context.Background(), &plan.Plan{Actions: actions})
	if err == nil {
		t.Fatal("store write failure must abort the run")
	}
	if !strings.Contains(err.Error(), "state write failed") {
		t.Errorf("err = %v", err)
	}
	if out.Counts.Converted != 1 {
		t.Errorf("committed %d actions after failure, want 1", out.Counts.Converted)
	}
}

func TestRunCancellation(t *testing.T) {
	src := t.TempDir()
	dest := t.TempDir()

	var actions []plan.Action
	for i := 0; i < 3; i++ {
		rel := fmt.Sprintf("t%d.flac", i)
		rec := writeSrc(t, src, rel, rel)
		actions = append(actions, plan.Action{
			Kind: plan.Convert, Record: rec,
			Fingerprint: seedFP(byte(i + 1)), DestName: fmt.Sprintf("t%d.mp3", i),
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	enc := &fakeEncoder{block: true}
	r := newRunner(state.NewMemory(), enc, Options{DestRoot: dest, Jobs: 2})
	out, err := r.Run(ctx, &plan.Plan{Actions: actions})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if !out.Aborted {
		t.Error("Aborted not set")
	}
	if out.Counts.Converted != 0 {
		t.Errorf("counts = %+v", out.Counts)
	}
	if out.Counts.Failed != 0 {
		t.Errorf("cancelled jobs counted as failures: %+v", out.Counts)
	}
}

func TestRunCopyFailure(t *testing.T) {
	dest := t.TempDir()
	rec := scan.Record{Path: filepath.Join(t.TempDir(), "missing.mp3"), RelPath: "missing.mp3"}

	store := state.NewMemory()
	r := newRunner(store, &explodingEncoder{t}, Options{DestRoot: dest, Jobs: 1})
	p := &plan.Plan{Actions: []plan.Action{
		{Kind: plan.Copy, Record: rec, Fingerprint: seedFP(1), DestName: "missing.mp3"},
	}}
	out, err := r.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Counts.Failed != 1 || len(out.Errors) != 1 {
		t.Fatalf("counts = %+v, errors = %v", out.Counts, out.Errors)
	}
	if !errors.Is(out.Errors[0].Err, ErrCopyFailed) {
		t.Errorf("err = %v, want ErrCopyFailed", out.Errors[0].Err)
	}
	if names := destNames(t, dest); len(names) != 0 {
		t.Errorf("failed copy left files behind: %v", names)
	}
	if store.Len() != 0 {
		t.Error("failed copy committed state")
	}
}

// failCommitStore fails every Commit after the first failAfter calls.
type failCommitStore struct {
	state.Store
	failAfter int
	n         int
}

func (s *failCommitStore) Commit(ctx context.Context, e state.Entry) error {
	s.n++
	if s.n > s.failAfter {
		return errors.New("disk full")
	}
	return s.Store.Commit(ctx, e)
}
