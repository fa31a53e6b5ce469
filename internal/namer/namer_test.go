package namer

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jsarlin/musync/internal/fingerprint"
	"github.com/jsarlin/musync/internal/state"
)

func testFP(seed byte) fingerprint.Fingerprint {
	var fp fingerprint.Fingerprint
	for i := range fp {
		fp[i] = seed
	}
	return fp
}

func TestDerive(t *testing.T) {
	tests := []struct {
		rel    string
		parent string
		stem   string
	}{
		{"Artist/Album/01.flac", "Album", "01"},
		{"Artist/Album/Disc 1/song.m4a", "Disc 1", "song"},
		{"loose.mp3", "", "loose"},
		{"Mods/chip.xm", "Mods", "chip"},
		{"noext", "", "noext"},
		{"dir/.hidden", "dir", ".hidden"},
	}
	for _, tt := range tests {
		parent, stem := Derive(filepath.FromSlash(tt.rel))
		if parent != tt.parent || stem != tt.stem {
			t.Errorf("Derive(%q) = (%q, %q), want (%q, %q)", tt.rel, parent, stem, tt.parent, tt.stem)
		}
	}
}

func TestAssignPlainName(t *testing.T) {
	ns := New()
	name, err := ns.Assign("Album", "01", "mp3", testFP(1))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if name != "01.mp3" {
		t.Errorf("name = %q, want 01.mp3", name)
	}
}

func TestAssignCollisionLadder(t *testing.T) {
	ns := New()

	first, err := ns.Assign("AlbumA", "01", "mp3", testFP(1))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	second, err := ns.Assign("AlbumB", "01", "mp3", testFP(2))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	third, err := ns.Assign("AlbumB", "01", "mp3", testFP(3))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	fourth, err := ns.Assign("AlbumC", "01", "mp3", testFP(4))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}

	if first != "01.mp3" {
		t.Errorf("first = %q, want 01.mp3", first)
	}
	if second != "AlbumB - 01.mp3" {
		t.Errorf("second = %q, want parent-qualified name", second)
	}
	// AlbumB's qualified rung is taken by the second file, so the third
	// falls through to numeric suffixes.
	if third != "01 (2).mp3" {
		t.Errorf("third = %q, want 01 (2).mp3", third)
	}
	if fourth != "AlbumC - 01.mp3" {
		t.Errorf("fourth = %q, want AlbumC - 01.mp3", fourth)
	}
}

func TestAssignReusesOwnName(t *testing.T) {
	ns := New()
	fp := testFP(7)
	ns.Claim("song.mp3", fp)

	name, err := ns.Assign("Album", "song", "mp3", fp)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if name != "song.mp3" {
		t.Errorf("owner should get its claimed name back, got %q", name)
	}
}

func TestAssignAvoidsForeignFiles(t *testing.T) {
	ns := New()
	ns.ClaimForeign("song.mp3")

	name, err := ns.Assign("Album", "song", "mp3", testFP(8))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if name == "song.mp3" {
		t.Error("a foreign file's name must never be assigned")
	}
	if name != "Album - song.mp3" {
		t.Errorf("name = %q, want Album - song.mp3", name)
	}
}

func TestAssignTopLevelSkipsParentRung(t *testing.T) {
	ns := New()
	ns.ClaimForeign("loose.mp3")

	name, err := ns.Assign("", "loose", "mp3", testFP(9))
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if name != "loose (2).mp3" {
		t.Errorf("name = %q, want loose (2).mp3", name)
	}
}

func TestAssignDeterministic(t *testing.T) {
	build := func() []string {
		ns := New()
		var names []string
		for i := 0; i < 5; i++ {
			name, err := ns.Assign("Album", "track", "mp3", testFP(byte(i+1)))
			if err != nil {
				t.Fatalf("Assign: %v", err)
			}
			names = append(names, name)
		}
		return names
	}

	a, b := build(), build()
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("assignment %d differs across identical runs: %q vs %q", i, a[i], b[i])
		}
	}
}

func TestAssignExhaustion(t *testing.T) {
	ns := New()
	ns.ClaimForeign("x.mp3")
	for i := 2; i <= suffixCap; i++ {
		ns.ClaimForeign(fmt.Sprintf("x (%d).mp3", i))
	}

	if _, err := ns.Assign("", "x", "mp3", testFP(1)); err == nil {
		t.Error("Assign should fail once every rung is occupied")
	}
}

func TestSeedDir(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"existing.mp3", "unrelated.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, state.StateDirName), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "subdir"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ns := New()
	if err := ns.SeedDir(dir); err != nil {
		t.Fatalf("SeedDir: %v", err)
	}

	if _, ok := ns.Owner("existing.mp3"); !ok {
		t.Error("existing file name not claimed")
	}
	if _, ok := ns.Owner("unrelated.txt"); !ok {
		t.Error("foreign names of any extension occupy the namespace")
	}
	if _, ok := ns.Owner(state.StateDirName); ok {
		t.Error("state directory must not occupy a name")
	}
	if _, ok := ns.Owner("subdir"); ok {
		t.Error("directories do not occupy artifact names")
	}
}

func TestSeedDirMissingDestination(t *testing.T) {
	ns := New()
	if err := ns.SeedDir(filepath.Join(t.TempDir(), "not-yet-created")); err != nil {
		t.Errorf("missing destination should seed nothing, got %v", err)
	}
}

func TestSeedStateKeepsOwnersOverForeign(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "owned.mp3"), []byte("x"), 0644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fp := testFP(3)
	ns := New()
	if err := ns.SeedDir(dir); err != nil {
		t.Fatalf("SeedDir: %v", err)
	}
	ns.SeedState([]state.Entry{{
		Fingerprint: fp,
		DestName:    "owned.mp3",
		SourcePath:  "/music/owned.flac",
		Format:      "mp3",
		SyncedAt:    time.Now(),
	}})

	owner, ok := ns.Owner("owned.mp3")
	if !ok || owner != fp {
		t.Error("state entry should own its name even when the file is also on disk")
	}
}
