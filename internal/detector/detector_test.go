package detector

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestParseLast(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")

	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	t.Run("missing file", func(t *testing.T) {
		if _, ok := parseLast(filepath.Join(dir, "nope.log")); ok {
			t.Fatal("expected no track from missing file")
		}
	})

	t.Run("empty file", func(t *testing.T) {
		write("")
		if _, ok := parseLast(path); ok {
			t.Fatal("expected no track from empty file")
		}
	})

	t.Run("last line wins", func(t *testing.T) {
		write("1700000000\tModerat\tA New Error\t/m/a.mp3\n" +
			"1700000300\tBicep\tGlue\t/m/b.mp3\n")
		track, ok := parseLast(path)
		if !ok {
			t.Fatal("expected a track")
		}
		if track.Artist != "Bicep" || track.Title != "Glue" || track.FilePath != "/m/b.mp3" {
			t.Fatalf("unexpected track: %+v", track)
		}
		if track.ObservedAt != 1700000300 {
			t.Fatalf("ObservedAt = %d", track.ObservedAt)
		}
	})

	t.Run("trailing blank lines ignored", func(t *testing.T) {
		write("1700000300\tBicep\tGlue\t/m/b.mp3\n\n\n")
		track, ok := parseLast(path)
		if !ok || track.Artist != "Bicep" {
			t.Fatalf("unexpected: %+v ok=%v", track, ok)
		}
	})

	t.Run("path column optional", func(t *testing.T) {
		write("1700000300\tBicep\tGlue\n")
		track, ok := parseLast(path)
		if !ok || track.FilePath != "" {
			t.Fatalf("unexpected: %+v ok=%v", track, ok)
		}
	})

	t.Run("malformed lines rejected", func(t *testing.T) {
		for _, bad := range []string{
			"not-a-ts\tBicep\tGlue\n",
			"1700000300\tBicep\n",
			"1700000300\t\tGlue\n",
			"1700000300\tBicep\t\n",
		} {
			write(bad)
			if _, ok := parseLast(path); ok {
				t.Fatalf("accepted malformed line %q", bad)
			}
		}
	})
}

func TestWatchFiresOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")
	if err := os.WriteFile(path, []byte("1700000000\tModerat\tA New Error\t/m/a.mp3\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	d := New(path)

	var mu sync.Mutex
	var seen []ObservedTrack
	unsub := d.OnTrackChange(func(track ObservedTrack) {
		mu.Lock()
		seen = append(seen, track)
		mu.Unlock()
	})
	defer unsub()

	if err := d.StartWatching(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}
	defer d.StopWatching()

	// Priming parse fires immediately.
	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n == 0 {
		t.Fatal("expected priming observation")
	}

	if cur := d.CurrentTrack(); cur == nil || cur.Artist != "Moderat" {
		t.Fatalf("CurrentTrack = %+v", cur)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("1700000300\tBicep\tGlue\t/m/b.mp3\n"); err != nil {
		t.Fatal(err)
	}
	f.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cur := d.CurrentTrack(); cur != nil && cur.Artist == "Bicep" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("detector never observed the appended track")
}

func TestStartWatchingTwice(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.log")
	os.WriteFile(path, []byte("1700000000\tModerat\tA New Error\n"), 0o644)

	d := New(path)
	if err := d.StartWatching(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := d.StartWatching(time.Second); err != nil {
		t.Fatal(err)
	}
	d.StopWatching()
	d.StopWatching()
}
