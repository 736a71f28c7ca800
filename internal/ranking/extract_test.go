package ranking

import (
	"fmt"
	"strings"
	"testing"
)

func TestPidsFromArtworkLinks(t *testing.T) {
	html := []byte(`
		<html><body>
		<a href="/artworks/100">first</a>
		<a href="https://www.pixiv.net/artworks/200?lang=en">second</a>
		<a href="/artworks/100">duplicate</a>
		<a href="/users/999">not an artwork</a>
		<a href="/artworks/300">third</a>
		</body></html>
	`)

	pids, err := NewExtractor(200).Pids(html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []string{"100", "200", "300"}
	if len(pids) != len(want) {
		t.Fatalf("expected %v, got %v", want, pids)
	}
	for i := range want {
		if pids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, pids)
		}
	}
}

func TestPidsBackupAttribute(t *testing.T) {
	html := []byte(`
		<html><body>
		<div data-gtm-work-id="11"></div>
		<div data-gtm-work-id="22"></div>
		<div data-gtm-work-id="11"></div>
		</body></html>
	`)

	pids, err := NewExtractor(200).Pids(html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pids) != 2 || pids[0] != "11" || pids[1] != "22" {
		t.Fatalf("expected backup attribute extraction, got %v", pids)
	}
}

func TestPidsLinksWinOverBackup(t *testing.T) {
	html := []byte(`
		<html><body>
		<a href="/artworks/1">link</a>
		<div data-gtm-work-id="2"></div>
		</body></html>
	`)

	pids, err := NewExtractor(200).Pids(html)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pids) != 1 || pids[0] != "1" {
		t.Fatalf("expected anchor extraction to win, got %v", pids)
	}
}

func TestPidsRespectsCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 300; i++ {
		fmt.Fprintf(&b, `<a href="/artworks/%d">x</a>`, i)
	}
	b.WriteString("</body></html>")

	pids, err := NewExtractor(200).Pids([]byte(b.String()))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pids) != 200 {
		t.Fatalf("expected cap of 200, got %d", len(pids))
	}
}

func TestEntriesAssignFirstOccurrenceRanks(t *testing.T) {
	html := []byte(`
		<html><body>
		<a href="/artworks/5">a</a>
		<a href="/artworks/7">b</a>
		<a href="/artworks/5">repeat</a>
		<a href="/artworks/9">c</a>
		</body></html>
	`)

	entries, err := NewExtractor(200).Entries(html, "daily", "2026-08-30")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []string{"5", "7", "9"} {
		if entries[i].PID != want || entries[i].Rank != i+1 {
			t.Fatalf("entry %d: expected pid %s rank %d, got %+v", i, want, i+1, entries[i])
		}
		if entries[i].RankType != "daily" || entries[i].RankDate != "2026-08-30" {
			t.Fatalf("entry %d carries wrong board metadata: %+v", i, entries[i])
		}
	}
}

func TestPidsEmptyPage(t *testing.T) {
	pids, err := NewExtractor(200).Pids([]byte(`<html><body><p>nothing here</p></body></html>`))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(pids) != 0 {
		t.Fatalf("expected no pids, got %v", pids)
	}
}
