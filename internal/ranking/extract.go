package ranking

import (
	"bytes"
	"fmt"
	"regexp"

	"github.com/PuerkitoBio/goquery"

	"pixiv-crawler/internal/store"
)

var artworkHref = regexp.MustCompile(`/artworks/(\d+)`)

// Extractor pulls artwork ids out of ranking and landing pages.
type Extractor struct {
	maxEntries int
}

// NewExtractor caps extraction at maxEntries ids per page.
func NewExtractor(maxEntries int) *Extractor {
	if maxEntries <= 0 {
		maxEntries = 200
	}
	return &Extractor{maxEntries: maxEntries}
}

// Pids returns the artwork ids found in the document, in first-occurrence
// order. Artwork links are the primary signal; the work-id data attribute
// used by some page variants is the backup.
func (e *Extractor) Pids(html []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse page: %w", err)
	}

	seen := make(map[string]struct{}, e.maxEntries)
	pids := make([]string, 0, e.maxEntries)
	add := func(pid string) bool {
		if pid == "" {
			return true
		}
		if _, dup := seen[pid]; dup {
			return true
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
		return len(pids) < e.maxEntries
	}

	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, ok := sel.Attr("href")
		if !ok {
			return true
		}
		m := artworkHref.FindStringSubmatch(href)
		if m == nil {
			return true
		}
		return add(m[1])
	})

	if len(pids) == 0 {
		doc.Find("[data-gtm-work-id]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			pid, _ := sel.Attr("data-gtm-work-id")
			return add(pid)
		})
	}

	return pids, nil
}

// Entries converts an extracted page into ranking rows, assigning ranks by
// first occurrence starting at 1.
func (e *Extractor) Entries(html []byte, rankType, rankDate string) ([]store.RankingEntry, error) {
	pids, err := e.Pids(html)
	if err != nil {
		return nil, err
	}
	entries := make([]store.RankingEntry, 0, len(pids))
	for i, pid := range pids {
		entries = append(entries, store.RankingEntry{
			PID:      pid,
			Rank:     i + 1,
			RankType: rankType,
			RankDate: rankDate,
		})
	}
	return entries, nil
}
