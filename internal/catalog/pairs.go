package catalog

import (
	"context"
	"sort"
	"time"

	"github.com/rowjay/registry-backup/internal/artifact"
)

// Pair is a database artifact and a files artifact created together.
type Pair struct {
	Database Record `json:"database"`
	Files    Record `json:"files"`
}

// CreatedAt is the newer of the two timestamps.
func (p Pair) CreatedAt() time.Time {
	if p.Files.CreatedAt.After(p.Database.CreatedAt) {
		return p.Files.CreatedAt
	}
	return p.Database.CreatedAt
}

// Skew is the absolute time between the two artifacts.
func (p Pair) Skew() time.Duration {
	return absDuration(p.Database.CreatedAt.Sub(p.Files.CreatedAt))
}

// FindPairs matches database and files artifacts whose timestamps are within
// tolerance of each other. Closest candidates are matched first and a record is
// used at most once. Complete artifacts never take part. Newest pair first.
func (c *Catalog) FindPairs(ctx context.Context, tolerance time.Duration) ([]Pair, error) {
	records, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	return MatchPairs(records, tolerance), nil
}

// MatchPairs is the pairing step of FindPairs over an existing listing.
func MatchPairs(records []Record, tolerance time.Duration) []Pair {
	if tolerance < 0 {
		tolerance = 0
	}
	var dbs, files []Record
	for _, r := range records {
		switch r.Kind {
		case artifact.KindDatabase:
			dbs = append(dbs, r)
		case artifact.KindFiles:
			files = append(files, r)
		}
	}

	type candidate struct {
		db, files int
		skew      time.Duration
		newest    time.Time
	}
	var candidates []candidate
	for i, d := range dbs {
		for j, f := range files {
			skew := absDuration(d.CreatedAt.Sub(f.CreatedAt))
			if skew > tolerance {
				continue
			}
			newest := d.CreatedAt
			if f.CreatedAt.After(newest) {
				newest = f.CreatedAt
			}
			candidates = append(candidates, candidate{db: i, files: j, skew: skew, newest: newest})
		}
	}
	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].skew != candidates[b].skew {
			return candidates[a].skew < candidates[b].skew
		}
		return candidates[a].newest.After(candidates[b].newest)
	})

	usedDB := make(map[int]bool, len(dbs))
	usedFiles := make(map[int]bool, len(files))
	pairs := []Pair{}
	for _, cand := range candidates {
		if usedDB[cand.db] || usedFiles[cand.files] {
			continue
		}
		usedDB[cand.db] = true
		usedFiles[cand.files] = true
		pairs = append(pairs, Pair{Database: dbs[cand.db], Files: files[cand.files]})
	}

	sort.SliceStable(pairs, func(i, j int) bool {
		return pairs[i].CreatedAt().After(pairs[j].CreatedAt())
	})
	return pairs
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
