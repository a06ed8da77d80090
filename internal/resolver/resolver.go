// Package resolver picks the best search candidate for a deferred track.
// Scoring prefers results whose duration matches the expected track and
// penalizes derivative uploads (covers, remixes, sped-up versions) the
// requester did not ask for.
package resolver

import (
	"errors"
	"math"
	"strings"

	"log/slog"

	"github.com/MrWong99/melodine/internal/extract"
)

// ErrNoCandidates is returned when the search yielded nothing usable.
var ErrNoCandidates = errors.New("resolver: no candidates")

// variantTerms are title markers of derivative uploads. A candidate carrying
// one is penalized unless the query itself asked for it.
var variantTerms = []string{
	"cover", "remix", "karaoke", "instrumental", "reaction", "tutorial",
	"nightcore", "sped up", "slowed", "bass boosted", "lofi", "8d audio",
}

const longTrackSeconds = 600

// Pick scores candidates against the query and expected duration (0 when
// unknown) and returns the winner.
func Pick(query string, expectedDuration float64, candidates []extract.Metadata) (extract.Metadata, error) {
	if len(candidates) == 0 {
		return extract.Metadata{}, ErrNoCandidates
	}

	best := 0
	bestScore := math.Inf(-1)
	for i, c := range candidates {
		s := score(query, expectedDuration, c)
		slog.Debug("resolver candidate scored",
			"title", c.Title, "duration", c.DurationSeconds, "score", s)
		if s > bestScore {
			bestScore = s
			best = i
		}
	}
	return candidates[best], nil
}

func score(query string, expectedDuration float64, c extract.Metadata) float64 {
	var s float64
	title := strings.ToLower(c.Title)
	q := strings.ToLower(query)

	if expectedDuration > 0 {
		switch diff := math.Abs(c.DurationSeconds - expectedDuration); {
		case diff <= 3:
			s += 50
		case diff <= 10:
			s += 30
		case diff <= 30:
			s += 10
		default:
			s -= 20
		}
	}

	switch {
	case strings.Contains(title, "official audio"):
		s += 15
	case strings.Contains(title, "official"):
		s += 10
	case strings.Contains(title, "audio"):
		s += 5
	}

	for _, term := range variantTerms {
		if strings.Contains(title, term) && !strings.Contains(q, term) {
			s -= 15
			break
		}
	}

	if c.DurationSeconds > longTrackSeconds &&
		expectedDuration > 0 && expectedDuration < longTrackSeconds {
		s -= 25
	}

	return s
}
