package resolver

import (
	"errors"
	"testing"

	"github.com/MrWong99/melodine/internal/extract"
)

func cand(title string, dur float64) extract.Metadata {
	return extract.Metadata{Title: title, DurationSeconds: dur}
}

func TestPick_NoCandidates(t *testing.T) {
	t.Parallel()

	_, err := Pick("some song", 200, nil)
	if !errors.Is(err, ErrNoCandidates) {
		t.Errorf("error = %v, want ErrNoCandidates", err)
	}
}

func TestPick_DurationProximityWins(t *testing.T) {
	t.Parallel()

	got, err := Pick("some song", 200, []extract.Metadata{
		cand("Some Song (Live)", 320),
		cand("Some Song", 201),
		cand("Some Song Extended", 245),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.DurationSeconds != 201 {
		t.Errorf("picked %q (%.0fs), want the 201s match", got.Title, got.DurationSeconds)
	}
}

func TestPick_OfficialAudioBeatsPlain(t *testing.T) {
	t.Parallel()

	got, err := Pick("some song", 200, []extract.Metadata{
		cand("Some Song", 200),
		cand("Some Song (Official Audio)", 200),
		cand("Some Song (Official Video)", 200),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.Title != "Some Song (Official Audio)" {
		t.Errorf("picked %q", got.Title)
	}
}

func TestPick_VariantPenalized(t *testing.T) {
	t.Parallel()

	got, err := Pick("some song", 200, []extract.Metadata{
		cand("Some Song (Nightcore)", 200),
		cand("Some Song", 202),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.Title != "Some Song" {
		t.Errorf("picked %q, variant should lose the tie", got.Title)
	}
}

func TestPick_VariantAllowedWhenQueried(t *testing.T) {
	t.Parallel()

	got, err := Pick("some song nightcore", 200, []extract.Metadata{
		cand("Some Song (Nightcore)", 200),
		cand("Some Song", 205),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.Title != "Some Song (Nightcore)" {
		t.Errorf("picked %q, explicitly queried variant should win", got.Title)
	}
}

func TestPick_LongTrackPenalty(t *testing.T) {
	t.Parallel()

	// A 1h compilation vs a mediocre duration match: the compilation's -20
	// (duration miss) -25 (long track) loses to the plain miss.
	got, err := Pick("some song", 200, []extract.Metadata{
		cand("Some Song 1 Hour Loop", 3600),
		cand("Some Song Fan Upload", 260),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.Title != "Some Song Fan Upload" {
		t.Errorf("picked %q", got.Title)
	}
}

func TestPick_UnknownDurationFallsBackToTitle(t *testing.T) {
	t.Parallel()

	got, err := Pick("some song", 0, []extract.Metadata{
		cand("Some Song (Remix)", 180),
		cand("Some Song (Official Audio)", 500),
	})
	if err != nil {
		t.Fatalf("Pick() error: %v", err)
	}
	if got.Title != "Some Song (Official Audio)" {
		t.Errorf("picked %q", got.Title)
	}
}

func TestScore_Values(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		query    string
		expected float64
		c        extract.Metadata
		want     float64
	}{
		{"exact duration", "q", 200, cand("T", 202), 50},
		{"close duration", "q", 200, cand("T", 192), 30},
		{"loose duration", "q", 200, cand("T", 225), 10},
		{"duration miss", "q", 200, cand("T", 300), -20},
		{"official audio", "q", 0, cand("T (Official Audio)", 0), 15},
		{"official only", "q", 0, cand("T Official Video", 0), 10},
		{"audio only", "q", 0, cand("T Audio", 0), 5},
		{"variant", "q", 0, cand("T cover", 0), -15},
		{"long track", "q", 200, cand("T mix", 3600), -45},
	}
	for _, tc := range cases {
		if got := score(tc.query, tc.expected, tc.c); got != tc.want {
			t.Errorf("%s: score = %v, want %v", tc.name, got, tc.want)
		}
	}
}
