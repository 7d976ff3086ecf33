// Package quality scores how trustworthy a page's native text layer is.
// Scores are diagnostics only: they are logged and counted, never used to
// change what a response contains.
package quality

import (
	"strings"
	"unicode"
)

// UnreliableBelow is the score under which a text layer is reported as
// unreliable.
const UnreliableBelow = 0.5

type Assessment struct {
	Score   float64
	Words   int
	Reasons []string
}

func (a Assessment) Unreliable() bool { return a.Score < UnreliableBelow }

// stats are the measurements every check reads.
type stats struct {
	words      []string
	runes      int
	letters    float64 // ratios of runes
	digits     float64
	punct      float64
	spaces     float64
	garbage    float64
	singleRune float64 // ratio of words
	unique     float64
	maxRun     int
}

func measure(text string) stats {
	s := stats{words: strings.Fields(text)}
	var letters, digits, punct, spaces, garbage int
	var last rune
	run := 0
	for _, r := range text {
		s.runes++
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			digits++
		case unicode.IsPunct(r):
			punct++
		case unicode.IsSpace(r):
			spaces++
		}
		if r == unicode.ReplacementChar || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			garbage++
		}
		if r == last && !unicode.IsSpace(r) {
			run++
		} else {
			run = 1
			last = r
		}
		s.maxRun = max(s.maxRun, run)
	}
	if s.runes == 0 {
		return s
	}
	n := float64(s.runes)
	s.letters = float64(letters) / n
	s.digits = float64(digits) / n
	s.punct = float64(punct) / n
	s.spaces = float64(spaces) / n
	s.garbage = float64(garbage) / n

	if len(s.words) > 0 {
		seen := make(map[string]struct{}, len(s.words))
		single := 0
		for _, w := range s.words {
			seen[strings.ToLower(w)] = struct{}{}
			if len([]rune(w)) == 1 {
				single++
			}
		}
		s.unique = float64(len(seen)) / float64(len(s.words))
		s.singleRune = float64(single) / float64(len(s.words))
	}
	return s
}

type check struct {
	reason string
	// penalty returns how much to subtract; negative values reward.
	penalty func(s stats, minWords int) float64
}

var checks = []check{
	{"low_word_count", func(s stats, minWords int) float64 {
		switch {
		case len(s.words) < minWords/2:
			return 0.6
		case len(s.words) < minWords:
			return 0.45
		}
		return 0
	}},
	{"low_alpha_ratio", func(s stats, _ int) float64 {
		p := 0.0
		switch {
		case s.letters < 0.15:
			p = 0.5
		case s.letters < 0.25:
			p = 0.35
		}
		if s.digits > 0.2 {
			p *= 0.6
		}
		return p
	}},
	{"garbage_chars", func(s stats, _ int) float64 {
		if s.garbage > 0.01 {
			return min(0.5, s.garbage*50)
		}
		return 0
	}},
	{"repeated_patterns", func(s stats, _ int) float64 {
		if s.maxRun >= 5 {
			return 0.2
		}
		return 0
	}},
	{"scrambled_text", func(s stats, _ int) float64 {
		if s.singleRune > 0.3 {
			return 0.25
		}
		return 0
	}},
	{"low_unique_words", func(s stats, _ int) float64 {
		if len(s.words) > 50 && s.unique < 0.2 {
			return 0.15
		}
		return 0
	}},
	{"excessive_punctuation", func(s stats, _ int) float64 {
		if s.punct > 0.5 && s.letters < 0.2 {
			return 0.2
		}
		return 0
	}},
	{"abnormal_spacing", func(s stats, _ int) float64 {
		if s.spaces > 0.6 || (len(s.words) > 10 && s.spaces < 0.05) {
			return 0.15
		}
		return 0
	}},
	{"good_prose", func(s stats, minWords int) float64 {
		if s.letters > 0.6 && len(s.words) >= minWords && s.unique > 0.3 {
			return -0.1
		}
		return 0
	}},
}

// Assess scores text in [0, 1]. minWords is the word count below which a
// page is considered suspiciously sparse.
func Assess(text string, minWords int) Assessment {
	text = strings.TrimSpace(text)
	s := measure(text)
	a := Assessment{Score: 1, Words: len(s.words)}
	if s.runes == 0 {
		a.Score = 0
		a.Reasons = []string{"empty_text"}
		return a
	}
	for _, c := range checks {
		if p := c.penalty(s, minWords); p != 0 {
			a.Score -= p
			a.Reasons = append(a.Reasons, c.reason)
		}
	}
	a.Score = max(0, min(1, a.Score))
	return a
}
