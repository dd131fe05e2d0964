package sentiment

import (
	"math"
	"strings"
	"unicode"
)

const (
	// normalization constant of the compound score
	compoundAlpha = 15.0
	boostStep     = 0.293
	negationScale = -0.74
)

// LexiconScores are the rule-based valence scores of a text.
type LexiconScores struct {
	Compound float64 `json:"compound"`
	Positive float64 `json:"positive"`
	Negative float64 `json:"negative"`
	Neutral  float64 `json:"neutral"`
}

// valences on a -4..4 scale, general sentiment words plus market vocabulary.
var valences = map[string]float64{
	"good": 1.9, "great": 3.1, "excellent": 3.2, "strong": 2.3, "stronger": 2.2, "positive": 2.6,
	"gain": 2.0, "gains": 2.0, "growth": 2.1, "grow": 1.8, "grows": 1.8, "profit": 2.0,
	"profits": 2.0, "profitable": 2.2, "beat": 1.6, "beats": 1.6, "surge": 2.2, "surges": 2.2,
	"soar": 2.4, "soars": 2.4, "rally": 2.0, "rallies": 2.0, "record": 1.3, "upgrade": 2.0,
	"upgraded": 2.0, "bullish": 2.6, "outperform": 2.1, "boost": 1.7, "boosts": 1.7,
	"success": 2.7, "successful": 2.8, "win": 2.8, "wins": 2.7, "optimistic": 2.3,
	"recover": 1.6, "recovery": 1.7, "rebound": 1.5, "rise": 1.2, "rises": 1.2, "up": 0.7,
	"higher": 1.0, "best": 3.2, "happy": 2.7, "love": 3.2, "like": 1.5, "improve": 1.9,
	"improved": 2.1, "dividend": 0.8, "opportunity": 1.8, "confident": 2.2,
	"bad": -2.5, "poor": -2.1, "weak": -1.9, "weaker": -1.9, "negative": -2.7, "loss": -1.8,
	"losses": -1.7, "decline": -1.6, "declines": -1.6, "drop": -1.1, "drops": -1.1,
	"fall": -1.3, "falls": -1.3, "plunge": -2.3, "plunges": -2.3, "crash": -2.9,
	"crashes": -2.9, "miss": -1.3, "misses": -1.3, "downgrade": -2.0, "downgraded": -2.0,
	"bearish": -2.4, "underperform": -2.0, "lawsuit": -1.9, "fraud": -3.1, "risk": -1.1,
	"risks": -1.1, "fear": -2.2, "fears": -2.2, "concern": -1.4, "concerns": -1.4,
	"worst": -3.1, "fail": -2.5, "fails": -2.5, "failure": -2.9, "bankrupt": -3.0,
	"bankruptcy": -3.2, "layoffs": -2.0, "cut": -1.1, "cuts": -1.1, "down": -0.9,
	"lower": -1.0, "volatile": -1.0, "recession": -2.6, "debt": -1.2, "warning": -1.6,
	"hate": -2.7, "sad": -2.1, "terrible": -3.0, "slump": -2.0, "slumps": -2.0,
}

var negations = map[string]bool{
	"not": true, "no": true, "never": true, "none": true, "nor": true, "neither": true,
	"without": true, "cannot": true, "isn't": true, "aren't": true, "wasn't": true,
	"weren't": true, "doesn't": true, "don't": true, "didn't": true, "won't": true,
	"hasn't": true, "haven't": true,
}

var boosters = map[string]float64{
	"very": boostStep, "extremely": boostStep, "highly": boostStep, "really": boostStep,
	"significantly": boostStep, "sharply": boostStep, "strongly": boostStep,
	"slightly": -boostStep, "somewhat": -boostStep, "marginally": -boostStep,
}

// Lexicon scores text with a valence dictionary, negation and intensity rules.
type Lexicon struct{}

// NewLexicon creates the lexicon scorer.
func NewLexicon() *Lexicon {
	return &Lexicon{}
}

// Score returns the valence scores of text.
func (l *Lexicon) Score(text string) LexiconScores {
	words := tokenize(text)
	if len(words) == 0 {
		return LexiconScores{Neutral: 1}
	}

	var sum, pos, neg, neu float64
	for i, w := range words {
		v, ok := valences[w]
		if !ok {
			if _, mod := boosters[w]; !mod && !negations[w] {
				neu++
			}
			continue
		}
		v = modifiers(words, i, v)
		sum += v
		switch {
		case v > 0:
			pos += v + 1
		case v < 0:
			neg += v - 1
		default:
			neu++
		}
	}

	sum += emphasis(text, sum)
	scores := LexiconScores{Compound: normalize(sum)}
	total := pos + math.Abs(neg) + neu
	if total > 0 {
		scores.Positive = round3(pos / total)
		scores.Negative = round3(math.Abs(neg) / total)
		scores.Neutral = round3(neu / total)
	}
	return scores
}

// modifiers applies boosters and negations found in the three preceding words.
func modifiers(words []string, i int, v float64) float64 {
	for d := 1; d <= 3 && i-d >= 0; d++ {
		prev := words[i-d]
		if b, ok := boosters[prev]; ok {
			scale := 1.0
			if d > 1 {
				scale = 0.95 - 0.05*float64(d-1)
			}
			if v < 0 {
				b = -b
			}
			v += b * scale
		}
		if negations[prev] {
			v *= negationScale
		}
	}
	return v
}

// emphasis amplifies the score for exclamation marks, up to four.
func emphasis(text string, sum float64) float64 {
	n := strings.Count(text, "!")
	if n > 4 {
		n = 4
	}
	amp := float64(n) * 0.292
	switch {
	case sum > 0:
		return amp
	case sum < 0:
		return -amp
	}
	return 0
}

func normalize(sum float64) float64 {
	c := sum / math.Sqrt(sum*sum+compoundAlpha)
	return round4(math.Max(-1, math.Min(1, c)))
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := fields[:0]
	for _, f := range fields {
		if f = strings.Trim(f, "'"); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func round3(x float64) float64 { return math.Round(x*1000) / 1000 }
func round4(x float64) float64 { return math.Round(x*10000) / 10000 }
