// Package sentiment scores text with a lexicon and an optional remote classifier
// and derives per-symbol sentiment from stored headlines.
package sentiment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/augur/internal/domain"
)

const (
	remoteWeight  = 0.6
	lexiconWeight = 0.4

	newsWindow   = 7 * 24 * time.Hour
	newsMaxItems = 20

	// Headlines scored at once. The remote client's rate limiter still applies.
	headlineWorkers = 4
)

// Scores holds the per-method results.
type Scores struct {
	Vader   LexiconScores `json:"vader"`
	Finbert *RemoteScore  `json:"finbert,omitempty"`
}

// Analysis is the result of scoring one text.
type Analysis struct {
	Label          string  `json:"label"`
	Scores         Scores  `json:"scores"`
	AggregateScore float64 `json:"aggregate_score"`
	SentimentLabel string  `json:"sentiment_label"`
}

// NewsSource returns recent headlines for a symbol, newest first.
type NewsSource interface {
	Recent(ctx context.Context, symbol string, since time.Time, limit int) ([]domain.NewsItem, error)
}

// Recorder counts analyses by outcome.
type Recorder interface {
	RecordSentiment(outcome string)
}

// Analyzer combines the lexicon and the remote scorer.
type Analyzer struct {
	lexicon  *Lexicon
	remote   Remote
	news     NewsSource
	recorder Recorder
	now      func() time.Time
	log      zerolog.Logger
}

// NewAnalyzer creates an analyzer. remote and news may be nil.
func NewAnalyzer(remote Remote, news NewsSource, log zerolog.Logger) *Analyzer {
	return &Analyzer{
		lexicon: NewLexicon(),
		remote:  remote,
		news:    news,
		now:     time.Now,
		log:     log.With().Str("component", "sentiment").Logger(),
	}
}

// SetRecorder sets the metrics recorder.
func (a *Analyzer) SetRecorder(r Recorder) {
	a.recorder = r
}

// Analyze scores text. Empty text is rejected before any scorer runs. A remote
// failure degrades to the lexicon score.
func (a *Analyzer) Analyze(ctx context.Context, text string) (*Analysis, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewValidationError("text", "no text provided")
	}

	lex := a.lexicon.Score(text)
	out := &Analysis{
		Scores:         Scores{Vader: lex},
		AggregateScore: lex.Compound,
		Label:          polarity(lex.Compound),
	}

	outcome := "lexicon_only"
	if a.remote != nil {
		remote, err := a.remote.Score(ctx, text)
		switch {
		case err == nil:
			out.Scores.Finbert = &remote
			out.AggregateScore = remoteWeight*remote.Signed() + lexiconWeight*lex.Compound
			out.Label = strings.ToLower(remote.Label)
			outcome = "combined"
		case errors.Is(err, context.Canceled):
			return nil, err
		default:
			a.log.Warn().Err(err).Msg("Remote sentiment unavailable, using lexicon score")
		}
	}

	out.SentimentLabel = Label(out.AggregateScore)
	if a.recorder != nil {
		a.recorder.RecordSentiment(outcome)
	}
	return out, nil
}

// SymbolSentiment is the mean aggregate score of the symbol's headlines from the
// last week, at most the 20 newest. It is 0 without news.
//
// Headlines are scored concurrently, at most headlineWorkers at a time. Blank
// headlines are skipped; any other scoring error fails the whole call.
func (a *Analyzer) SymbolSentiment(ctx context.Context, symbol string) (float64, error) {
	if a.news == nil {
		return 0, nil
	}
	items, err := a.news.Recent(ctx, symbol, a.now().Add(-newsWindow), newsMaxItems)
	if err != nil {
		return 0, err
	}

	scores := make([]float64, len(items))
	scored := make([]bool, len(items))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(headlineWorkers)
	for i, item := range items {
		i, headline := i, item.Headline
		g.Go(func() error {
			res, err := a.Analyze(gctx, headline)
			if err != nil {
				var verr *domain.ValidationError
				if errors.As(err, &verr) {
					return nil
				}
				return err
			}
			scores[i], scored[i] = res.AggregateScore, true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	// Summed in headline order so the mean does not depend on scheduling
	var sum float64
	var n int
	for i, ok := range scored {
		if ok {
			sum += scores[i]
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}
	return sum / float64(n), nil
}

// Label buckets an aggregate score.
func Label(score float64) string {
	switch {
	case score > 0.3:
		return "very_positive"
	case score > 0.1:
		return "positive"
	case score > -0.1:
		return "neutral"
	case score > -0.3:
		return "negative"
	}
	return "very_negative"
}

func polarity(compound float64) string {
	switch {
	case compound >= 0.05:
		return "positive"
	case compound <= -0.05:
		return "negative"
	}
	return "neutral"
}
