// Package handlers provides HTTP handlers for market data ingestion and lookup.
package handlers

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/aristath/augur/internal/domain"
	"github.com/aristath/augur/internal/httputil"
	"github.com/aristath/augur/internal/modules/marketdata"
)

// maxUpload bounds CSV and Parquet uploads.
const maxUpload = 64 << 20

// Handler handles market data requests.
type Handler struct {
	importer *marketdata.Importer
	bars     *marketdata.BarRepository
	news     *marketdata.NewsRepository
	log      zerolog.Logger
}

// NewHandler creates a new market data handler.
func NewHandler(importer *marketdata.Importer, bars *marketdata.BarRepository, news *marketdata.NewsRepository, log zerolog.Logger) *Handler {
	return &Handler{
		importer: importer,
		bars:     bars,
		news:     news,
		log:      log.With().Str("handler", "marketdata").Logger(),
	}
}

// HandleImportBars handles POST /api/data/bars?asset=. The body is CSV
// (text/csv), Parquet (application/vnd.apache.parquet) or a JSON array of bars.
func (h *Handler) HandleImportBars(w http.ResponseWriter, r *http.Request) {
	var asset domain.AssetClass
	if raw := r.URL.Query().Get("asset"); raw != "" {
		a, err := domain.ParseAssetClass(raw)
		if err != nil {
			httputil.WriteError(w, h.log, err)
			return
		}
		asset = a
	}

	bars, err := h.readBars(r)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if len(bars) == 0 {
		httputil.WriteError(w, h.log, domain.NewValidationError("bars", "no bars supplied"))
		return
	}

	res, err := h.importer.Import(r.Context(), bars, asset)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	h.log.Info().Int("bars", res.Bars).Int("symbols", len(res.Symbols)).Msg("Bars imported")
	httputil.WriteJSON(w, h.log, http.StatusOK, res)
}

func (h *Handler) readBars(r *http.Request) ([]domain.Bar, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	body := io.LimitReader(r.Body, maxUpload)
	switch mediaType {
	case "text/csv":
		return marketdata.ReadCSV(body)
	case "application/vnd.apache.parquet", "application/x-parquet":
		data, err := io.ReadAll(body)
		if err != nil {
			return nil, domain.NewValidationError("body", "failed to read upload")
		}
		return marketdata.ReadParquet(bytes.NewReader(data), int64(len(data)))
	}
	var bars []domain.Bar
	if err := httputil.DecodeJSON(r, &bars); err != nil {
		return nil, err
	}
	for i := range bars {
		bars[i].Symbol = strings.ToUpper(strings.TrimSpace(bars[i].Symbol))
	}
	return bars, nil
}

// HandleGetBars handles GET /api/data/bars/{symbol}?from=&to= with RFC3339 or date bounds.
func (h *Handler) HandleGetBars(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(chi.URLParam(r, "symbol"))
	from, err := parseBound(r, "from")
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	to, err := parseBound(r, "to")
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}

	bars, err := h.bars.Range(r.Context(), symbol, from, to)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if len(bars) == 0 {
		httputil.WriteError(w, h.log, &domain.NotFoundError{Kind: "bars", Name: symbol})
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"symbol": symbol,
		"bars":   bars,
		"count":  len(bars),
	})
}

// HandleSymbols handles GET /api/data/symbols?asset=.
func (h *Handler) HandleSymbols(w http.ResponseWriter, r *http.Request) {
	asset := domain.AssetStocks
	if raw := r.URL.Query().Get("asset"); raw != "" {
		a, err := domain.ParseAssetClass(raw)
		if err != nil {
			httputil.WriteError(w, h.log, err)
			return
		}
		asset = a
	}
	symbols, err := h.bars.Symbols(r.Context(), asset)
	if err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	if symbols == nil {
		symbols = []string{}
	}
	httputil.WriteJSON(w, h.log, http.StatusOK, map[string]interface{}{
		"asset_class": asset,
		"symbols":     symbols,
	})
}

// HandleAddNews handles POST /api/data/news with a JSON array of headlines.
func (h *Handler) HandleAddNews(w http.ResponseWriter, r *http.Request) {
	var items []domain.NewsItem
	if err := httputil.DecodeJSON(r, &items); err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	for i := range items {
		items[i].Symbol = strings.ToUpper(strings.TrimSpace(items[i].Symbol))
	}
	if err := h.news.Insert(r.Context(), items); err != nil {
		httputil.WriteError(w, h.log, err)
		return
	}
	httputil.WriteJSON(w, h.log, http.StatusCreated, map[string]int{"inserted": len(items)})
}

func parseBound(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Time{}, domain.NewValidationError(name, "must be RFC3339 or YYYY-MM-DD")
}
