// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// AssetClass groups symbols that share one set of trained models.
type AssetClass string

const (
	AssetStocks AssetClass = "stocks"
	AssetCrypto AssetClass = "crypto"
	AssetETFs   AssetClass = "etfs"
)

// AllAssetClasses lists asset classes in training order.
var AllAssetClasses = []AssetClass{AssetStocks, AssetCrypto, AssetETFs}

// ParseAssetClass validates an asset class name.
func ParseAssetClass(s string) (AssetClass, error) {
	switch a := AssetClass(strings.ToLower(strings.TrimSpace(s))); a {
	case AssetStocks, AssetCrypto, AssetETFs:
		return a, nil
	}
	return "", NewValidationError("asset_class", fmt.Sprintf("unknown asset class %q", s))
}

// ModelFamily identifies a model implementation.
type ModelFamily string

const (
	// FamilyTree is the gradient-boosted regression tree ensemble
	FamilyTree ModelFamily = "xgb"
	// FamilySequence is the recurrent sequence model
	FamilySequence ModelFamily = "lstm"
)

// AllModelFamilies lists model families in training order.
var AllModelFamilies = []ModelFamily{FamilyTree, FamilySequence}

// ParseModelFamily accepts the family names and the public API aliases.
func ParseModelFamily(s string) (ModelFamily, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "xgb", "xgboost", "tree":
		return FamilyTree, nil
	case "lstm", "rnn", "sequence":
		return FamilySequence, nil
	}
	return "", NewValidationError("model", fmt.Sprintf("unknown model family %q", s))
}

// ModelKey is the stable artifact name {asset_class}_{model_family}.
type ModelKey string

// NewModelKey builds the key for an asset class and family.
func NewModelKey(asset AssetClass, family ModelFamily) ModelKey {
	return ModelKey(string(asset) + "_" + string(family))
}

// Split returns the asset class and family encoded in the key.
func (k ModelKey) Split() (AssetClass, ModelFamily, error) {
	i := strings.LastIndex(string(k), "_")
	if i <= 0 || i == len(k)-1 {
		return "", "", NewValidationError("model_key", fmt.Sprintf("malformed key %q", k))
	}
	asset, err := ParseAssetClass(string(k[:i]))
	if err != nil {
		return "", "", err
	}
	family, err := ParseModelFamily(string(k[i+1:]))
	if err != nil {
		return "", "", err
	}
	return asset, family, nil
}

// AllModelKeys returns every asset class and family combination.
func AllModelKeys() []ModelKey {
	keys := make([]ModelKey, 0, len(AllAssetClasses)*len(AllModelFamilies))
	for _, a := range AllAssetClasses {
		for _, f := range AllModelFamilies {
			keys = append(keys, NewModelKey(a, f))
		}
	}
	return keys
}

// Bar is one OHLCV observation for a symbol.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Prediction is a served point estimate.
type Prediction struct {
	Timestamp  time.Time  `json:"timestamp"`
	Symbol     string     `json:"symbol"`
	AssetClass AssetClass `json:"asset_class"`
	ModelKey   ModelKey   `json:"model_key"`
	Version    string     `json:"version"`
	Horizon    string     `json:"horizon"`
	Value      float64    `json:"prediction"`
	Confidence float64    `json:"confidence"`
	Sentiment  float64    `json:"sentiment"`
}

// NewsItem is a stored headline about a symbol.
type NewsItem struct {
	PublishedAt time.Time `json:"published_at"`
	Symbol      string    `json:"symbol"`
	Headline    string    `json:"headline"`
	Source      string    `json:"source,omitempty"`
}
