// Package match identifies cross-venue market pairs that refer to the
// same real-world outcome. A wrong match here turns "risk-free" into a
// directional bet, so every rule is a hard reject: asset, resolution
// time, resolution source, and market shape must all agree.
package match

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crossarb/pkg/types"
)

// assetAliases is the explicit equivalence table for asset tokens found
// in market titles. Both aliases normalize to the canonical tag.
var assetAliases = map[string]string{
	"btc":      "btc",
	"bitcoin":  "btc",
	"eth":      "eth",
	"ethereum": "eth",
	"sol":      "sol",
	"solana":   "sol",
}

// sourceClasses groups pre-validated resolution index providers. Two
// markets may only pair when their sources land in the same class.
var sourceClasses = map[string]string{
	"kalshi":        "crypto-index",
	"cf benchmarks": "crypto-index",
	"chainlink":     "crypto-index",
	"coinbase":      "crypto-index",
	"cme":           "crypto-index",
}

// titleStopwords are dropped before asset extraction so phrasing noise
// ("price", "will", dates) cannot block or fake a token hit.
var titleStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "will": true, "be": true,
	"price": true, "of": true, "at": true, "in": true, "on": true,
	"next": true, "mins": true, "minutes": true, "up": true, "down": true,
	"or": true, "above": true, "below": true,
}

// Matcher pairs equivalent markets across the two venues.
type Matcher struct {
	timeTolerance time.Duration
	maxOffset     time.Duration

	// offsets holds per-asset calibrated clock corrections, applied
	// one-shot when the venues quantize the same resolution minute
	// differently. Empty until calibrated.
	offsets map[string]time.Duration

	logger *slog.Logger
}

// New creates a matcher. timeTolerance bounds raw resolution-time skew;
// maxOffset caps the calibrated correction magnitude.
func New(timeTolerance, maxOffset time.Duration, logger *slog.Logger) *Matcher {
	return &Matcher{
		timeTolerance: timeTolerance,
		maxOffset:     maxOffset,
		offsets:       make(map[string]time.Duration),
		logger:        logger.With("component", "matcher"),
	}
}

// SetOffset installs a calibrated per-asset clock correction. The
// correction is rejected if it exceeds the configured cap.
func (m *Matcher) SetOffset(asset string, offset time.Duration) error {
	if offset > m.maxOffset || offset < -m.maxOffset {
		return fmt.Errorf("offset %v for %s exceeds cap %v", offset, asset, m.maxOffset)
	}
	m.offsets[asset] = offset
	return nil
}

// Match pairs markets from catalog A (Kalshi) against catalog B
// (Polymarket). Each B market is used at most once. O(N·M) over the
// catalogs, which stays trivial at 15-minute-market scales.
func (m *Matcher) Match(catalogA, catalogB []types.Market) []types.MatchedPair {
	now := time.Now()
	usedB := make(map[string]bool)
	var pairs []types.MatchedPair

	for _, a := range catalogA {
		for _, b := range catalogB {
			if usedB[b.ID] {
				continue
			}
			asset, ok := m.equivalent(a, b)
			if !ok {
				continue
			}
			if !validInstruments(a) || !validInstruments(b) {
				m.logger.Warn("match rejected: missing leg instruments",
					"a", a.Ticker, "b", b.Ticker)
				continue
			}

			pair := types.MatchedPair{
				A:              a,
				B:              b,
				ResolutionTime: a.ResolutionTime,
				Asset:          asset,
				Key:            pairKey(asset, a.ResolutionTime),
				CreatedAt:      now,
			}
			pairs = append(pairs, pair)
			usedB[b.ID] = true

			m.logger.Info("matched pair",
				"key", pair.Key,
				"a", a.Ticker,
				"b", b.Ticker,
				"resolution", pair.ResolutionTime,
			)
			break
		}
	}
	return pairs
}

// equivalent applies every rule and returns the shared asset tag.
func (m *Matcher) equivalent(a, b types.Market) (string, bool) {
	if a.Venue == b.Venue {
		return "", false
	}

	assetsA := extractAssets(a.Title)
	assetsB := extractAssets(b.Title)
	asset, ok := sharedAsset(assetsA, assetsB)
	if !ok {
		return "", false
	}

	if !m.timesAlign(asset, a.ResolutionTime, b.ResolutionTime) {
		return "", false
	}

	// Both titles referencing a 15-minute up/down window with aligned
	// clocks is conclusive on its own: the phrasing differs too much
	// across venues for similarity scoring to help ("price up in next
	// 15 mins?" vs "Up or Down - 6:45PM ET").
	if isShortWindow(a.Title) && isShortWindow(b.Title) {
		return asset, true
	}

	if !sourcesCompatible(a.Source, b.Source) {
		return "", false
	}

	if !thresholdsAlign(a, b) {
		return "", false
	}

	if titleSimilarity(a.Title, b.Title) < 0.6 {
		return "", false
	}

	return asset, true
}

// timesAlign checks raw skew first, then retries once with the calibrated
// per-asset offset if one exists.
func (m *Matcher) timesAlign(asset string, ta, tb time.Time) bool {
	skew := ta.Sub(tb)
	if abs(skew) <= m.timeTolerance {
		return true
	}
	offset, ok := m.offsets[asset]
	if !ok {
		return false
	}
	return abs(skew-offset) <= m.timeTolerance
}

// StillValid reports whether an existing pair remains tradeable: neither
// side past resolution and resolution times still within tolerance.
func (m *Matcher) StillValid(pair types.MatchedPair, now time.Time) bool {
	if !now.Before(pair.A.ResolutionTime) || !now.Before(pair.B.ResolutionTime) {
		return false
	}
	return m.timesAlign(pair.Asset, pair.A.ResolutionTime, pair.B.ResolutionTime)
}

func validInstruments(mk types.Market) bool {
	return mk.YesInstrument != "" && mk.NoInstrument != ""
}

func pairKey(asset string, resolution time.Time) string {
	return asset + ":" + resolution.UTC().Truncate(time.Minute).Format("2006-01-02T15:04")
}

// extractAssets tokenizes the title and maps tokens through the alias
// table.
func extractAssets(title string) map[string]bool {
	assets := make(map[string]bool)
	for _, token := range tokenize(title) {
		if canonical, ok := assetAliases[token]; ok {
			assets[canonical] = true
		}
	}
	return assets
}

func sharedAsset(a, b map[string]bool) (string, bool) {
	for asset := range a {
		if b[asset] {
			return asset, true
		}
	}
	return "", false
}

// isShortWindow reports whether the title describes a 15-minute up/down
// market on either venue's phrasing.
func isShortWindow(title string) bool {
	t := strings.ToLower(title)
	return strings.Contains(t, "15") || strings.Contains(t, "up or down")
}

func sourcesCompatible(sourceA, sourceB string) bool {
	if sourceA == "" || sourceB == "" {
		return false
	}
	classA, okA := sourceClasses[strings.ToLower(strings.TrimSpace(sourceA))]
	classB, okB := sourceClasses[strings.ToLower(strings.TrimSpace(sourceB))]
	if !okA || !okB {
		return false
	}
	return classA == classB
}

// thresholdsAlign requires the numeric strikes to agree within one venue
// tick. Up/down markets carry a zero threshold on both sides, which
// trivially agrees.
func thresholdsAlign(a, b types.Market) bool {
	tick := a.Tick
	if b.Tick > tick {
		tick = b.Tick
	}
	diff := a.Threshold - b.Threshold
	if diff < 0 {
		diff = -diff
	}
	return diff <= tick
}

// titleSimilarity is a token-set Dice coefficient after stopword removal.
func titleSimilarity(titleA, titleB string) float64 {
	tokensA := tokenSet(titleA)
	tokensB := tokenSet(titleB)
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}
	common := 0
	for t := range tokensA {
		if tokensB[t] {
			common++
		}
	}
	return 2.0 * float64(common) / float64(len(tokensA)+len(tokensB))
}

func tokenSet(title string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range tokenize(title) {
		if !titleStopwords[token] {
			set[token] = true
		}
	}
	return set
}

// tokenize lower-cases and splits on anything that is not a letter or
// digit, stripping punctuation in the process.
func tokenize(title string) []string {
	lower := strings.ToLower(title)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
