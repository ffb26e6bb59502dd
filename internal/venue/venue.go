// Package venue defines the uniform market-data and trading contract both
// exchanges are normalized to. Adapters are the only components permitted
// to serialize venue-specific identifiers; everything above this boundary
// sees opaque instrument strings and normalized {BUY_YES, BUY_NO} sides.
package venue

import (
	"context"
	"errors"

	"crossarb/pkg/types"
)

// Classification sentinels. Adapters wrap their errors with one of these so
// callers can pick a policy with errors.Is: transient failures are retried
// or absorbed, fatal ones indicate a bug or a broken credential and abort.
var (
	// ErrTransient marks network-level failures: timeouts, 5xx, resets.
	ErrTransient = errors.New("transient venue error")

	// ErrFatal marks invalid-input or authentication failures. These are
	// bugs or configuration problems, never retried.
	ErrFatal = errors.New("fatal venue error")

	// ErrRejected marks a venue-side order rejection (insufficient
	// balance, market closed, crossed book on a post-only venue).
	ErrRejected = errors.New("order rejected by venue")
)

// Transient wraps err as a transient failure.
func Transient(err error) error {
	return errors.Join(ErrTransient, err)
}

// Fatal wraps err as a fatal failure.
func Fatal(err error) error {
	return errors.Join(ErrFatal, err)
}

// CatalogFilter narrows a catalog fetch. Series applies to Kalshi series
// tickers; TagID to Polymarket's Gamma tag; Limit caps the page size.
type CatalogFilter struct {
	Series []string
	TagID  int
	Limit  int
}

// UpdateFunc is the push-subscription callback: one top-of-book snapshot
// per leg instrument, invoked in arrival order per instrument.
type UpdateFunc func(instrument string, snap types.OrderbookSnapshot)

// Adapter normalizes one venue's REST and push feeds. All blocking calls
// take a context and honor its deadline; implementations keep a pooled
// HTTP connection per host so concurrent calls do not redial.
type Adapter interface {
	// Name identifies the venue for cache keys and logs.
	Name() types.Venue

	// FetchCatalog lists open binary markets matching the filter, with
	// prices normalized to [0,1] fractions.
	FetchCatalog(ctx context.Context, filter CatalogFilter) ([]types.Market, error)

	// GetOrderbook fetches the current book for one leg instrument.
	GetOrderbook(ctx context.Context, instrument string) (types.OrderbookSnapshot, error)

	// GetBalance returns the venue cash balance in dollars.
	GetBalance(ctx context.Context) (float64, error)

	// PlaceOrder submits a limit order for size contracts at the given
	// fractional price and returns the venue order id.
	PlaceOrder(ctx context.Context, instrument string, side types.Side, size, price float64) (string, error)

	// GetOrder returns the current state of a previously placed order.
	GetOrder(ctx context.Context, orderID string) (types.Order, error)

	// CancelOrder cancels a resting order. Cancelling an already-terminal
	// order returns ErrRejected.
	CancelOrder(ctx context.Context, orderID string) error

	// SubscribeOrderbook registers instruments on the push stream. The
	// callback set via SetUpdateFunc receives snapshots until ctx of the
	// feed's Run loop is cancelled.
	SubscribeOrderbook(ctx context.Context, instruments []string) error

	// SetUpdateFunc installs the push callback. Must be called before Run.
	SetUpdateFunc(fn UpdateFunc)

	// Run maintains the push connection with auto-reconnect, blocking
	// until ctx is cancelled.
	Run(ctx context.Context) error
}
