package kalshi

import (
	"io"
	"log/slog"
	"sync"
	"testing"
)

func TestSubscribeMessageIDsAreUnique(t *testing.T) {
	t.Parallel()

	f := NewFeed("wss://example.invalid/ws", nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// Subscribe and the reconnect resubscribe path can race on the
	// message id. Every send must still get a distinct id.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// No live connection: the write fails, but the id is
			// consumed first.
			_ = f.sendSubscribe([]string{"KXBTC15M-26JAN1018-T45"})
		}()
	}
	wg.Wait()

	if got := f.msgID.Load(); got != 50 {
		t.Errorf("message id counter = %d, want 50 distinct ids", got)
	}
}
