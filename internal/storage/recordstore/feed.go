package recordstore

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/keepsakehq/keepsake/internal/auth"
)

const (
	feedDialTimeout    = 10 * time.Second
	feedBackoffInitial = time.Second
	feedBackoffMax     = 30 * time.Second
)

// feedEvent is one frame on the zone change feed.
type feedEvent struct {
	Type     string     `json:"type"`
	Record   wireRecord `json:"record"`
	RecordID string     `json:"recordId"`
}

const (
	eventRecordCreated = "record.created"
	eventRecordUpdated = "record.updated"
	eventRecordDeleted = "record.deleted"
)

// changeFeed keeps a websocket subscription to the zone feed alive,
// redialing with backoff until stopped. Events are delivered on the
// reader goroutine; the handler must not block.
type changeFeed struct {
	url     string
	tokens  auth.Provider
	logger  *slog.Logger
	onEvent func(feedEvent)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newChangeFeed(url string, tokens auth.Provider, logger *slog.Logger, onEvent func(feedEvent)) *changeFeed {
	ctx, cancel := context.WithCancel(context.Background())
	return &changeFeed{
		url:     url,
		tokens:  tokens,
		logger:  logger,
		onEvent: onEvent,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (f *changeFeed) start() {
	f.wg.Add(1)
	go f.run()
}

// stop tears the connection down and waits for the reader to exit.
// Must not be called while holding locks the event handler takes.
func (f *changeFeed) stop() {
	f.cancel()
	f.wg.Wait()
}

func (f *changeFeed) run() {
	defer f.wg.Done()

	backoff := feedBackoffInitial
	for {
		if f.ctx.Err() != nil {
			return
		}

		connected, err := f.dialAndRead()
		if f.ctx.Err() != nil {
			return
		}
		if connected {
			backoff = feedBackoffInitial
		}
		f.logger.Warn("change feed disconnected",
			"error", err,
			"retry_in", backoff)

		select {
		case <-f.ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > feedBackoffMax {
			backoff = feedBackoffMax
		}
	}
}

// dialAndRead connects once and reads frames until the connection
// drops. connected reports whether the dial succeeded so the caller
// can reset its backoff.
func (f *changeFeed) dialAndRead() (connected bool, err error) {
	token, err := f.tokens.AccessToken(f.ctx)
	if err != nil {
		return false, err
	}

	dialCtx, cancel := context.WithTimeout(f.ctx, feedDialTimeout)
	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": {"Bearer " + token}},
	})
	cancel()
	if err != nil {
		return false, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "feed stopped") //nolint:errcheck

	f.logger.Debug("change feed connected", "url", f.url)

	for {
		var ev feedEvent
		if err := wsjson.Read(f.ctx, conn, &ev); err != nil {
			return true, err
		}
		f.onEvent(ev)
	}
}
