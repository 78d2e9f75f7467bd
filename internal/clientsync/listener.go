package clientsync

import (
	"context"
	"errors"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tabgrove/spacesync/internal/spacesync"
)

const (
	listenerReconnectBase = 500 * time.Millisecond
	listenerReconnectMax  = 10 * time.Second
)

// Listener keeps a notification socket open and feeds every received
// message into the syncer. Push delivery is best effort, so the listener
// runs a full reconcile after every (re)connect and whenever a bulk
// message arrives.
type Listener struct {
	url    string
	syncer *Syncer
	logger Logger
}

func NewListener(url string, syncer *Syncer, logger Logger) *Listener {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Listener{url: url, syncer: syncer, logger: logger}
}

// Run blocks until ctx is cancelled, reconnecting with backoff on any
// socket failure.
func (l *Listener) Run(ctx context.Context) error {
	delay := listenerReconnectBase
	for {
		err := l.runOnce(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			l.logger.Printf("notification socket: %v", err)
		}
		if waitErr := waitWithContext(ctx, delay); waitErr != nil {
			return waitErr
		}
		delay *= 2
		if delay > listenerReconnectMax {
			delay = listenerReconnectMax
		}
	}
}

func (l *Listener) runOnce(ctx context.Context) error {
	dialCtx, cancelDial := context.WithTimeout(ctx, 10*time.Second)
	conn, _, err := websocket.Dial(dialCtx, l.url, nil)
	cancelDial()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Anything pushed before the socket came up was missed.
	if err := l.syncer.ReconcileFull(ctx); err != nil {
		return err
	}

	for {
		var msg spacesync.BroadcastMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if l.syncer.ApplyBroadcast(msg) {
			if err := l.syncer.ReconcileFull(ctx); err != nil {
				l.logger.Printf("reconcile after bulk update: %v", err)
			}
		}
	}
}
