// Package realtime listens for server-pushed invalidation events and
// settles the affected cache regions.
package realtime

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/unkn0wn-root/optisync"
)

const defaultReconnect = 2 * time.Second

// Event is one pushed message. Only "invalidate" is acted on.
type Event struct {
	Type   string            `json:"type"`
	Entity string            `json:"entity"`
	ID     string            `json:"id,omitempty"`
	Filter map[string]string `json:"filter,omitempty"`
}

// Region returns the cache region an invalidate event names.
func (e Event) Region() optisync.Region {
	return optisync.Region{Type: optisync.EntityType(e.Entity), ID: e.ID, Filter: e.Filter}
}

// Settler is satisfied by *optisync.Reconciler.
type Settler interface {
	Settle(ctx context.Context, regions ...optisync.Region) []optisync.Key
}

type Options struct {
	URL       string
	Header    http.Header // sent on every dial, e.g. Authorization
	Reconnect time.Duration
	Dialer    *websocket.Dialer
	Logger    optisync.Logger
}

type Listener struct {
	url       string
	header    http.Header
	reconnect time.Duration
	dialer    *websocket.Dialer
	settler   Settler
	log       optisync.Logger

	dials   atomic.Uint64
	handled atomic.Uint64
}

func New(settler Settler, opts Options) (*Listener, error) {
	if opts.URL == "" {
		return nil, errors.New("realtime: URL is required")
	}
	if settler == nil {
		return nil, errors.New("realtime: settler is required")
	}
	l := &Listener{
		url:       opts.URL,
		header:    opts.Header,
		reconnect: opts.Reconnect,
		dialer:    opts.Dialer,
		settler:   settler,
		log:       opts.Logger,
	}
	if l.reconnect <= 0 {
		l.reconnect = defaultReconnect
	}
	if l.dialer == nil {
		l.dialer = websocket.DefaultDialer
	}
	if l.log == nil {
		l.log = optisync.NopLogger{}
	}
	return l, nil
}

// Run reads events until ctx is cancelled, redialing after a fixed delay
// whenever the connection drops. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	for {
		err := l.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.log.Warn("realtime disconnected", optisync.Fields{"err": err, "retry_in": l.reconnect})
		t := time.NewTimer(l.reconnect)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Dials counts connection attempts.
func (l *Listener) Dials() uint64 { return l.dials.Load() }

// Handled counts invalidate events that were settled.
func (l *Listener) Handled() uint64 { return l.handled.Load() }

func (l *Listener) session(ctx context.Context) error {
	l.dials.Add(1)
	conn, resp, err := l.dialer.DialContext(ctx, l.url, l.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	l.log.Info("realtime connected", optisync.Fields{"url": l.url})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			var se *websocket.CloseError
			if errors.As(err, &se) && se.Code == websocket.CloseNormalClosure {
				return nil
			}
			return err
		}
		l.handle(ctx, ev)
	}
}

func (l *Listener) handle(ctx context.Context, ev Event) {
	switch ev.Type {
	case "invalidate":
		if ev.Entity == "" {
			l.log.Warn("realtime event without entity", optisync.Fields{"type": ev.Type})
			return
		}
		r := ev.Region()
		keys := l.settler.Settle(ctx, r)
		l.handled.Add(1)
		l.log.Debug("realtime invalidate", optisync.Fields{"region": r.String(), "keys": len(keys)})
	default:
		l.log.Debug("realtime event ignored", optisync.Fields{"type": ev.Type})
	}
}
