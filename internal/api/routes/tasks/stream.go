package tasks

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahrav/market-scout/internal/api/errs"
	"github.com/ahrav/market-scout/internal/api/mid"
	"github.com/ahrav/market-scout/internal/app/stream"
	"github.com/ahrav/market-scout/internal/domain/dispatch"
	"github.com/ahrav/market-scout/pkg/web"
)

const writeWait = 10 * time.Second

// stream pushes task events over a WebSocket until every subscribed task is
// terminal or the client goes away.
func (h handlers) stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tokenID, _ := mid.GetTokenID(ctx)
	hash := web.Param(r, "hash")

	ids, err := h.resolve(ctx, tokenID, hash)
	if err != nil {
		errs.Respond(ctx, w, err)
		return
	}

	if !h.limiter.Acquire(ctx) {
		errs.Respond(ctx, w, errs.Newf(errs.Unavailable, "open websocket limit of %d reached", h.limiter.Limit()))
		return
	}
	defer h.limiter.Release(context.WithoutCancel(ctx))

	subs := make([]*stream.Subscription, 0, len(ids))
	defer func() {
		for _, s := range subs {
			s.Close()
		}
	}()
	for _, id := range ids {
		sub, err := h.streams.Subscribe(ctx, id)
		if err != nil {
			errs.Respond(ctx, w, err)
			return
		}
		subs = append(subs, sub)
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		h.log.Warn(ctx, "websocket upgrade failed", "hash", hash, "error", err)
		return
	}
	defer conn.Close()

	h.log.Debug(ctx, "stream opened", "hash", hash, "tasks", len(subs))
	h.pump(ctx, conn, subs)
	h.log.Debug(ctx, "stream closed", "hash", hash)
}

func (h handlers) pump(ctx context.Context, conn *websocket.Conn, subs []*stream.Subscription) {
	done := make(chan struct{})
	defer close(done)

	events := merge(done, subs)
	clientGone := h.readControl(conn)

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "all tasks terminal")
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.log.Debug(ctx, "writing stream event", "task_id", ev.Task.ID, "error", err)
				return
			}

		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}

		case <-clientGone:
			return

		case <-ctx.Done():
			return
		}
	}
}

// readControl drains the connection so control frames are processed. The
// returned channel is closed when the client disconnects or stops answering
// pings.
func (h handlers) readControl(conn *websocket.Conn) <-chan struct{} {
	gone := make(chan struct{})

	deadline := func() time.Time { return time.Now().Add(2 * h.pingInterval) }
	_ = conn.SetReadDeadline(deadline())
	conn.SetPongHandler(func(string) error { return conn.SetReadDeadline(deadline()) })

	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()
	return gone
}

// merge fans the events of every subscription into one channel, which is
// closed once all subscriptions have ended.
func merge(done <-chan struct{}, subs []*stream.Subscription) <-chan dispatch.TaskEvent {
	out := make(chan dispatch.TaskEvent)

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(s *stream.Subscription) {
			defer wg.Done()
			for ev := range s.Events() {
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
		}(sub)
	}

	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
