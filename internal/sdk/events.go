package sdk

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	epEvents = "/api/v1/vault/events"

	wsChannelSize  = 64
	wsPingPeriod   = 15 * time.Second
	wsPingTimeout  = 5 * time.Second
	wsReconnectMin = time.Second
	wsReconnectMax = time.Minute
)

// EventsAPI maintains the notification stream. It reconnects with
// backoff until its context is cancelled; consumers read from
// Notifications and treat a closed channel as shutdown.
type EventsAPI struct {
	config    *Config
	notif     chan *VaultUpdateNotification
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func newEventsAPI(config *Config) *EventsAPI {
	return &EventsAPI{
		config: config,
		notif:  make(chan *VaultUpdateNotification, wsChannelSize),
	}
}

// Notifications returns the stream of remote vault updates.
func (e *EventsAPI) Notifications() <-chan *VaultUpdateNotification {
	return e.notif
}

// Connect starts the dial-read-reconnect loop in the background.
func (e *EventsAPI) Connect(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.closeChannel()
		e.run(ctx)
	}()
}

// Close waits for the background loop to exit; cancel the Connect
// context first.
func (e *EventsAPI) Close() {
	e.wg.Wait()
	e.closeChannel()
}

func (e *EventsAPI) closeChannel() {
	e.closeOnce.Do(func() {
		close(e.notif)
	})
}

func (e *EventsAPI) run(ctx context.Context) {
	backoff := wsReconnectMin
	for {
		if ctx.Err() != nil {
			return
		}

		err := e.connectOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil && !isExpectedClose(err) {
			slog.Warn("event socket", "error", err)
		}

		slog.Debug("event socket reconnecting", "in", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, wsReconnectMax)
	}
}

func (e *EventsAPI) connectOnce(ctx context.Context) error {
	header := http.Header{}
	if e.config.Token != "" {
		header.Set("Authorization", "Bearer "+e.config.Token)
	}

	conn, _, err := websocket.Dial(ctx, e.eventsURL(), &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "shutdown")

	slog.Info("event socket connected")

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go pingLoop(pingCtx, conn)

	for {
		var notification VaultUpdateNotification
		if err := wsjson.Read(ctx, conn, &notification); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case e.notif <- &notification:
		}
	}
}

func (e *EventsAPI) eventsURL() string {
	url := e.config.BaseURL
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return url + epEvents + "?vault=" + e.config.VaultName
}

func pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// isExpectedClose returns true for ordinary connection teardown.
func isExpectedClose(err error) bool {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, net.ErrClosed)
}
