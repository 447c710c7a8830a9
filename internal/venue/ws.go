package venue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MidsCache holds the latest mid prices pushed over the websocket.
// Keys are perp coin names and spot market names as the venue reports
// them on the allMids channel.
type MidsCache struct {
	mu   sync.RWMutex
	mids map[string]float64
}

func NewMidsCache() *MidsCache {
	return &MidsCache{mids: make(map[string]float64)}
}

func (c *MidsCache) Get(key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	px, ok := c.mids[key]
	return px, ok && px > 0
}

func (c *MidsCache) update(mids map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, raw := range mids {
		if px, ok := floatFromAny(raw); ok {
			c.mids[key] = px
		}
	}
}

// Feed maintains a websocket subscription to the allMids channel and
// keeps a MidsCache current. It reconnects with a fixed delay and
// replays its subscription after each reconnect.
type Feed struct {
	url            string
	reconnectDelay time.Duration
	pingInterval   time.Duration
	cache          *MidsCache
	log            *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewFeed(url string, reconnectDelay time.Duration, cache *MidsCache, log *zap.Logger) *Feed {
	if log == nil {
		log = zap.NewNop()
	}
	if reconnectDelay <= 0 {
		reconnectDelay = 5 * time.Second
	}
	return &Feed{
		url:            url,
		reconnectDelay: reconnectDelay,
		pingInterval:   30 * time.Second,
		cache:          cache,
		log:            log,
	}
}

// Run blocks until ctx is canceled, dialing and redialing as needed.
func (f *Feed) Run(ctx context.Context) error {
	for {
		if err := f.connectAndSubscribe(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Warn("ws connect failed", zap.Error(err))
		} else {
			pingCtx, cancel := context.WithCancel(ctx)
			pingDone := make(chan struct{})
			go func() {
				defer close(pingDone)
				f.pingLoop(pingCtx)
			}()
			err := f.readLoop(ctx)
			cancel()
			<-pingDone
			if ctx.Err() != nil {
				f.closeConn()
				return ctx.Err()
			}
			f.logReadLoopError(err)
			f.closeConn()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *Feed) connectAndSubscribe(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	sub := map[string]any{
		"method":       "subscribe",
		"subscription": map[string]any{"type": "allMids"},
	}
	if err := writeJSON(ctx, conn, sub); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.log.Info("ws connected", zap.String("url", f.url))
	return nil
}

func (f *Feed) readLoop(ctx context.Context) error {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		f.handle(data)
	}
}

type allMidsMessage struct {
	Channel string `json:"channel"`
	Data    struct {
		Mids map[string]string `json:"mids"`
	} `json:"data"`
}

func (f *Feed) handle(data []byte) {
	var msg allMidsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	if msg.Channel != "allMids" || f.cache == nil {
		return
	}
	f.cache.update(msg.Data.Mids)
}

func (f *Feed) pingLoop(ctx context.Context) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		return
	}
	ticker := time.NewTicker(f.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

func (f *Feed) logReadLoopError(err error) {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		f.log.Info("ws read loop ended", zap.Error(err))
		return
	}
	f.log.Warn("ws read loop ended", zap.Error(err))
}

func (f *Feed) closeConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}
