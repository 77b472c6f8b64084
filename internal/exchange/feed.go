package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nirre55/trading-engine/internal/logger"
	"github.com/nirre55/trading-engine/internal/types"
	"github.com/nirre55/trading-engine/pkg/errors"
)

const (
	futuresStreamURL        = "wss://fstream.binance.com/ws"
	futuresTestnetStreamURL = "wss://stream.binancefuture.com/ws"

	// Binance sends a ping every few minutes; a read stalling past this
	// means the connection is dead.
	feedReadTimeout = 3 * time.Minute
)

// klineEvent is the wire format of a kline stream message.
type klineEvent struct {
	EventType string `json:"e"`
	Kline     struct {
		StartTime int64  `json:"t"`
		EndTime   int64  `json:"T"`
		Symbol    string `json:"s"`
		Open      string `json:"o"`
		High      string `json:"h"`
		Low       string `json:"l"`
		Close     string `json:"c"`
		Volume    string `json:"v"`
		IsClosed  bool   `json:"x"`
	} `json:"k"`
}

// KlineFeed streams closed candles for one symbol and interval over a
// websocket connection. It performs no reconnection itself; the connection
// supervisor owns the dial/read/disconnect lifecycle.
type KlineFeed struct {
	url    string
	logger *logger.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewKlineFeed creates a feed for <symbol>@kline_<interval>.
func NewKlineFeed(symbol, interval string, useTestnet bool, log *logger.Logger) *KlineFeed {
	base := futuresStreamURL
	if useTestnet {
		base = futuresTestnetStreamURL
	}

	return &KlineFeed{
		url:    fmt.Sprintf("%s/%s@kline_%s", base, strings.ToLower(symbol), interval),
		logger: log,
	}
}

// Connect dials the stream. A previous connection, if any, is closed first.
func (f *KlineFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn != nil {
		_ = f.conn.Close()
		f.conn = nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeFeedSubscribeFailed, err, "failed to connect to %s", f.url)
	}

	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))

		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(10*time.Second))
	})

	_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))

	f.conn = conn
	f.logger.Info("kline feed connected", zap.String("url", f.url))

	return nil
}

// Next blocks until the next closed candle arrives. Open-candle updates are
// skipped. Any read failure returns ErrCodeFeedDisconnected; the caller must
// Connect again before the next call.
func (f *KlineFeed) Next() (types.Candle, error) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()

	if conn == nil {
		return types.Candle{}, errors.New(errors.ErrCodeFeedDisconnected, "feed not connected")
	}

	for {
		_ = conn.SetReadDeadline(time.Now().Add(feedReadTimeout))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return types.Candle{}, errors.Wrap(errors.ErrCodeFeedDisconnected, "feed read failed", err)
		}

		var event klineEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			f.logger.Warn("dropping malformed feed message", zap.Error(err))

			continue
		}

		if event.EventType != "kline" || !event.Kline.IsClosed {
			continue
		}

		return convertKlineEvent(event), nil
	}
}

// Close shuts the connection down. Safe to call on a closed feed.
func (f *KlineFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	err := f.conn.Close()
	f.conn = nil

	return err
}

func convertKlineEvent(event klineEvent) types.Candle {
	k := event.Kline

	c := types.Candle{
		Symbol:    k.Symbol,
		OpenTime:  time.UnixMilli(k.StartTime),
		CloseTime: time.UnixMilli(k.EndTime),
		Closed:    true,
	}

	c.Open, _ = strconv.ParseFloat(k.Open, 64)
	c.High, _ = strconv.ParseFloat(k.High, 64)
	c.Low, _ = strconv.ParseFloat(k.Low, 64)
	c.Close, _ = strconv.ParseFloat(k.Close, 64)
	c.Volume, _ = strconv.ParseFloat(k.Volume, 64)

	return c
}
