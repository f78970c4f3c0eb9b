// Copyright (C) 2025, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package pricefeed

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsInitialBackoff = 1 * time.Second
	wsMaxBackoff     = 60 * time.Second
)

type binanceCombinedMessage struct {
	Stream string `json:"stream"`
	Data   struct {
		Symbol     string `json:"s"`
		ClosePrice string `json:"c"`
	} `json:"data"`
}

// runBinanceWebSocket subscribes to combined @ticker streams for every
// tracked symbol and writes close prices straight into cache,
// reconnecting with exponential backoff on error or close, matching
// start_binance_websocket. Unlike the source's channel handoff to a
// separate consumer task, writes land directly in cache.UpdateBatch
// since Cache is already safe for concurrent use from the read side —
// no intermediate channel buys anything extra in Go.
func (u *ExternalUpdater) runBinanceWebSocket(ctx context.Context) {
	if len(u.symbolToAddress) == 0 {
		return
	}

	streams := make([]string, 0, len(u.symbolToAddress))
	for symbol := range u.symbolToAddress {
		streams = append(streams, strings.ToLower(symbol)+"@ticker")
	}
	target := "wss://stream.binance.com:9443/stream?streams=" + strings.Join(streams, "/")

	backoff := wsInitialBackoff
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if err := u.runBinanceWebSocketOnce(ctx, target); err != nil {
			u.log.Warn("pricefeed: binance websocket disconnected", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxBackoff {
			backoff = wsMaxBackoff
		}
	}
}

func (u *ExternalUpdater) runBinanceWebSocketOnce(ctx context.Context, target string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	u.log.Info("pricefeed: binance websocket connected", zap.Int("symbols", len(u.symbolToAddress)))

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg binanceCombinedMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		addr, ok := u.symbolToAddress[msg.Data.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(msg.Data.ClosePrice, 64)
		if err != nil || !validPrice(price) {
			continue
		}
		u.cache.UpdateBatch(map[common.Address]float64{addr: price}, SourceChainlink)
	}
}
