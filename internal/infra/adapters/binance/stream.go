package binance

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"

	"github.com/volitrade/sentinel/internal/infra/adapters/shared"
	"github.com/volitrade/sentinel/internal/observability"
)

const (
	// Binance limits control messages (SUBSCRIBE/UNSUBSCRIBE, PING/PONG) to 5 per second per connection.
	// See: https://github.com/binance/binance-spot-api-docs/blob/master/web-socket-streams.md
	controlMessageInterval = 250 * time.Millisecond
	maxStreamsPerRequest   = 100
	pingInterval           = 30 * time.Second
	pingTimeout            = 5 * time.Second
	controlWriteTimeout    = 5 * time.Second
	readLimit              = 2 * 1024 * 1024
)

// session owns one Stream invocation: a dial loop with a fixed topic set,
// replayed after every reconnect.
type session struct {
	url     string
	topics  []string
	handler func([]byte) error
	metrics *shared.StreamMetrics

	backoffBase time.Duration
	backoffCap  time.Duration

	msgIDGen atomic.Uint64
}

type subscribeRequest struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     uint64   `json:"id"`
}

type subscribeResponse struct {
	Result *json.RawMessage `json:"result"`
	ID     uint64           `json:"id"`
	Error  *wsError         `json:"error,omitempty"`
}

type wsError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// run keeps a single websocket session alive until ctx terminates. Each
// iteration dials, replays the topic subscriptions, and coordinates a
// reader/pinger goroutine pair for the connection.
func (s *session) run(ctx context.Context) error {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = s.backoffBase
	backoffCfg.MaxInterval = s.backoffCap

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		conn, _, err := websocket.Dial(ctx, s.url, nil)
		if err != nil {
			s.metrics.RecordReconnect(ctx, "error")
			s.logError("dial failed", err)
			if !sleepBackoff(ctx, backoffCfg, s.backoffCap) {
				return ctx.Err()
			}
			continue
		}

		s.metrics.RecordReconnect(ctx, "success")
		conn.SetReadLimit(readLimit)

		if err := s.subscribeAll(ctx, conn); err != nil {
			s.logError("subscribe failed", err)
		}

		backoffCfg.Reset()

		// Read and ping loops are isolated per connection so either can
		// cancel the other.
		connCtx, connCancel := context.WithCancel(ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)

		go func() {
			defer wg.Done()
			errCh <- s.readLoop(connCtx, conn)
		}()

		go func() {
			defer wg.Done()
			errCh <- s.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()
		close(errCh)

		aggregatedErr := firstErr
		for e := range errCh {
			if aggregatedErr == nil || errors.Is(aggregatedErr, context.Canceled) || errors.Is(aggregatedErr, context.DeadlineExceeded) {
				aggregatedErr = e
			}
		}

		if aggregatedErr != nil && !errors.Is(aggregatedErr, context.Canceled) && !errors.Is(aggregatedErr, context.DeadlineExceeded) {
			s.logError("connection loop failed", aggregatedErr)
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !sleepBackoff(ctx, backoffCfg, s.backoffCap) {
			return ctx.Err()
		}
	}
}

// subscribeAll sends the full topic set in paced SUBSCRIBE batches so large
// watch sets stay under the per-connection control-message rate limit.
func (s *session) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	chunks := chunkTopics(s.topics, maxStreamsPerRequest)
	for i, chunk := range chunks {
		if i > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(controlMessageInterval):
			}
		}

		req := subscribeRequest{
			Method: "SUBSCRIBE",
			Params: chunk,
			ID:     s.msgIDGen.Add(1),
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal SUBSCRIBE request: %w", err)
		}

		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write SUBSCRIBE request: %w", err)
		}

		s.metrics.RecordControl(ctx, len(chunk))
	}
	return nil
}

func chunkTopics(topics []string, size int) [][]string {
	if len(topics) == 0 {
		return nil
	}
	if size <= 0 || len(topics) <= size {
		snapshot := make([]string, len(topics))
		copy(snapshot, topics)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(topics)+size-1)/size)
	for start := 0; start < len(topics); start += size {
		end := start + size
		if end > len(topics) {
			end = len(topics)
		}
		chunk := make([]string, end-start)
		copy(chunk, topics[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// pingLoop keeps the connection alive and detects stale sockets.
func (s *session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
			start := time.Now()
			err := conn.Ping(pingCtx)
			cancel()
			result := "success"
			if err != nil {
				result = "error"
			}
			s.metrics.RecordPing(ctx, time.Since(start), result)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return context.Canceled
				}
				if errors.Is(err, net.ErrClosed) {
					return context.Canceled
				}
				if status := websocket.CloseStatus(err); status != -1 {
					return fmt.Errorf("ping: remote closed with status %d", status)
				}
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}

// readLoop distinguishes control responses from stream data and feeds the
// latter to the handler.
func (s *session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return context.Canceled
			}
			if errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return context.Canceled
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}

		if msgType != websocket.MessageText {
			continue
		}

		s.metrics.RecordMessage(ctx, len(data))

		var resp subscribeResponse
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID > 0 {
			if resp.Error != nil {
				s.logError("subscribe rejected", fmt.Errorf("id=%d code=%d msg=%s", resp.ID, resp.Error.Code, resp.Error.Msg))
			}
			continue
		}

		if s.handler != nil {
			if err := s.handler(data); err != nil {
				s.logError("frame dropped", err)
			}
		}
	}
}

func (s *session) logError(msg string, err error) {
	observability.Log().Error("binance feed: "+msg, observability.F("error", err))
}

func sleepBackoff(ctx context.Context, cfg *backoff.ExponentialBackOff, maxInterval time.Duration) bool {
	sleep := cfg.NextBackOff()
	if sleep == backoff.Stop {
		sleep = maxInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(sleep):
		return true
	}
}
