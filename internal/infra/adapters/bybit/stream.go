package bybit

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"

	"github.com/volitrade/sentinel/internal/infra/adapters/shared"
	"github.com/volitrade/sentinel/internal/observability"
)

const (
	// Bybit v5 public topics accept at most 10 args per subscribe request and
	// expect an application-level ping every 20 seconds.
	maxArgsPerRequest   = 10
	pingInterval        = 20 * time.Second
	controlWriteTimeout = 5 * time.Second
	readLimit           = 2 * 1024 * 1024
)

type wsRequest struct {
	ReqID string   `json:"req_id,omitempty"`
	Op    string   `json:"op"`
	Args  []string `json:"args,omitempty"`
}

type opResponse struct {
	Success *bool  `json:"success,omitempty"`
	RetMsg  string `json:"ret_msg,omitempty"`
	Op      string `json:"op,omitempty"`
	Topic   string `json:"topic,omitempty"`
}

// session owns one Stream invocation against the public linear endpoint.
type session struct {
	url     string
	topics  []string
	handler func([]byte) error
	metrics *shared.StreamMetrics

	backoffBase time.Duration
	backoffCap  time.Duration

	reqID atomic.Uint64
}

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

func (s *session) subscribeAll(ctx context.Context, conn *websocket.Conn) error {
	for _, chunk := range chunkArgs(s.topics, maxArgsPerRequest) {
		req := wsRequest{
			ReqID: strconv.FormatUint(s.reqID.Add(1), 10),
			Op:    "subscribe",
			Args:  chunk,
		}
		data, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("marshal subscribe request: %w", err)
		}
		writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
		err = conn.Write(writeCtx, websocket.MessageText, data)
		cancel()
		if err != nil {
			return fmt.Errorf("write subscribe request: %w", err)
		}
		s.metrics.RecordControl(ctx, len(chunk))
	}
	return nil
}

func chunkArgs(args []string, size int) [][]string {
	if len(args) == 0 {
		return nil
	}
	if size <= 0 || len(args) <= size {
		snapshot := make([]string, len(args))
		copy(snapshot, args)
		return [][]string{snapshot}
	}
	chunks := make([][]string, 0, (len(args)+size-1)/size)
	for start := 0; start < len(args); start += size {
		end := start + size
		if end > len(args) {
			end = len(args)
		}
		chunk := make([]string, end-start)
		copy(chunk, args[start:end])
		chunks = append(chunks, chunk)
	}
	return chunks
}

// pingLoop sends the application-level ping Bybit expects in place of
// websocket ping frames.
func (s *session) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	payload, err := json.Marshal(wsRequest{Op: "ping"})
	if err != nil {
		return fmt.Errorf("marshal ping: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("ping loop context done: %w", ctx.Err())
		case <-ticker.C:
			writeCtx, cancel := context.WithTimeout(ctx, controlWriteTimeout)
			start := time.Now()
			err := conn.Write(writeCtx, websocket.MessageText, payload)
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
				return fmt.Errorf("write ping: %w", err)
			}
		}
	}
}

// readLoop separates operation acknowledgements and pongs from topic data.
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

		var probe opResponse
		if err := json.Unmarshal(data, &probe); err != nil {
			s.logError("frame dropped", fmt.Errorf("decode frame: %w", err))
			continue
		}

		switch {
		case probe.Topic != "":
			if s.handler != nil {
				if err := s.handler(data); err != nil {
					s.logError("frame dropped", err)
				}
			}
		case probe.Op == "ping" || strings.EqualFold(probe.RetMsg, "pong"):
			// Pong acknowledgement.
		case probe.Success != nil && !*probe.Success:
			s.logError("operation rejected", fmt.Errorf("op=%s ret_msg=%s", probe.Op, probe.RetMsg))
		}
	}
}

func (s *session) logError(msg string, err error) {
	observability.Log().Error("bybit feed: "+msg, observability.F("error", err))
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
