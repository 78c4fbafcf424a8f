package bybit

import (
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	tickersPath      string
}

var bybitMetadata = metadata{
	apiBaseURL:       "https://api.bybit.com",
	websocketBaseURL: "wss://stream.bybit.com/v5/public/linear",
	identifier:       "bybit",
	tickersPath:      "/v5/market/tickers",
}

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Options configure the Bybit linear perpetuals feed.
type Options struct {
	WebsocketURL string
	APIBaseURL   string
	HTTPTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = bybitMetadata
	if strings.TrimSpace(in.WebsocketURL) == "" {
		in.WebsocketURL = in.metadata.websocketBaseURL
	}
	if strings.TrimSpace(in.APIBaseURL) == "" {
		in.APIBaseURL = in.metadata.apiBaseURL
	}
	in.APIBaseURL = strings.TrimSuffix(strings.TrimSpace(in.APIBaseURL), "/")
	if in.HTTPTimeout <= 0 {
		in.HTTPTimeout = defaultHTTPTimeout
	}
	if in.BackoffBase <= 0 {
		in.BackoffBase = defaultBackoffBase
	}
	if in.BackoffCap < in.BackoffBase {
		in.BackoffCap = defaultBackoffCap
	}
	return in
}

func (o Options) tickersEndpoint() string {
	return o.metadata.tickersPath
}
