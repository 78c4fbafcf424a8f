package binance

import (
	"strings"
	"time"
)

type metadata struct {
	apiBaseURL       string
	websocketBaseURL string
	identifier       string
	tickerPricePath  string
}

var binanceMetadata = metadata{
	apiBaseURL:       "https://fapi.binance.com",
	websocketBaseURL: "wss://fstream.binance.com/ws",
	identifier:       "binance",
	tickerPricePath:  "/fapi/v1/ticker/price",
}

const (
	defaultHTTPTimeout = 10 * time.Second
	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// Options configure the Binance futures feed.
type Options struct {
	WebsocketURL string
	APIBaseURL   string
	HTTPTimeout  time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration

	metadata metadata
}

func withDefaults(in Options) Options {
	in.metadata = binanceMetadata
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

func (o Options) tickerPriceEndpoint() string {
	return o.metadata.tickerPricePath
}
