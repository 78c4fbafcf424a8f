// Package telegram delivers cards, replies, and private texts through the
// Telegram Bot API.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/volitrade/sentinel/errs"
	"github.com/volitrade/sentinel/internal/domain/notify"
)

const (
	defaultAPIBaseURL  = "https://api.telegram.org"
	defaultCallTimeout = 10 * time.Second
	defaultRatePerSec  = 25
)

// Options configures the notifier. Only Token is required.
type Options struct {
	Token      string
	APIBaseURL string
	// CallTimeout bounds each Bot API call, limiter wait included. Zero
	// means 10s.
	CallTimeout time.Duration
	// RatePerSec caps outbound calls across all chats. Telegram enforces
	// roughly 30 messages per second globally; zero means 25.
	RatePerSec float64
	// Burst is the limiter bucket size. Zero means RatePerSec.
	Burst int
}

// Notifier is a notify.Notifier backed by the Bot API. Calls are never
// retried: sendMessage is not idempotent and a retried timeout double-posts.
type Notifier struct {
	token   string
	rest    *resty.Client
	limiter *rate.Limiter
	timeout time.Duration
}

var _ notify.Notifier = (*Notifier)(nil)

// New constructs a notifier with defaulted options.
func New(opts Options) *Notifier {
	base := opts.APIBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}
	timeout := opts.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	perSec := opts.RatePerSec
	if perSec <= 0 {
		perSec = defaultRatePerSec
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = int(perSec)
	}

	client := resty.New().SetBaseURL(base)
	client.JSONMarshal = json.Marshal
	client.JSONUnmarshal = json.Unmarshal

	return &Notifier{
		token:   opts.Token,
		rest:    client,
		limiter: rate.NewLimiter(rate.Limit(perSec), burst),
		timeout: timeout,
	}
}

// PostToChannel sends a card to a broadcast channel and returns its ref.
func (n *Notifier) PostToChannel(ctx context.Context, channelID int64, card notify.Card) (notify.MessageRef, error) {
	result, err := n.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:         channelID,
		Text:           card.Text,
		ParseMode:      "MarkdownV2",
		DisablePreview: true,
		ReplyMarkup:    keyboard(card.Buttons),
	})
	if err != nil {
		return notify.MessageRef{}, err
	}
	return notify.MessageRef{ChatID: result.Chat.ID, MessageID: result.MessageID}, nil
}

// EditCard rewrites a previously posted card in place. Telegram rejects
// edits that change nothing; that answer counts as success.
func (n *Notifier) EditCard(ctx context.Context, ref notify.MessageRef, card notify.Card) error {
	_, err := n.call(ctx, "editMessageText", editMessageRequest{
		ChatID:      ref.ChatID,
		MessageID:   ref.MessageID,
		Text:        card.Text,
		ParseMode:   "MarkdownV2",
		ReplyMarkup: keyboard(card.Buttons),
	})
	if err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

// PostReply threads a text under an existing message.
func (n *Notifier) PostReply(ctx context.Context, ref notify.MessageRef, text string) (notify.MessageRef, error) {
	result, err := n.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:           ref.ChatID,
		Text:             text,
		ParseMode:        "MarkdownV2",
		DisablePreview:   true,
		ReplyToMessageID: ref.MessageID,
	})
	if err != nil {
		return notify.MessageRef{}, err
	}
	return notify.MessageRef{ChatID: result.Chat.ID, MessageID: result.MessageID}, nil
}

// SendPrivateText messages a user directly.
func (n *Notifier) SendPrivateText(ctx context.Context, chatID int64, text string) error {
	_, err := n.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:         chatID,
		Text:           text,
		ParseMode:      "MarkdownV2",
		DisablePreview: true,
	})
	return err
}

func (n *Notifier) call(ctx context.Context, method string, payload any) (messageResult, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	if err := n.limiter.Wait(ctx); err != nil {
		return messageResult{}, errs.New("notify/telegram", errs.KindNotifier,
			errs.WithMessage("rate limit wait aborted"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}

	var envelope apiResponse
	resp, err := n.rest.R().
		SetContext(ctx).
		SetBody(payload).
		SetResult(&envelope).
		SetError(&envelope).
		Post("/bot" + n.token + "/" + method)
	if err != nil {
		return messageResult{}, errs.New("notify/telegram", errs.KindNotifier,
			errs.WithMessage(method+" request failed"),
			errs.WithField("method", method),
			errs.WithCause(err))
	}
	if !envelope.OK {
		return messageResult{}, errs.New("notify/telegram", errs.KindNotifier,
			errs.WithMessage(method+" rejected"),
			errs.WithField("method", method),
			errs.WithHTTP(resp.StatusCode()),
			errs.WithRawCode(strconv.Itoa(envelope.ErrorCode)),
			errs.WithRawMessage(envelope.Description))
	}
	if resp.StatusCode() != http.StatusOK {
		return messageResult{}, errs.New("notify/telegram", errs.KindNotifier,
			errs.WithMessage(method+" returned unexpected status"),
			errs.WithField("method", method),
			errs.WithHTTP(resp.StatusCode()))
	}
	return envelope.Result, nil
}

// isNotModified detects the edit answer meaning the card already reads as
// requested.
func isNotModified(err error) bool {
	var e *errs.E
	if !errors.As(err, &e) {
		return false
	}
	return strings.Contains(e.RawMsg, "message is not modified")
}

func keyboard(buttons []notify.Button) *replyMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]inlineButton, len(buttons))
	for i, button := range buttons {
		row[i] = inlineButton{Text: button.Label, CallbackData: button.Data}
	}
	return &replyMarkup{InlineKeyboard: [][]inlineButton{row}}
}

type sendMessageRequest struct {
	ChatID           int64        `json:"chat_id"`
	Text             string       `json:"text"`
	ParseMode        string       `json:"parse_mode"`
	DisablePreview   bool         `json:"disable_web_page_preview"`
	ReplyToMessageID int64        `json:"reply_to_message_id,omitempty"`
	ReplyMarkup      *replyMarkup `json:"reply_markup,omitempty"`
}

type editMessageRequest struct {
	ChatID      int64        `json:"chat_id"`
	MessageID   int64        `json:"message_id"`
	Text        string       `json:"text"`
	ParseMode   string       `json:"parse_mode"`
	ReplyMarkup *replyMarkup `json:"reply_markup,omitempty"`
}

type replyMarkup struct {
	InlineKeyboard [][]inlineButton `json:"inline_keyboard"`
}

type inlineButton struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data"`
}

type apiResponse struct {
	OK          bool          `json:"ok"`
	Result      messageResult `json:"result"`
	ErrorCode   int           `json:"error_code"`
	Description string        `json:"description"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
	Chat      struct {
		ID int64 `json:"id"`
	} `json:"chat"`
}
