package lifecycle

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/volitrade/sentinel/internal/domain/notify"
	"github.com/volitrade/sentinel/internal/domain/signal"
	"github.com/volitrade/sentinel/internal/observability"
)

const notifyTimeout = 10 * time.Second

// dispatchNotices hands the transition's messages to the fan-out pool. The
// task is detached from the caller's cancellation: the transition committed,
// so the notices go out even if the initiating request is gone.
func (s *Service) dispatchNotices(ctx context.Context, res *result) {
	if len(res.notices) == 0 {
		return
	}
	state := *res.state
	notices := res.notices
	detached := context.WithoutCancel(ctx)
	if s.tasks == nil {
		s.fanout(detached, state, notices)
		return
	}
	err := s.tasks.Submit(detached, func(ctx context.Context) error {
		s.fanout(ctx, state, notices)
		return nil
	})
	if err != nil {
		s.logNotifyErr("notification fan-out rejected", state.kind, state.id, err)
	}
}

// fanout delivers one transition's notices. Recommendations re-render their
// broadcast cards and thread the notices under each; user trades get direct
// messages. Every failure is absorbed: authoritative state is already
// committed and a stale card is repaired by the next edit.
func (s *Service) fanout(ctx context.Context, v view, notices []string) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if v.kind == signal.KindUserTrade {
		s.notifyTradeOwner(ctx, v, notices)
		return
	}
	s.refreshCards(ctx, v.id, notices)
}

func (s *Service) notifyTradeOwner(ctx context.Context, v view, notices []string) {
	user, err := s.store.GetUser(ctx, v.ownerID)
	if err != nil {
		s.logNotifyErr("trade owner lookup failed", v.kind, v.id, err)
		return
	}
	header := notify.TradeHeader(v.symbol, v.side)
	for _, body := range notices {
		if err := s.notifier.SendPrivateText(ctx, user.ChatID, header+body); err != nil {
			s.logNotifyErr("direct message failed", v.kind, v.id, err)
		}
	}
}

func (s *Service) refreshCards(ctx context.Context, id uuid.UUID, notices []string) {
	rec, err := s.store.GetRecommendation(ctx, id)
	if err != nil {
		s.logNotifyErr("recommendation reload failed", signal.KindRecommendation, id, err)
		return
	}
	msgs, err := s.store.ListPublishedMessages(ctx, id)
	if err != nil {
		s.logNotifyErr("published message lookup failed", signal.KindRecommendation, id, err)
		return
	}
	if len(msgs) == 0 {
		return
	}
	card := notify.RecommendationCard(rec, s.hitTargets(ctx, id))
	for _, msg := range msgs {
		ref := notify.MessageRef{ChatID: msg.ChannelID, MessageID: msg.MessageID}
		if err := s.notifier.EditCard(ctx, ref, card); err != nil {
			s.logNotifyErr("card edit failed", signal.KindRecommendation, id, err)
		}
		for _, body := range notices {
			if _, err := s.notifier.PostReply(ctx, ref, body); err != nil {
				s.logNotifyErr("card reply failed", signal.KindRecommendation, id, err)
			}
		}
	}
}

// hitTargets derives the filled-target markers from the event log.
func (s *Service) hitTargets(ctx context.Context, id uuid.UUID) map[int]bool {
	events, err := s.store.ListRecommendationEvents(ctx, id)
	if err != nil {
		s.logNotifyErr("event log read failed", signal.KindRecommendation, id, err)
		return nil
	}
	hits := make(map[int]bool)
	for _, event := range events {
		if n, ok := signal.ParseTPHit(event.Type); ok {
			hits[n] = true
		}
	}
	return hits
}

func (s *Service) logNotifyErr(msg string, kind signal.EntityKind, id uuid.UUID, err error) {
	observability.Log().Error(msg,
		observability.F("error", err),
		observability.F("kind", string(kind)),
		observability.F("entity", id.String()))
}
