package service

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/totegamma/affiliate-ledger"
)

// SignalService fans ledger events out through a redis channel so every
// instance's realtime subscribers see them.
type SignalService struct {
	rdb     *redis.Client
	channel string
}

func NewSignalService(redisClient *redis.Client, channel string) *SignalService {
	return &SignalService{
		rdb:     redisClient,
		channel: channel,
	}
}

func (s *SignalService) Publish(ctx context.Context, event affiliate.LedgerEvent) error {

	jsonstr, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "SignalService.Publish: marshal failed")
	}

	err = s.rdb.Publish(ctx, s.channel, jsonstr).Err()
	if err != nil {
		return errors.Wrap(err, "SignalService.Publish: publish failed")
	}

	return nil
}

func (s *SignalService) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Realtime forwards events to output until ctx is done. A slice received on
// input replaces the set of affiliate ids to forward; an empty set forwards
// everything.
func (s *SignalService) Realtime(ctx context.Context, input <-chan []string, output chan<- affiliate.LedgerEvent) {
	pubsub := s.rdb.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	messages := pubsub.Channel()
	filter := newEventFilter(nil)

	for {
		select {
		case <-ctx.Done():
			return
		case ids, ok := <-input:
			if !ok {
				return
			}
			filter = newEventFilter(ids)
		case msg, ok := <-messages:
			if !ok {
				return
			}
			var event affiliate.LedgerEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				slog.WarnContext(
					ctx, "dropping malformed event",
					slog.String("module", "signal"),
					slog.String("error", err.Error()),
				)
				continue
			}
			if !filter.match(event) {
				continue
			}
			select {
			case output <- event:
			case <-ctx.Done():
				return
			}
		}
	}
}

type eventFilter map[string]struct{}

func newEventFilter(ids []string) eventFilter {
	f := make(eventFilter, len(ids))
	for _, id := range ids {
		f[id] = struct{}{}
	}
	return f
}

func (f eventFilter) match(event affiliate.LedgerEvent) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[event.AffiliateID]
	return ok
}
