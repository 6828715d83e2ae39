package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/dto"
)

const defaultNotificationFeedCap = 100

// UnreadLedger keeps per-recipient, per-chat unread counters and a capped notification feed.
// All operations treat missing state as zero.
type UnreadLedger interface {
	Increment(ctx context.Context, recipientID, chatID string) (int64, int64, error)
	Clear(ctx context.Context, recipientID, chatID string) (int64, error)
	Record(ctx context.Context, recipientID string, record dto.NotificationRecord) error
	Snapshot(ctx context.Context, recipientID string) (dto.LedgerSnapshot, error)
	MarkFeedRead(ctx context.Context, recipientID string, ids []string) error
}

type memoryUnreadLedger struct {
	mu       sync.Mutex
	feedCap  int
	counters map[string]map[string]int64
	feeds    map[string][]dto.NotificationRecord
}

// NewMemoryUnreadLedger constructs a ledger held in process memory.
func NewMemoryUnreadLedger(feedCap int) UnreadLedger {
	if feedCap <= 0 {
		feedCap = defaultNotificationFeedCap
	}
	return &memoryUnreadLedger{
		feedCap:  feedCap,
		counters: make(map[string]map[string]int64),
		feeds:    make(map[string][]dto.NotificationRecord),
	}
}

func (l *memoryUnreadLedger) Increment(_ context.Context, recipientID, chatID string) (int64, int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chats, ok := l.counters[recipientID]
	if !ok {
		chats = make(map[string]int64)
		l.counters[recipientID] = chats
	}
	chats[chatID]++
	return chats[chatID], sumCounts(chats), nil
}

func (l *memoryUnreadLedger) Clear(_ context.Context, recipientID, chatID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	chats := l.counters[recipientID]
	delete(chats, chatID)
	for i := range l.feeds[recipientID] {
		if l.feeds[recipientID][i].ChatID == chatID {
			l.feeds[recipientID][i].Read = true
		}
	}
	return sumCounts(chats), nil
}

func (l *memoryUnreadLedger) Record(_ context.Context, recipientID string, record dto.NotificationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	feed := append([]dto.NotificationRecord{record}, l.feeds[recipientID]...)
	if len(feed) > l.feedCap {
		feed = feed[:l.feedCap]
	}
	l.feeds[recipientID] = feed
	return nil
}

func (l *memoryUnreadLedger) Snapshot(_ context.Context, recipientID string) (dto.LedgerSnapshot, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := dto.LedgerSnapshot{
		PerChat:       make(map[string]int64, len(l.counters[recipientID])),
		Notifications: make([]dto.NotificationRecord, len(l.feeds[recipientID])),
	}
	for chatID, count := range l.counters[recipientID] {
		if count > 0 {
			snapshot.PerChat[chatID] = count
			snapshot.GrandTotal += count
		}
	}
	copy(snapshot.Notifications, l.feeds[recipientID])
	return snapshot, nil
}

func (l *memoryUnreadLedger) MarkFeedRead(_ context.Context, recipientID string, ids []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	selected := idSet(ids)
	for i := range l.feeds[recipientID] {
		if selected == nil {
			l.feeds[recipientID][i].Read = true
			continue
		}
		if _, ok := selected[l.feeds[recipientID][i].ID]; ok {
			l.feeds[recipientID][i].Read = true
		}
	}
	return nil
}

type listReader interface {
	LRange(ctx context.Context, key string, start, stop int64) *redis.StringSliceCmd
}

type redisUnreadLedger struct {
	client  *redis.Client
	prefix  string
	feedCap int
	logger  zerolog.Logger
}

// NewRedisUnreadLedger constructs a ledger shared by every node through Redis. Counters live in
// one hash per recipient and the feed in one list per recipient, newest first.
func NewRedisUnreadLedger(client *redis.Client, channelBase string, feedCap int, logger zerolog.Logger) UnreadLedger {
	if feedCap <= 0 {
		feedCap = defaultNotificationFeedCap
	}
	prefix := "gema"
	if channelBase != "" {
		prefix = channelBase
	}
	return &redisUnreadLedger{
		client:  client,
		prefix:  prefix,
		feedCap: feedCap,
		logger:  logger.With().Str("component", "unread_ledger").Logger(),
	}
}

func (l *redisUnreadLedger) countersKey(recipientID string) string {
	return fmt.Sprintf("%s:unread:%s", l.prefix, recipientID)
}

func (l *redisUnreadLedger) feedKey(recipientID string) string {
	return fmt.Sprintf("%s:notifications:%s", l.prefix, recipientID)
}

func (l *redisUnreadLedger) Increment(ctx context.Context, recipientID, chatID string) (int64, int64, error) {
	key := l.countersKey(recipientID)

	var incr *redis.IntCmd
	var values *redis.StringSliceCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.HIncrBy(ctx, key, chatID, 1)
		values = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return 0, 0, err
	}

	total, err := sumValues(values.Val())
	if err != nil {
		return 0, 0, err
	}
	return incr.Val(), total, nil
}

func (l *redisUnreadLedger) Clear(ctx context.Context, recipientID, chatID string) (int64, error) {
	key := l.countersKey(recipientID)

	var values *redis.StringSliceCmd
	_, err := l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, key, chatID)
		values = pipe.HVals(ctx, key)
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := l.rewriteFeed(ctx, recipientID, func(record *dto.NotificationRecord) {
		if record.ChatID == chatID {
			record.Read = true
		}
	}); err != nil {
		l.logger.Warn().Err(err).Str("recipient_id", recipientID).Str("chat_id", chatID).Msg("failed to mark chat feed entries read")
	}

	return sumValues(values.Val())
}

func (l *redisUnreadLedger) Record(ctx context.Context, recipientID string, record dto.NotificationRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	key := l.feedKey(recipientID)
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, int64(l.feedCap-1))
		return nil
	})
	return err
}

func (l *redisUnreadLedger) Snapshot(ctx context.Context, recipientID string) (dto.LedgerSnapshot, error) {
	counters, err := l.client.HGetAll(ctx, l.countersKey(recipientID)).Result()
	if err != nil {
		return dto.LedgerSnapshot{}, err
	}

	snapshot := dto.LedgerSnapshot{PerChat: make(map[string]int64, len(counters))}
	for chatID, raw := range counters {
		count, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return dto.LedgerSnapshot{}, fmt.Errorf("invalid unread counter for %s: %w", chatID, err)
		}
		if count > 0 {
			snapshot.PerChat[chatID] = count
			snapshot.GrandTotal += count
		}
	}

	feed, err := l.readFeed(ctx, l.client, recipientID)
	if err != nil {
		return dto.LedgerSnapshot{}, err
	}
	snapshot.Notifications = feed
	return snapshot, nil
}

func (l *redisUnreadLedger) MarkFeedRead(ctx context.Context, recipientID string, ids []string) error {
	selected := idSet(ids)
	return l.rewriteFeed(ctx, recipientID, func(record *dto.NotificationRecord) {
		if selected == nil {
			record.Read = true
			return
		}
		if _, ok := selected[record.ID]; ok {
			record.Read = true
		}
	})
}

// rewriteFeed applies mutate to every feed entry under WATCH so concurrent Record calls are
// not lost.
func (l *redisUnreadLedger) rewriteFeed(ctx context.Context, recipientID string, mutate func(*dto.NotificationRecord)) error {
	key := l.feedKey(recipientID)

	txf := func(tx *redis.Tx) error {
		feed, err := l.readFeed(ctx, tx, recipientID)
		if err != nil {
			return err
		}
		if len(feed) == 0 {
			return nil
		}

		payloads := make([]interface{}, 0, len(feed))
		for i := range feed {
			mutate(&feed[i])
			payload, err := json.Marshal(feed[i])
			if err != nil {
				return err
			}
			payloads = append(payloads, payload)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.RPush(ctx, key, payloads...)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := l.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func (l *redisUnreadLedger) readFeed(ctx context.Context, cmd listReader, recipientID string) ([]dto.NotificationRecord, error) {
	raw, err := cmd.LRange(ctx, l.feedKey(recipientID), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	feed := make([]dto.NotificationRecord, 0, len(raw))
	for _, entry := range raw {
		var record dto.NotificationRecord
		if err := json.Unmarshal([]byte(entry), &record); err != nil {
			l.logger.Warn().Err(err).Str("recipient_id", recipientID).Msg("skipping malformed notification record")
			continue
		}
		feed = append(feed, record)
	}
	return feed, nil
}

func sumCounts(chats map[string]int64) int64 {
	var total int64
	for _, count := range chats {
		total += count
	}
	return total
}

func sumValues(values []string) (int64, error) {
	var total int64
	for _, raw := range values {
		count, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return 0, err
		}
		total += count
	}
	return total, nil
}

func idSet(ids []string) map[string]struct{} {
	if len(ids) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
