package mail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/noah-isme/mailtrack/internal/rate"
)

const (
	globalStatsKey     = "mail:stats:global"
	defaultRecentLimit = 10
	maxRecentLimit     = 100
)

// GlobalStats summarises open tracking across all records.
type GlobalStats struct {
	Total             int64        `json:"total"`
	OpenedAtLeastOnce int64        `json:"openedAtLeastOnce"`
	OpenRate          rate.Percent `json:"openRate"`
}

// RecordStats describes the open history of a single record.
type RecordStats struct {
	Recipient    string     `json:"recipient"`
	Subject      string     `json:"subject"`
	SentAt       time.Time  `json:"sentAt"`
	OpenCount    int        `json:"openCount"`
	LastOpenedAt *time.Time `json:"lastOpenedAt"`
}

// RecentRecord is the projection returned by the recent listing.
type RecentRecord struct {
	Recipient string      `json:"recipient"`
	Subject   string      `json:"subject"`
	SentAt    time.Time   `json:"sentAt"`
	Opens     []time.Time `json:"opens"`
}

// Service computes read-side statistics from the Store. GlobalStats may be
// cached in Redis for TTL; a zero TTL or nil client disables caching.
type Service struct {
	Store Store
	R     *redis.Client
	TTL   time.Duration
}

// GlobalStats returns the total record count, the opened count and the rate.
func (s *Service) GlobalStats(ctx context.Context) (GlobalStats, error) {
	if s == nil || s.Store == nil {
		return GlobalStats{}, errors.New("mail service not configured")
	}
	if cached, ok := s.cachedGlobal(ctx); ok {
		return cached, nil
	}
	total, err := s.Store.CountTotal(ctx)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("count records: %w", err)
	}
	opened, err := s.Store.CountOpened(ctx)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("count opened records: %w", err)
	}
	stats := GlobalStats{Total: total, OpenedAtLeastOnce: opened, OpenRate: rate.Of(opened, total)}
	s.storeGlobal(ctx, stats)
	return stats, nil
}

// RecordStats returns the open summary for token or ErrNotFound.
func (s *Service) RecordStats(ctx context.Context, token string) (RecordStats, error) {
	if s == nil || s.Store == nil {
		return RecordStats{}, errors.New("mail service not configured")
	}
	rec, err := s.Store.Get(ctx, token)
	if err != nil {
		return RecordStats{}, err
	}
	return RecordStats{
		Recipient:    rec.Recipient,
		Subject:      rec.Subject,
		SentAt:       rec.SentAt,
		OpenCount:    len(rec.Opens),
		LastOpenedAt: rec.LastOpenedAt(),
	}, nil
}

// Recent lists the most recently sent records.
func (s *Service) Recent(ctx context.Context, limit int) ([]RecentRecord, error) {
	if s == nil || s.Store == nil {
		return nil, errors.New("mail service not configured")
	}
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	records, err := s.Store.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]RecentRecord, 0, len(records))
	for _, rec := range records {
		opens := rec.Opens
		if opens == nil {
			opens = []time.Time{}
		}
		out = append(out, RecentRecord{Recipient: rec.Recipient, Subject: rec.Subject, SentAt: rec.SentAt, Opens: opens})
	}
	return out, nil
}

func (s *Service) cachedGlobal(ctx context.Context) (GlobalStats, bool) {
	if s.R == nil || s.TTL <= 0 {
		return GlobalStats{}, false
	}
	data, err := s.R.Get(ctx, globalStatsKey).Bytes()
	if err != nil {
		return GlobalStats{}, false
	}
	var cached struct {
		Total  int64 `json:"total"`
		Opened int64 `json:"opened"`
	}
	if err := json.Unmarshal(data, &cached); err != nil {
		return GlobalStats{}, false
	}
	return GlobalStats{Total: cached.Total, OpenedAtLeastOnce: cached.Opened, OpenRate: rate.Of(cached.Opened, cached.Total)}, true
}

func (s *Service) storeGlobal(ctx context.Context, stats GlobalStats) {
	if s.R == nil || s.TTL <= 0 {
		return
	}
	data, err := json.Marshal(map[string]int64{"total": stats.Total, "opened": stats.OpenedAtLeastOnce})
	if err != nil {
		return
	}
	_ = s.R.Set(ctx, globalStatsKey, data, s.TTL).Err()
}
