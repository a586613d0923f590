// Package pivots fetches daily pivot levels from the pivot service and
// caches them for the trading session.
package pivots

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/anirbansen/tradepulse/internal/config"
	"github.com/anirbansen/tradepulse/internal/models"
)

// ErrUnavailable marks every failure mode of the pivot service: transport
// errors, non-200 responses and empty level sets. Callers skip evaluation
// for the bar and raise a PIVOT_UNAVAILABLE event.
var ErrUnavailable = errors.New("pivot levels unavailable")

type cached struct {
	levels    models.PivotLevels
	fetchedAt time.Time
}

// Service resolves pivot levels per instrument. Levels are computed from the
// prior session's range, so one successful fetch is valid until the session
// rolls; concurrent misses for the same instrument share a single request.
type Service struct {
	client *resty.Client
	log    *logrus.Logger

	mu          sync.RWMutex
	cache       map[string]cached
	sessionDate string

	flight singleflight.Group
	now    func() time.Time
}

// NewService builds a pivot client from configuration.
func NewService(cfg config.PivotsConfig, log *logrus.Logger) *Service {
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(time.Duration(cfg.TimeoutMs) * time.Millisecond).
		SetRetryCount(1).
		SetRetryWaitTime(250 * time.Millisecond).
		SetHeader("Accept", "application/json")

	return &Service{
		client: client,
		log:    log,
		cache:  make(map[string]cached),
		now:    time.Now,
	}
}

// Levels returns the instrument's pivot levels, serving from the session
// cache when warm.
func (s *Service) Levels(ctx context.Context, scripCode string, currentPrice float64, direction models.SignalDirection) (models.PivotLevels, error) {
	s.mu.RLock()
	c, ok := s.cache[scripCode]
	s.mu.RUnlock()
	if ok {
		return c.levels, nil
	}

	v, err, _ := s.flight.Do(scripCode, func() (interface{}, error) {
		levels, err := s.fetch(ctx, scripCode, currentPrice, direction)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.cache[scripCode] = cached{levels: levels, fetchedAt: s.now()}
		s.mu.Unlock()
		return levels, nil
	})
	if err != nil {
		return models.PivotLevels{}, err
	}
	return v.(models.PivotLevels), nil
}

func (s *Service) fetch(ctx context.Context, scripCode string, currentPrice float64, direction models.SignalDirection) (models.PivotLevels, error) {
	var out models.PivotLevels
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"currentPrice": strconv.FormatFloat(currentPrice, 'f', -1, 64),
			"signalType":   signalType(direction),
		}).
		SetResult(&out).
		Get("/api/pivots/calculate-targets/" + url.PathEscape(scripCode))
	if err != nil {
		return models.PivotLevels{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return models.PivotLevels{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	if out.Pivot <= 0 {
		return models.PivotLevels{}, fmt.Errorf("%w: empty level set", ErrUnavailable)
	}

	s.log.WithFields(logrus.Fields{
		"event":     "pivots_fetched",
		"scripCode": scripCode,
		"pivot":     out.Pivot,
	}).Debug("pivot levels cached")

	return out, nil
}

func signalType(d models.SignalDirection) string {
	if d == models.DirectionBearish {
		return "SELL"
	}
	return "BUY"
}

// RecentCandles fetches the instrument's most recent 1-minute bars from the
// analytics service, oldest first. Used to warm the candle history when a
// signal arrives for an instrument with no accumulated bars.
func (s *Service) RecentCandles(ctx context.Context, scripCode string, n int) ([]models.Candle, error) {
	var out []models.Candle
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParam("limit", strconv.Itoa(n)).
		SetResult(&out).
		Get("/api/candles/" + url.PathEscape(scripCode))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode())
	}
	return out, nil
}

// Cached returns the cached levels without fetching.
func (s *Service) Cached(scripCode string) (models.PivotLevels, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cache[scripCode]
	return c.levels, ok
}

// RollSession drops every cached level set when the trading day changes.
func (s *Service) RollSession(sessionDate string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessionDate == sessionDate {
		return
	}
	s.sessionDate = sessionDate
	s.cache = make(map[string]cached)
}
