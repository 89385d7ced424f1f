// Package market_hours answers "is this market tradeable right now".
//
// Two calendars are maintained, one per market: KRX trades 09:00-15:30
// KST with an extended session to 18:00, and the US venues trade
// 09:30-16:00 ET with pre/post sessions spanning 04:00-20:00. Weekends
// close both; US trading additionally observes the exchange holiday
// calendar. KRX holidays are not modelled locally, the broker rejects
// those orders and the strategy treats the rejection as a no-op.
package market_hours

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/hantuquant/trader/internal/domain"
)

// TradingWindow is a single same-day trading period in exchange-local time.
type TradingWindow struct {
	OpenHour    int
	OpenMinute  int
	CloseHour   int
	CloseMinute int
}

func (w TradingWindow) contains(t time.Time) bool {
	minutes := t.Hour()*60 + t.Minute()
	return minutes >= w.OpenHour*60+w.OpenMinute && minutes < w.CloseHour*60+w.CloseMinute
}

// MarketCalendar defines trading hours and holidays for one market.
type MarketCalendar struct {
	Market      domain.Market
	Name        string
	TimezoneStr string
	Timezone    *time.Location
	Regular     TradingWindow
	Extended    TradingWindow
	holiday     func(t time.Time) bool // nil means weekends only
}

// Service reports open/closed status per market.
type Service struct {
	calendars map[domain.Market]*MarketCalendar
	log       zerolog.Logger
}

func NewService(log zerolog.Logger) *Service {
	s := &Service{
		calendars: make(map[domain.Market]*MarketCalendar),
		log:       log.With().Str("component", "market_hours").Logger(),
	}
	s.initializeCalendars()
	return s
}

func (s *Service) initializeCalendars() {
	seoul, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		seoul = time.FixedZone("KST", 9*60*60)
	}
	s.calendars[domain.MarketKR] = &MarketCalendar{
		Market:      domain.MarketKR,
		Name:        "KRX",
		TimezoneStr: "Asia/Seoul",
		Timezone:    seoul,
		Regular:     TradingWindow{OpenHour: 9, OpenMinute: 0, CloseHour: 15, CloseMinute: 30},
		Extended:    TradingWindow{OpenHour: 9, OpenMinute: 0, CloseHour: 18, CloseMinute: 0},
	}

	newYork, err := time.LoadLocation("America/New_York")
	if err != nil {
		newYork = time.FixedZone("EST", -5*60*60)
	}
	s.calendars[domain.MarketUS] = &MarketCalendar{
		Market:      domain.MarketUS,
		Name:        "NYSE/NASDAQ",
		TimezoneStr: "America/New_York",
		Timezone:    newYork,
		Regular:     TradingWindow{OpenHour: 9, OpenMinute: 30, CloseHour: 16, CloseMinute: 0},
		Extended:    TradingWindow{OpenHour: 4, OpenMinute: 0, CloseHour: 20, CloseMinute: 0},
		holiday:     isUSMarketHoliday,
	}

	s.log.Info().Int("calendars", len(s.calendars)).Msg("Market calendars initialized")
}

// Calendar returns the calendar for a market, nil for unknown markets.
func (s *Service) Calendar(market domain.Market) *MarketCalendar {
	return s.calendars[market]
}

// IsMarketOpen reports whether the regular session of a market is
// trading at the given instant.
func (s *Service) IsMarketOpen(market domain.Market, at time.Time) bool {
	return s.openIn(market, at, false)
}

// IsMarketOpenExtended is IsMarketOpen over the extended session
// (KR to 18:00 KST, US pre/post 04:00-20:00 ET).
func (s *Service) IsMarketOpenExtended(market domain.Market, at time.Time) bool {
	return s.openIn(market, at, true)
}

func (s *Service) openIn(market domain.Market, at time.Time, extended bool) bool {
	cal, ok := s.calendars[market]
	if !ok {
		return false
	}
	local := at.In(cal.Timezone)
	if local.Weekday() == time.Saturday || local.Weekday() == time.Sunday {
		return false
	}
	if cal.holiday != nil && cal.holiday(local) {
		return false
	}
	if extended {
		return cal.Extended.contains(local)
	}
	return cal.Regular.contains(local)
}

// OpenMarkets lists the markets whose regular session is trading at the
// given instant, in stable KR-then-US order.
func (s *Service) OpenMarkets(at time.Time) []domain.Market {
	var open []domain.Market
	for _, m := range []domain.Market{domain.MarketKR, domain.MarketUS} {
		if s.IsMarketOpen(m, at) {
			open = append(open, m)
		}
	}
	return open
}

// MinutesToClose returns whole minutes until the regular session close,
// or -1 when the market is not in its regular session. Used by the tick
// strategy to force-close positions shortly before the bell.
func (s *Service) MinutesToClose(market domain.Market, at time.Time) int {
	if !s.IsMarketOpen(market, at) {
		return -1
	}
	cal := s.calendars[market]
	local := at.In(cal.Timezone)
	closeMinutes := cal.Regular.CloseHour*60 + cal.Regular.CloseMinute
	return closeMinutes - (local.Hour()*60 + local.Minute())
}

// MarketStatus is the API-facing snapshot of one market's state.
type MarketStatus struct {
	Market       domain.Market `json:"market"`
	Name         string        `json:"name"`
	IsOpen       bool          `json:"is_open"`
	ExtendedOpen bool          `json:"extended_open"`
	Timezone     string        `json:"timezone"`
	LocalTime    string        `json:"local_time"`
}

// Statuses returns the status of every configured market at the given
// instant, in stable KR-then-US order.
func (s *Service) Statuses(at time.Time) []MarketStatus {
	statuses := make([]MarketStatus, 0, len(s.calendars))
	for _, m := range []domain.Market{domain.MarketKR, domain.MarketUS} {
		cal, ok := s.calendars[m]
		if !ok {
			continue
		}
		statuses = append(statuses, MarketStatus{
			Market:       m,
			Name:         cal.Name,
			IsOpen:       s.IsMarketOpen(m, at),
			ExtendedOpen: s.IsMarketOpenExtended(m, at),
			Timezone:     cal.TimezoneStr,
			LocalTime:    at.In(cal.Timezone).Format("2006-01-02 15:04"),
		})
	}
	return statuses
}
