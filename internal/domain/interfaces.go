package domain

import (
	"context"
	"time"
)

// BrokerClient is the full brokerage surface the engine is wired with.
// Consumers that only need a slice of it declare their own narrow
// interfaces; this one exists for wiring and for test doubles.
type BrokerClient interface {
	GetAccessToken(ctx context.Context) (string, error)

	GetDomesticBalance(ctx context.Context) (*DomesticBalance, error)
	GetOverseasBalance(ctx context.Context) (*OverseasBalance, error)
	GetOverseasAvailableCash(ctx context.Context, probeSymbol string) (float64, error)

	SendDomesticOrder(ctx context.Context, symbol string, qty int64, price float64, side TradeSide) (*OrderResult, error)
	SendDomesticAfterHoursOrder(ctx context.Context, symbol string, qty int64, price float64, side TradeSide) (*OrderResult, error)
	SendOverseasOrder(ctx context.Context, symbol string, qty int64, price float64, side TradeSide) (*OrderResult, error)

	GetDomesticQuote(ctx context.Context, symbol string) (*Quote, error)
	GetOverseasQuote(ctx context.Context, symbol string) (*Quote, error)
	GetDomesticDailyBars(ctx context.Context, symbol string, count int) ([]DailyBar, error)
	GetOverseasDailyBars(ctx context.Context, symbol string, count int) ([]DailyBar, error)

	GetDomesticRanking(ctx context.Context, exchange string, limit int) ([]RankingEntry, error)
	GetOverseasRanking(ctx context.Context, exchange string, limit int) ([]RankingEntry, error)
}

// Notifier queues a human-readable message for asynchronous delivery.
// Implementations must never block the caller.
type Notifier interface {
	Enqueue(text string)
}

// Clock abstracts wall-clock time so cooldowns and market-hours checks
// are testable.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }
