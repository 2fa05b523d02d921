// Package quote turns a provider's rate sheet into a normalized, directional
// ramp.Quote.
package quote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

const DefaultTTL = 60 * time.Second

type Service struct {
	TTL    time.Duration
	Now    func() time.Time
	Logger *zap.Logger

	stablecoins map[string]struct{}
}

// New builds a Service. stablecoins are the symbols treated as the crypto side
// of a pair; everything else is fiat.
func New(ttl time.Duration, stablecoins []string, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	set := make(map[string]struct{}, len(stablecoins))
	for _, s := range stablecoins {
		set[strings.ToUpper(s)] = struct{}{}
	}
	return &Service{TTL: ttl, Now: time.Now, Logger: logger.Named("quote"), stablecoins: set}
}

// Direction infers the ramp direction of a currency pair.
func (s *Service) Direction(source, target string) (ramp.Direction, error) {
	_, srcCoin := s.stablecoins[strings.ToUpper(source)]
	_, dstCoin := s.stablecoins[strings.ToUpper(target)]
	switch {
	case srcCoin && !dstCoin:
		return ramp.OffRamp, nil
	case dstCoin && !srcCoin:
		return ramp.OnRamp, nil
	}
	return "", ramp.E(ramp.KindRouteUnsupported, "quote", fmt.Sprintf("pair %s/%s is not a ramp", source, target), nil)
}

// Get fetches the directional rate for source->target. Off-ramp uses the sell
// rate; on-ramp uses the buy rate inverted so that target = amount * Rate in
// both directions. A missing rate is an error, never a fallback.
func (s *Service) Get(ctx context.Context, p provider.Provider, source, target string, referenceAmount decimal.Decimal) (ramp.Quote, error) {
	dir, err := s.Direction(source, target)
	if err != nil {
		return ramp.Quote{}, err
	}
	fiat := strings.ToUpper(target)
	if dir == ramp.OnRamp {
		fiat = strings.ToUpper(source)
	}

	sheet, err := p.Rates(ctx, fiat, referenceAmount)
	if err != nil {
		s.Logger.Warn("rate fetch failed", zap.String("provider", p.Name()), zap.String("currency", fiat), zap.Error(err))
		return ramp.Quote{}, ramp.E(ramp.KindRateUnavailable, "quote", fmt.Sprintf("%s could not quote %s", p.Name(), fiat), err)
	}

	var rate decimal.Decimal
	if dir == ramp.OffRamp {
		rate = sheet.Sell
	} else if sheet.Buy.IsPositive() {
		rate = decimal.NewFromInt(1).Div(sheet.Buy)
	}
	if !rate.IsPositive() {
		return ramp.Quote{}, ramp.E(ramp.KindRateUnavailable, "quote", fmt.Sprintf("%s has no %s rate for %s", p.Name(), dir, fiat), nil)
	}

	return ramp.Quote{
		ID:             uuid.NewString(),
		Provider:       p.Name(),
		SourceCurrency: strings.ToUpper(source),
		TargetCurrency: strings.ToUpper(target),
		Rate:           rate,
		QuotedAt:       s.Now(),
		TTL:            s.TTL,
	}, nil
}

// Fresh returns q when it can still price the final amount for this provider
// and pair, and a newly fetched quote otherwise.
func (s *Service) Fresh(ctx context.Context, p provider.Provider, q *ramp.Quote, source, target string, referenceAmount decimal.Decimal) (ramp.Quote, error) {
	if q != nil &&
		q.Provider == p.Name() &&
		strings.EqualFold(q.SourceCurrency, source) &&
		strings.EqualFold(q.TargetCurrency, target) &&
		!q.Stale(s.Now()) {
		return *q, nil
	}
	return s.Get(ctx, p, source, target, referenceAmount)
}
