// Package disburse submits disbursement orders to providers exactly once per
// transfer reference.
package disburse

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"rampflow/internal/idempotency"
	"rampflow/internal/metrics"
	"rampflow/internal/provider"
	"rampflow/internal/ramp"
)

const keyPrefix = "disburse:"

// Key derives the provider-facing idempotency key. It depends only on its
// inputs so a retry after a timeout reuses the original key.
func Key(providerName, reference string) string {
	return crypto.Keccak256Hash([]byte(providerName + "|" + reference)).Hex()
}

// OnRampKey keys an on-ramp order, which has no transfer, on the flow id.
func OnRampKey(providerName, flowID string) string {
	return Key(providerName, "onramp:"+flowID)
}

type Submitter struct {
	Store   idempotency.Store
	Window  time.Duration
	Logger  *zap.Logger
	Metrics *metrics.Registry

	group singleflight.Group
}

func New(store idempotency.Store, window time.Duration, logger *zap.Logger, m *metrics.Registry) *Submitter {
	if window <= 0 {
		window = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Submitter{Store: store, Window: window, Logger: logger.Named("disburse"), Metrics: m}
}

type storedOrder struct {
	OrderID  string `json:"orderId"`
	Provider string `json:"provider"`
}

// Prepare fills in the idempotency key and validates the order for p.
func Prepare(p provider.Provider, order ramp.DisbursementOrder) (ramp.DisbursementOrder, error) {
	switch order.Direction {
	case ramp.OffRamp, "":
		if order.TransferReference == "" {
			return order, ramp.E(ramp.KindValidationFailed, "disburse", "transfer reference is required before disbursement", nil)
		}
		order.Direction = ramp.OffRamp
		order.IdempotencyKey = Key(p.Name(), order.TransferReference)
	case ramp.OnRamp:
		if order.IdempotencyKey == "" {
			return order, ramp.E(ramp.KindValidationFailed, "disburse", "idempotency key is required for on-ramp", nil)
		}
	default:
		return order, ramp.E(ramp.KindValidationFailed, "disburse", "unknown direction "+string(order.Direction), nil)
	}
	if !order.TargetAmount.IsPositive() {
		return order, ramp.E(ramp.KindValidationFailed, "disburse", "target amount must be positive", nil)
	}
	order.Provider = p.Name()
	return order, nil
}

// Submit sends order to p once. A repeated call with the same key returns
// the stored provider order id without another provider call, and concurrent
// identical calls share one request.
func (s *Submitter) Submit(ctx context.Context, p provider.Provider, order ramp.DisbursementOrder) (string, error) {
	order, err := Prepare(p, order)
	if err != nil {
		return "", err
	}
	key := order.IdempotencyKey

	v, err, _ := s.group.Do(key, func() (any, error) {
		if id, ok := s.cached(ctx, key); ok {
			s.Metrics.IncDisbursement(p.Name(), "cached")
			return id, nil
		}

		id, err := p.Submit(ctx, provider.DisbursementRequest{
			IdempotencyKey:    key,
			Direction:         order.Direction,
			TransferReference: order.TransferReference,
			Amount:            order.Amount,
			TargetAmount:      order.TargetAmount,
			Rate:              rateOf(order),
			Currency:          order.Currency,
			Token:             order.Token,
			Recipient:         order.Recipient,
			WalletAddress:     order.WalletAddress,
			QuoteID:           order.QuoteID,
		})
		if err != nil {
			classified := Classify(err)
			s.Metrics.IncDisbursement(p.Name(), string(classified.Kind))
			s.Logger.Warn("disbursement failed",
				zap.String("provider", p.Name()),
				zap.String("transfer_ref", order.TransferReference),
				zap.String("kind", string(classified.Kind)),
				zap.Error(err))
			return "", classified
		}

		s.remember(ctx, key, order, id)
		s.Metrics.IncDisbursement(p.Name(), "created")
		s.Logger.Info("disbursement submitted",
			zap.String("provider", p.Name()),
			zap.String("transfer_ref", order.TransferReference),
			zap.String("order_id", id))
		return id, nil
	})
	if err != nil {
		if order.TransferReference != "" {
			return "", ramp.WithTransfer(err, order.TransferReference)
		}
		return "", err
	}
	return v.(string), nil
}

func (s *Submitter) cached(ctx context.Context, key string) (string, bool) {
	if s.Store == nil {
		return "", false
	}
	rec, err := s.Store.Get(ctx, keyPrefix+key)
	if err != nil {
		s.Logger.Warn("idempotency lookup failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	if rec == nil || rec.Kind != idempotency.KindDisbursement {
		return "", false
	}
	var stored storedOrder
	if err := json.Unmarshal(rec.Response, &stored); err != nil || stored.OrderID == "" {
		return "", false
	}
	return stored.OrderID, true
}

func (s *Submitter) remember(ctx context.Context, key string, order ramp.DisbursementOrder, id string) {
	if s.Store == nil {
		return
	}
	body, _ := json.Marshal(storedOrder{OrderID: id, Provider: order.Provider})
	rec := idempotency.NewRecord(idempotency.KindDisbursement, order.TransferReference, 0, body, s.Window)
	if err := s.Store.Save(ctx, keyPrefix+key, rec); err != nil {
		// Provider-side dedup on key still holds.
		s.Logger.Warn("idempotency save failed", zap.String("key", key), zap.Error(err))
	}
}

func rateOf(order ramp.DisbursementOrder) decimal.Decimal {
	if order.Amount.IsZero() {
		return decimal.Zero
	}
	return order.TargetAmount.Div(order.Amount)
}
