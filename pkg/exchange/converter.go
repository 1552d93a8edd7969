package exchange

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"mlm-backoffice/pkg/config"
	"mlm-backoffice/pkg/errutil"
)

//go:generate mockgen -source=converter.go -destination=mock/converter.go -package=mock

var Module = fx.Module("exchange",
	fx.Provide(NewRateTable),
)

var ErrUnsupportedCurrency = errors.New("unsupported currency")

// WithTimeout bounds a conversion call. A non-positive d only adds
// cancellation.
func WithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Converter turns an amount in one currency into another.
type Converter interface {
	Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error)
}

// RateTable converts through fixed rates expressed as units of a currency
// per one unit of the base currency.
type RateTable struct {
	base  string
	rates map[string]decimal.Decimal
}

func NewRateTable(cfg *config.Config) Converter {
	base := strings.ToUpper(cfg.Compensation.BaseCurrency)
	rates := map[string]decimal.Decimal{base: decimal.NewFromInt(1)}
	for code, rate := range cfg.Compensation.ExchangeRates {
		if rate <= 0 {
			zap.L().Warn("ignoring non-positive exchange rate", zap.String("currency", code), zap.Float64("rate", rate))
			continue
		}
		rates[strings.ToUpper(code)] = decimal.NewFromFloat(rate)
	}
	return &RateTable{base: base, rates: rates}
}

func (t *RateTable) Convert(ctx context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}

	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return amount, nil
	}

	fromRate, ok := t.rates[from]
	if !ok {
		return decimal.Zero, errutil.UnprocessableEntity("no exchange rate for "+from, ErrUnsupportedCurrency)
	}
	toRate, ok := t.rates[to]
	if !ok {
		return decimal.Zero, errutil.UnprocessableEntity("no exchange rate for "+to, ErrUnsupportedCurrency)
	}

	return amount.Div(fromRate).Mul(toRate).Round(4), nil
}
