package vault

import (
	"context"
	"time"

	"github.com/luxfi/margin/pkg/margin"
)

type staticOracle struct {
	price margin.Balance
}

func (o staticOracle) SpotPrice(context.Context) (margin.Balance, error) { return o.price, nil }
func (o staticOracle) MarkPrice(context.Context) (margin.Balance, error) { return o.price, nil }
func (o staticOracle) Now(context.Context) (time.Time, error)            { return time.Unix(0, 0), nil }
