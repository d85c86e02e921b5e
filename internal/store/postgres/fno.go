package postgres

import (
	"context"
	"fmt"

	"market-data-service/internal/model"
)

// NSE instruments that have at least one NSE_FO contract deriving from them.
const fnoUnderlyingQuery = `
SELECT i.instrument_key, i.trading_symbol, i.name, i.segment,
       i.instrument_type, i.tick_size
FROM public.instruments i
WHERE i.exchange = 'NSE'
  AND EXISTS (
        SELECT 1 FROM public.instruments f
        WHERE f.segment = 'NSE_FO'
          AND f.underlying_symbol = i.trading_symbol
  )
ORDER BY i.trading_symbol`

// FetchUnderlyings queries the FNO underlying table.
func (p *Pool) FetchUnderlyings(ctx context.Context) ([]model.FNOUnderlying, error) {
	rows, err := p.db.Query(ctx, fnoUnderlyingQuery)
	if err != nil {
		return nil, fmt.Errorf("fno underlying query: %w", err)
	}
	defer rows.Close()

	var out []model.FNOUnderlying
	for rows.Next() {
		var u model.FNOUnderlying
		if err := rows.Scan(&u.InstrumentKey, &u.TradingSymbol, &u.Name,
			&u.Segment, &u.InstrumentType, &u.TickSize); err != nil {
			return nil, fmt.Errorf("fno underlying scan: %w", err)
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("fno underlying rows: %w", err)
	}
	return out, nil
}
