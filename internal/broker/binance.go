package broker

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"strata/internal/orders"

	"github.com/adshao/go-binance/v2/futures"
)

// BinancePriceSource quotes marks from the binance futures premium index.
// The symbol map translates instrument codes to venue symbols
// ("BTC" -> "BTCUSDT"); unmapped instruments use their code as-is.
type BinancePriceSource struct {
	client  *futures.Client
	symbols map[string]string
}

func NewBinancePriceSource(symbols map[string]string) *BinancePriceSource {
	normalized := make(map[string]string, len(symbols))
	for instrument, symbol := range symbols {
		normalized[strings.ToUpper(strings.TrimSpace(instrument))] = strings.ToUpper(strings.TrimSpace(symbol))
	}
	return &BinancePriceSource{
		client:  futures.NewClient("", ""),
		symbols: normalized,
	}
}

func (s *BinancePriceSource) MarkPrice(ctx context.Context, c orders.ContractID) (float64, error) {
	symbol := s.symbolFor(c.Instrument)
	if symbol == "" {
		return 0, fmt.Errorf("invalid symbol: %s", c.Instrument)
	}
	res, err := s.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return 0, err
	}
	for _, entry := range res {
		if entry == nil {
			continue
		}
		if strings.EqualFold(entry.Symbol, symbol) {
			return parseFloat(entry.MarkPrice), nil
		}
	}
	if len(res) > 0 {
		return parseFloat(res[0].MarkPrice), nil
	}
	return 0, fmt.Errorf("mark price not available for %s", symbol)
}

func (s *BinancePriceSource) symbolFor(instrument string) string {
	instrument = strings.ToUpper(strings.TrimSpace(instrument))
	if symbol, ok := s.symbols[instrument]; ok {
		return symbol
	}
	return instrument
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
