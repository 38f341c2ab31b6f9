package market

import (
	"github.com/shopspring/decimal"

	"github.com/stocksim/ledger-engine/internal/model"
)

// Exchange reported for every simulated stock.
const Exchange = "NASDAQ"

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// DefaultStocks returns the opening quotes of the simulated market.
func DefaultStocks() []model.Quote {
	return []model.Quote{
		{
			Symbol: "AAPL", CompanyName: "Apple Inc.",
			Price: dec("175.43"), Change: dec("2.35"), ChangePercent: dec("1.36"),
			PreviousClose: dec("173.08"), Open: dec("173.52"),
			DayHigh: dec("176.10"), DayLow: dec("173.05"),
			Volume: 54321000, MarketCap: dec("2800000000000"),
		},
		{
			Symbol: "MSFT", CompanyName: "Microsoft Corporation",
			Price: dec("338.11"), Change: dec("-1.25"), ChangePercent: dec("-0.37"),
			PreviousClose: dec("339.36"), Open: dec("339.40"),
			DayHigh: dec("340.12"), DayLow: dec("337.50"),
			Volume: 23456000, MarketCap: dec("2500000000000"),
		},
		{
			Symbol: "GOOGL", CompanyName: "Alphabet Inc.",
			Price: dec("138.72"), Change: dec("0.98"), ChangePercent: dec("0.71"),
			PreviousClose: dec("137.74"), Open: dec("137.80"),
			DayHigh: dec("139.20"), DayLow: dec("137.50"),
			Volume: 19876000, MarketCap: dec("1750000000000"),
		},
		{
			Symbol: "AMZN", CompanyName: "Amazon.com Inc.",
			Price: dec("178.15"), Change: dec("3.42"), ChangePercent: dec("1.96"),
			PreviousClose: dec("174.73"), Open: dec("175.20"),
			DayHigh: dec("178.90"), DayLow: dec("174.80"),
			Volume: 32145000, MarketCap: dec("1850000000000"),
		},
		{
			Symbol: "TSLA", CompanyName: "Tesla, Inc.",
			Price: dec("177.80"), Change: dec("-5.32"), ChangePercent: dec("-2.91"),
			PreviousClose: dec("183.12"), Open: dec("182.45"),
			DayHigh: dec("183.50"), DayLow: dec("177.20"),
			Volume: 98765000, MarketCap: dec("560000000000"),
		},
	}
}
