package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is one daily OHLCV bar.
type Quote struct {
	Symbol string          `json:"symbol"`
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// Statement is a periodic financial statement summary.
type Statement struct {
	Symbol          string          `json:"symbol"`
	PeriodEnd       time.Time       `json:"periodEnd"`
	FiscalPeriod    string          `json:"fiscalPeriod"` // FY, Q1..Q4
	Revenue         decimal.Decimal `json:"revenue"`
	OperatingIncome decimal.Decimal `json:"operatingIncome"`
	NetIncome       decimal.Decimal `json:"netIncome"`
	EPS             decimal.Decimal `json:"eps"`
	TotalAssets     decimal.Decimal `json:"totalAssets"`
	Equity          decimal.Decimal `json:"equity"`
}

// MarginBalance is the weekly margin trading balance for a symbol.
type MarginBalance struct {
	Symbol       string    `json:"symbol"`
	Date         time.Time `json:"date"`
	LongBalance  int64     `json:"longBalance"`
	ShortBalance int64     `json:"shortBalance"`
}
