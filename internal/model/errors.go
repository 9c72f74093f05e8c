package model

import "errors"

var (
	ErrInvalidTimeframe   = errors.New("invalid timeframe")
	ErrInvalidCandle      = errors.New("invalid candle")
	ErrInvalidZone        = errors.New("invalid zone")
	ErrInvalidAggregation = errors.New("invalid aggregation")
)
