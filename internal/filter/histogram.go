package filter

import (
	"github.com/shopspring/decimal"

	"github.com/ticketwhiz/listing-engine/internal/model"
)

// HistogramBuckets is the fixed number of price buckets.
const HistogramBuckets = 20

var two = decimal.NewFromInt(2)

// Histogram buckets the unfiltered tickets over bounds. The bucket count
// never changes and the counts always sum to len(tickets); active marks
// buckets whose midpoint lies inside the given range. When bounds is a
// single price every ticket lands in the first bucket.
func Histogram(tickets []model.MergedTicket, bounds, active model.PriceRange) []model.HistogramBucket {
	width := bounds.Max.Sub(bounds.Min).Div(decimal.NewFromInt(HistogramBuckets))

	buckets := make([]model.HistogramBucket, HistogramBuckets)
	for i := range buckets {
		start := bounds.Min.Add(width.Mul(decimal.NewFromInt(int64(i))))
		end := start.Add(width)
		if i == HistogramBuckets-1 {
			end = bounds.Max
		}
		buckets[i] = model.HistogramBucket{
			Start:  start,
			End:    end,
			Active: active.Contains(start.Add(end).Div(two)),
		}
	}

	for _, t := range tickets {
		buckets[bucketIndex(t.AllInPrice, bounds.Min, width)].Count++
	}
	return buckets
}

func bucketIndex(price, lo, width decimal.Decimal) int {
	if !width.IsPositive() {
		return 0
	}
	i := price.Sub(lo).Div(width).Floor().IntPart()
	switch {
	case i < 0:
		return 0
	case i >= HistogramBuckets:
		return HistogramBuckets - 1
	}
	return int(i)
}
