package tasks

import (
	"math"
	"math/rand/v2"
	"time"
)

// maxBackoffExponent ограничивает показатель степени, чтобы factor^n не
// переполнился при больших retry_count.
const maxBackoffExponent = 10

// RetryPolicy — параметры экспоненциальной задержки повтора (в секундах).
type RetryPolicy struct {
	Base   float64
	Factor float64
	Max    float64
}

// DefaultRetryPolicy — 1 с, ×2, не более 300 с.
var DefaultRetryPolicy = RetryPolicy{Base: 1, Factor: 2, Max: 300}

// Delay возвращает min(base·factor^min(retries,10), max) плюс равномерный
// джиттер до 10% от задержки. Итог не превышает Max.
func (p RetryPolicy) Delay(retries int) time.Duration {
	return p.delay(retries, rand.Float64())
}

func (p RetryPolicy) delay(retries int, u float64) time.Duration {
	if retries < 0 {
		retries = 0
	}
	d := p.Base * math.Pow(p.Factor, float64(min(retries, maxBackoffExponent)))
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	d += u * 0.1 * d //nolint:mnd
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return time.Duration(d * float64(time.Second))
}
