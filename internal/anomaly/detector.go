package anomaly

import (
	"fmt"
	"math"
)

const defaultEpsilon = 1e-9

const (
	defaultZScoreThreshold = 3.0
	defaultIQRMultiplier   = 1.5
	defaultEMAAlpha        = 0.3
	defaultRobustThreshold = 3.5

	minSamplesZScore  = 2
	minSamplesIQR     = 4
	minSamplesEMA     = 2
	minSamplesRobustZ = 2
)

type Method string

const (
	MethodZScore  Method = "zscore"
	MethodIQR     Method = "iqr"
	MethodEMA     Method = "ema"
	MethodRobustZ Method = "robust_zscore"
)

func ParseMethod(raw string) (Method, error) {
	switch Method(raw) {
	case MethodZScore, MethodIQR, MethodEMA, MethodRobustZ:
		return Method(raw), nil
	default:
		return "", fmt.Errorf("unsupported anomaly method %q", raw)
	}
}

// Config tunes a detector. Zero values fall back to per-method defaults.
type Config struct {
	Threshold     float64 `json:"threshold"`
	IQRMultiplier float64 `json:"iqr_multiplier"`
	Alpha         float64 `json:"alpha"`
}

type Result struct {
	IsAnomaly bool           `json:"is_anomaly"`
	Score     float64        `json:"score"`
	Details   map[string]any `json:"details"`
}

// Detect scores current against the baseline values with the given method.
// Baselines below the method's minimum sample count yield an
// insufficient_data result, never an error; only an unknown method errors.
func Detect(values []float64, current float64, method Method, cfg Config) (Result, error) {
	switch method {
	case MethodZScore:
		return detectZScore(values, current, cfg), nil
	case MethodIQR:
		return detectIQR(values, current, cfg), nil
	case MethodEMA:
		return detectEMA(values, current, cfg), nil
	case MethodRobustZ:
		return detectRobustZ(values, current, cfg), nil
	default:
		return Result{}, fmt.Errorf("unsupported anomaly method %q", method)
	}
}

func insufficientData(samples, required int, method Method) Result {
	return Result{
		IsAnomaly: false,
		Score:     0,
		Details: map[string]any{
			"method":      string(method),
			"reason":      "insufficient_data",
			"samples":     samples,
			"min_samples": required,
		},
	}
}

func detectZScore(values []float64, current float64, cfg Config) Result {
	if len(values) < minSamplesZScore {
		return insufficientData(len(values), minSamplesZScore, MethodZScore)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultZScoreThreshold
	}
	mean := Mean(values)
	std := StdDev(values, false)
	score := 0.0
	if std > 0 {
		score = math.Abs(current-mean) / std
	}
	return Result{
		IsAnomaly: score > threshold,
		Score:     score,
		Details: map[string]any{
			"method":    string(MethodZScore),
			"mean":      mean,
			"std":       std,
			"threshold": threshold,
			"samples":   len(values),
			"current":   current,
		},
	}
}

func detectIQR(values []float64, current float64, cfg Config) Result {
	if len(values) < minSamplesIQR {
		return insufficientData(len(values), minSamplesIQR, MethodIQR)
	}
	multiplier := cfg.IQRMultiplier
	if multiplier <= 0 {
		multiplier = defaultIQRMultiplier
	}
	q1 := Percentile(values, 25)
	q3 := Percentile(values, 75)
	iqr := q3 - q1
	lower := q1 - multiplier*iqr
	upper := q3 + multiplier*iqr
	score := 0.0
	if current < lower {
		score = (lower - current) / math.Max(iqr, defaultEpsilon)
	} else if current > upper {
		score = (current - upper) / math.Max(iqr, defaultEpsilon)
	}
	return Result{
		IsAnomaly: score > 0,
		Score:     score,
		Details: map[string]any{
			"method":      string(MethodIQR),
			"q1":          q1,
			"q3":          q3,
			"iqr":         iqr,
			"lower_bound": lower,
			"upper_bound": upper,
			"multiplier":  multiplier,
			"samples":     len(values),
			"current":     current,
		},
	}
}

func detectEMA(values []float64, current float64, cfg Config) Result {
	if len(values) < minSamplesEMA {
		return insufficientData(len(values), minSamplesEMA, MethodEMA)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultZScoreThreshold
	}
	alpha := cfg.Alpha
	if alpha <= 0 {
		alpha = defaultEMAAlpha
	}
	alpha = math.Min(math.Max(alpha, 0.01), 1)

	ema := values[0]
	emaVar := 0.0
	for _, v := range values[1:] {
		diff := v - ema
		ema = alpha*v + (1-alpha)*ema
		emaVar = alpha*diff*diff + (1-alpha)*emaVar
	}
	emaStd := math.Sqrt(emaVar)
	score := math.Abs(current-ema) / math.Max(emaStd, defaultEpsilon)
	return Result{
		IsAnomaly: score > threshold,
		Score:     score,
		Details: map[string]any{
			"method":    string(MethodEMA),
			"ema":       ema,
			"ema_std":   emaStd,
			"alpha":     alpha,
			"threshold": threshold,
			"samples":   len(values),
			"current":   current,
		},
	}
}

func detectRobustZ(values []float64, current float64, cfg Config) Result {
	if len(values) < minSamplesRobustZ {
		return insufficientData(len(values), minSamplesRobustZ, MethodRobustZ)
	}
	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = defaultRobustThreshold
	}
	median := Median(values)
	mad := MAD(values, median)
	details := map[string]any{
		"method":    string(MethodRobustZ),
		"median":    median,
		"mad":       mad,
		"threshold": threshold,
		"samples":   len(values),
		"current":   current,
	}
	if mad == 0 {
		if math.Abs(current-median) <= defaultEpsilon {
			return Result{IsAnomaly: false, Score: 0, Details: details}
		}
		details["reason"] = "zero_mad_deviation"
		return Result{IsAnomaly: true, Score: math.Inf(1), Details: details}
	}
	score := math.Abs(0.6745 * (current - median) / mad)
	return Result{
		IsAnomaly: score > threshold,
		Score:     score,
		Details:   details,
	}
}
