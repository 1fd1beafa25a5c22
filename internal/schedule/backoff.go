// Package schedule はフィードの次回フェッチ時刻を決定する純粋な計算ロジックを提供する。
// I/Oを持たず、Job Storeとフェッチワーカーの両方から利用される。
package schedule

import (
	"strconv"
	"strings"
	"time"
)

const (
	// BaseBackoff は指数バックオフの初回間隔（30分）。
	BaseBackoff = 30 * time.Minute
	// MaxInterval はフェッチ間隔の上限（7日）。
	MaxInterval = 7 * 24 * time.Hour
	// MinInterval はフェッチ間隔の下限（1分）。
	MinInterval = 1 * time.Minute
	// DefaultInterval はヒントがない場合の既定間隔（15分）。
	DefaultInterval = 15 * time.Minute
	// maxBackoffExponent は指数計算前に失敗回数を打ち切る上限。
	// オーバーフロー防止のため2^(n-1)のnをここで頭打ちにする。
	maxBackoffExponent = 10
)

// Reason は間隔決定の根拠を表す。呼び出し側がログに記録するために返す。
type Reason string

const (
	// ReasonBackoff は連続失敗による指数バックオフ。
	ReasonBackoff Reason = "backoff"
	// ReasonCacheControl はオリジンのmax-ageヒントをそのまま採用。
	ReasonCacheControl Reason = "cache_control"
	// ReasonCacheControlClampedMin はmax-ageが下限にクランプされた。
	ReasonCacheControlClampedMin Reason = "cache_control_clamped_min"
	// ReasonCacheControlClampedMax はmax-ageが上限にクランプされた。
	ReasonCacheControlClampedMax Reason = "cache_control_clamped_max"
	// ReasonDefault はヒントがない場合の既定値。
	ReasonDefault Reason = "default"
)

// CacheHints はオリジンのレスポンスから得たキャッシュヒントを表す。
type CacheHints struct {
	MaxAge time.Duration
}

// Decision は次回フェッチ時刻の計算結果を表す。
type Decision struct {
	NextRunAt time.Time
	Interval  time.Duration
	Reason    Reason
}

// CalculateNextFetch は次回フェッチ時刻を計算する。
// 連続失敗が1回以上ある場合はキャッシュヒントより優先して指数バックオフを適用する。
// ダウン中のサーバーが過去に短いmax-ageを広告していても叩き続けないためである。
// 失敗がない場合はmax-ageヒントを[1分, 7日]にクランプして採用し、
// ヒントがなければ15分を返す。
func CalculateNextFetch(hints *CacheHints, consecutiveFailures int, now time.Time) Decision {
	if consecutiveFailures > 0 {
		n := consecutiveFailures
		if n > maxBackoffExponent {
			n = maxBackoffExponent
		}
		interval := BaseBackoff << (n - 1)
		if interval > MaxInterval {
			interval = MaxInterval
		}
		return Decision{
			NextRunAt: now.Add(interval),
			Interval:  interval,
			Reason:    ReasonBackoff,
		}
	}

	if hints != nil {
		interval := hints.MaxAge
		reason := ReasonCacheControl
		if interval < MinInterval {
			interval = MinInterval
			reason = ReasonCacheControlClampedMin
		} else if interval > MaxInterval {
			interval = MaxInterval
			reason = ReasonCacheControlClampedMax
		}
		return Decision{
			NextRunAt: now.Add(interval),
			Interval:  interval,
			Reason:    reason,
		}
	}

	return Decision{
		NextRunAt: now.Add(DefaultInterval),
		Interval:  DefaultInterval,
		Reason:    ReasonDefault,
	}
}

// ParseCacheControl はCache-ControlヘッダからCacheHintsを抽出する。
// max-ageディレクティブがない場合、またはno-cache/no-storeが指定されている場合はnilを返す。
func ParseCacheControl(header string) *CacheHints {
	if header == "" {
		return nil
	}

	var maxAge *time.Duration
	for _, directive := range strings.Split(header, ",") {
		directive = strings.TrimSpace(strings.ToLower(directive))

		if directive == "no-cache" || directive == "no-store" {
			return nil
		}

		if v, ok := strings.CutPrefix(directive, "max-age="); ok {
			seconds, err := strconv.ParseInt(v, 10, 64)
			if err != nil || seconds < 0 {
				continue
			}
			// time.Durationへの変換でオーバーフローしないよう上限の少し上で頭打ちにする。
			// 超過分はCalculateNextFetch側でMaxIntervalにクランプされる
			if limit := int64(MaxInterval/time.Second) + 1; seconds > limit {
				seconds = limit
			}
			d := time.Duration(seconds) * time.Second
			maxAge = &d
		}
	}

	if maxAge == nil {
		return nil
	}
	return &CacheHints{MaxAge: *maxAge}
}
