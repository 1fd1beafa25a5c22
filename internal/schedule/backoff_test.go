package schedule

import (
	"testing"
	"time"
)

var testNow = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

func TestCalculateNextFetch_FirstFailure(t *testing.T) {
	// 失敗1回: 30分
	d := CalculateNextFetch(nil, 1, testNow)
	if d.Interval != 30*time.Minute {
		t.Errorf("失敗1回のバックオフ = %v, want 30m", d.Interval)
	}
	if d.Reason != ReasonBackoff {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonBackoff)
	}
	if !d.NextRunAt.Equal(testNow.Add(30 * time.Minute)) {
		t.Errorf("NextRunAt = %v, want %v", d.NextRunAt, testNow.Add(30*time.Minute))
	}
}

func TestCalculateNextFetch_SecondFailure(t *testing.T) {
	// 失敗2回: 60分
	d := CalculateNextFetch(nil, 2, testNow)
	if d.Interval != 60*time.Minute {
		t.Errorf("失敗2回のバックオフ = %v, want 60m", d.Interval)
	}
}

func TestCalculateNextFetch_BackoffFormula(t *testing.T) {
	// n回失敗で min(30min * 2^(min(n,10)-1), 7days)
	for n := 1; n <= 20; n++ {
		capped := n
		if capped > 10 {
			capped = 10
		}
		want := 30 * time.Minute << (capped - 1)
		if want > MaxInterval {
			want = MaxInterval
		}

		d := CalculateNextFetch(nil, n, testNow)
		if d.Interval != want {
			t.Errorf("失敗%d回のバックオフ = %v, want %v", n, d.Interval, want)
		}
	}
}

func TestCalculateNextFetch_BackoffMonotonic(t *testing.T) {
	// バックオフ間隔はnに対して単調非減少
	prev := time.Duration(0)
	for n := 1; n <= 30; n++ {
		d := CalculateNextFetch(nil, n, testNow)
		if d.Interval < prev {
			t.Errorf("失敗%d回のバックオフ %v が前回 %v より短い", n, d.Interval, prev)
		}
		prev = d.Interval
	}
}

func TestCalculateNextFetch_BackoffCappedAt7Days(t *testing.T) {
	d := CalculateNextFetch(nil, 100, testNow)
	if d.Interval != MaxInterval {
		t.Errorf("高い連続失敗数では上限 %v を返すべき, got %v", MaxInterval, d.Interval)
	}
}

func TestCalculateNextFetch_BackoffOverridesCacheHint(t *testing.T) {
	// 失敗がある場合はキャッシュヒントより優先してバックオフを適用する
	hints := &CacheHints{MaxAge: 2 * time.Minute}
	d := CalculateNextFetch(hints, 3, testNow)
	if d.Reason != ReasonBackoff {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonBackoff)
	}
	if d.Interval != 120*time.Minute {
		t.Errorf("interval = %v, want 120m", d.Interval)
	}
}

func TestCalculateNextFetch_CacheHintExact(t *testing.T) {
	// [1分, 7日]の範囲内のmax-ageはそのまま採用される
	for _, maxAge := range []time.Duration{
		1 * time.Minute,
		30 * time.Minute,
		6 * time.Hour,
		7 * 24 * time.Hour,
	} {
		d := CalculateNextFetch(&CacheHints{MaxAge: maxAge}, 0, testNow)
		if d.Interval != maxAge {
			t.Errorf("max-age %v の間隔 = %v, ヒントと一致すべき", maxAge, d.Interval)
		}
		if d.Reason != ReasonCacheControl {
			t.Errorf("max-age %v のreason = %v, want %v", maxAge, d.Reason, ReasonCacheControl)
		}
	}
}

func TestCalculateNextFetch_CacheHintClampedMin(t *testing.T) {
	d := CalculateNextFetch(&CacheHints{MaxAge: 10 * time.Second}, 0, testNow)
	if d.Interval != MinInterval {
		t.Errorf("interval = %v, 下限 %v にクランプされるべき", d.Interval, MinInterval)
	}
	if d.Reason != ReasonCacheControlClampedMin {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonCacheControlClampedMin)
	}
}

func TestCalculateNextFetch_CacheHintClampedMax(t *testing.T) {
	d := CalculateNextFetch(&CacheHints{MaxAge: 30 * 24 * time.Hour}, 0, testNow)
	if d.Interval != MaxInterval {
		t.Errorf("interval = %v, 上限 %v にクランプされるべき", d.Interval, MaxInterval)
	}
	if d.Reason != ReasonCacheControlClampedMax {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonCacheControlClampedMax)
	}
}

func TestCalculateNextFetch_Default(t *testing.T) {
	d := CalculateNextFetch(nil, 0, testNow)
	if d.Interval != DefaultInterval {
		t.Errorf("ヒントなしの間隔 = %v, want %v", d.Interval, DefaultInterval)
	}
	if d.Reason != ReasonDefault {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonDefault)
	}
}

func TestParseCacheControl_MaxAge(t *testing.T) {
	hints := ParseCacheControl("public, max-age=3600")
	if hints == nil {
		t.Fatal("max-age付きヘッダはヒントを返すべき")
	}
	if hints.MaxAge != time.Hour {
		t.Errorf("MaxAge = %v, want 1h", hints.MaxAge)
	}
}

func TestParseCacheControl_NoCache(t *testing.T) {
	if hints := ParseCacheControl("no-cache, max-age=3600"); hints != nil {
		t.Errorf("no-cacheはヒントなしとして扱うべき, got %+v", hints)
	}
	if hints := ParseCacheControl("no-store"); hints != nil {
		t.Errorf("no-storeはヒントなしとして扱うべき, got %+v", hints)
	}
}

func TestParseCacheControl_Empty(t *testing.T) {
	if hints := ParseCacheControl(""); hints != nil {
		t.Errorf("空ヘッダはnilを返すべき, got %+v", hints)
	}
	if hints := ParseCacheControl("public"); hints != nil {
		t.Errorf("max-ageなしはnilを返すべき, got %+v", hints)
	}
}

func TestParseCacheControl_HugeMaxAgeDoesNotOverflow(t *testing.T) {
	// int64のナノ秒表現を超えるmax-ageでも負のDurationにならないこと
	hints := ParseCacheControl("max-age=9300000000")
	if hints == nil {
		t.Fatal("巨大なmax-ageもヒントとして返すべき")
	}
	if hints.MaxAge <= 0 {
		t.Fatalf("MaxAge = %v, 正の値であるべき", hints.MaxAge)
	}
	if hints.MaxAge <= MaxInterval {
		t.Errorf("MaxAge = %v, 上限クランプが働くよう %v より大きいべき", hints.MaxAge, MaxInterval)
	}

	d := CalculateNextFetch(hints, 0, testNow)
	if d.Interval != MaxInterval {
		t.Errorf("interval = %v, 上限 %v にクランプされるべき", d.Interval, MaxInterval)
	}
	if d.Reason != ReasonCacheControlClampedMax {
		t.Errorf("reason = %v, want %v", d.Reason, ReasonCacheControlClampedMax)
	}
}

func TestParseCacheControl_InvalidMaxAge(t *testing.T) {
	if hints := ParseCacheControl("max-age=abc"); hints != nil {
		t.Errorf("不正なmax-ageはnilを返すべき, got %+v", hints)
	}
	if hints := ParseCacheControl("max-age=-10"); hints != nil {
		t.Errorf("負のmax-ageはnilを返すべき, got %+v", hints)
	}
}
