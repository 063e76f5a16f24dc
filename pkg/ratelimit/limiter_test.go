package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock はテスト用の手動で進める時計。
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{now: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// testEpoch はウィンドウ境界に揃えたテスト用の基準時刻。
var testEpoch = time.Unix(1_700_000_040, 0)

// TestFixedWindowAllow はFixedWindow.Allowを検証する。
func TestFixedWindowAllow(t *testing.T) {
	t.Parallel()

	tier := Tier{Name: "test", Window: time.Minute, Max: 3}

	t.Run("ウィンドウ内で最初のN件だけが許可されN+1件目が拒否されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock(testEpoch)
		limiter := NewFixedWindow(WithClock(clock.Now))
		ctx := context.Background()

		for i := 1; i <= tier.Max; i++ {
			d, err := limiter.Allow(ctx, "k", tier)
			if err != nil {
				t.Fatalf("Allow()でエラーが発生: %v", err)
			}
			if !d.Allowed {
				t.Fatalf("%d件目が拒否された", i)
			}
			if d.Remaining != tier.Max-i {
				t.Errorf("Remaining = %d, want %d", d.Remaining, tier.Max-i)
			}
		}

		d, err := limiter.Allow(ctx, "k", tier)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if d.Allowed {
			t.Fatal("N+1件目が許可された")
		}
		if d.Remaining != 0 {
			t.Errorf("Remaining = %d, want 0", d.Remaining)
		}
		if !d.ResetAt.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("ResetAt = %v, want %v", d.ResetAt, testEpoch.Add(time.Minute))
		}
	})

	t.Run("ウィンドウ経過後にカウンタがリセットされること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock(testEpoch)
		limiter := NewFixedWindow(WithClock(clock.Now))
		ctx := context.Background()

		for i := 0; i <= tier.Max; i++ {
			if _, err := limiter.Allow(ctx, "k", tier); err != nil {
				t.Fatalf("Allow()でエラーが発生: %v", err)
			}
		}

		clock.Advance(time.Minute)

		d, err := limiter.Allow(ctx, "k", tier)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if !d.Allowed {
			t.Fatal("新しいウィンドウの最初のリクエストが拒否された")
		}
		if d.Remaining != tier.Max-1 {
			t.Errorf("Remaining = %d, want %d", d.Remaining, tier.Max-1)
		}
	})

	t.Run("異なるキーのカウンタは互いに影響しないこと", func(t *testing.T) {
		t.Parallel()

		limiter := NewFixedWindow(WithClock(newFakeClock(testEpoch).Now))
		ctx := context.Background()

		for i := 0; i < tier.Max+2; i++ {
			if _, err := limiter.Allow(ctx, "route|tenant-a|/api/v1/orders", tier); err != nil {
				t.Fatalf("Allow()でエラーが発生: %v", err)
			}
		}

		d, err := limiter.Allow(ctx, "route|tenant-b|/api/v1/orders", tier)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if !d.Allowed {
			t.Fatal("tenant-bのリクエストがtenant-aの消費により拒否された")
		}
	})

	t.Run("ウィンドウ開始時刻がエポック基準で切り捨てられること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock(testEpoch.Add(42 * time.Second))
		limiter := NewFixedWindow(WithClock(clock.Now))

		d, err := limiter.Allow(context.Background(), "k", tier)
		if err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if !d.ResetAt.Equal(testEpoch.Add(time.Minute)) {
			t.Errorf("ResetAt = %v, want %v", d.ResetAt, testEpoch.Add(time.Minute))
		}
		if got := d.RetryAfter(clock.Now()); got != 18*time.Second {
			t.Errorf("RetryAfter = %v, want 18s", got)
		}
	})

	t.Run("不正なティアはエラーになること", func(t *testing.T) {
		t.Parallel()

		limiter := NewFixedWindow()
		_, err := limiter.Allow(context.Background(), "k", Tier{Name: "broken"})
		if !errors.Is(err, ErrInvalidTier) {
			t.Errorf("err = %v, want ErrInvalidTier", err)
		}
	})

	t.Run("キャンセル済みのコンテキストはエラーになること", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		limiter := NewFixedWindow()
		if _, err := limiter.Allow(ctx, "k", tier); !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	})
}

// TestFixedWindowConcurrency は並行アクセス時に上限を超えて許可されないことを検証する。
func TestFixedWindowConcurrency(t *testing.T) {
	t.Parallel()

	tier := Tier{Name: "test", Window: time.Hour, Max: 50}
	limiter := NewFixedWindow(WithClock(newFakeClock(testEpoch).Now))

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := limiter.Allow(context.Background(), "shared", tier)
			if err != nil {
				t.Errorf("Allow()でエラーが発生: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != int64(tier.Max) {
		t.Errorf("許可数 = %d, want %d", got, tier.Max)
	}
}

// TestFixedWindowSweep は期限切れバケットの掃除を検証する。
func TestFixedWindowSweep(t *testing.T) {
	t.Parallel()

	t.Run("ウィンドウが終了したバケットだけが削除されること", func(t *testing.T) {
		t.Parallel()

		clock := newFakeClock(testEpoch)
		limiter := NewFixedWindow(WithClock(clock.Now))
		ctx := context.Background()

		short := Tier{Name: "short", Window: time.Minute, Max: 10}
		long := Tier{Name: "long", Window: time.Hour, Max: 10}

		if _, err := limiter.Allow(ctx, "short", short); err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}
		if _, err := limiter.Allow(ctx, "long", long); err != nil {
			t.Fatalf("Allow()でエラーが発生: %v", err)
		}

		clock.Advance(2 * time.Minute)

		if removed := limiter.Sweep(); removed != 1 {
			t.Errorf("削除件数 = %d, want 1", removed)
		}
		if got := limiter.Len(); got != 1 {
			t.Errorf("Len() = %d, want 1", got)
		}
	})

	t.Run("Runがコンテキストのキャンセルで終了すること", func(t *testing.T) {
		t.Parallel()

		limiter := NewFixedWindow()
		ctx, cancel := context.WithCancel(context.Background())

		done := make(chan struct{})
		go func() {
			limiter.Run(ctx, time.Millisecond, nil)
			close(done)
		}()
		cancel()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Runが終了しなかった")
		}
	})
}

// TestTierStricterThan は標準ティアの厳しさの順序を検証する。
func TestTierStricterThan(t *testing.T) {
	t.Parallel()

	if !TierStrict.StricterThan(TierNormal) {
		t.Error("strictはnormalより厳しいべき")
	}
	if !TierNormal.StricterThan(TierHigh) {
		t.Error("normalはhighより厳しいべき")
	}
	if TierHigh.StricterThan(TierStrict) {
		t.Error("highはstrictより厳しくないべき")
	}
}
