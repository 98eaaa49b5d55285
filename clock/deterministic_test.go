package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_AdvanceFiresAfter(t *testing.T) {
	clk := NewDeterministicClock(time.UnixMilli(5000))
	ch := clk.After(10 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired before advancing")
	default:
	}
	clk.AdvanceTime(9 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}
	clk.AdvanceTime(time.Second)
	select {
	case firedAt := <-ch:
		require.Equal(t, clk.Now(), firedAt)
	default:
		t.Fatal("did not fire")
	}
}

func TestDeterministicClock_TickerRepeats(t *testing.T) {
	clk := NewDeterministicClock(time.UnixMilli(0))
	ticker := clk.NewTicker(time.Minute)
	defer ticker.Stop()

	for i := 0; i < 3; i++ {
		clk.AdvanceTime(time.Minute)
		select {
		case <-ticker.Ch():
		default:
			t.Fatalf("missing tick %d", i)
		}
	}
}

func TestDeterministicClock_StoppedTickerDoesNotFire(t *testing.T) {
	clk := NewDeterministicClock(time.UnixMilli(0))
	ticker := clk.NewTicker(time.Minute)
	ticker.Stop()
	clk.AdvanceTime(time.Hour)
	select {
	case <-ticker.Ch():
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestDeterministicClock_NowAdvances(t *testing.T) {
	start := time.UnixMilli(1234)
	clk := NewDeterministicClock(start)
	clk.AdvanceTime(42 * time.Second)
	require.Equal(t, start.Add(42*time.Second), clk.Now())
	require.Equal(t, 42*time.Second, clk.Since(start))
}
