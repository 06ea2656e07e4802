package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeAfterFiresOnAdvance(t *testing.T) {
	c := Fake(epoch)
	ch := c.After(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-ch:
		t.Fatal("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-ch:
		assert.Equal(t, epoch.Add(5*time.Second), got)
	default:
		t.Fatal("did not fire")
	}
	assert.Equal(t, 0, c.Waiters())
}

func TestFakeAfterNonPositiveFiresImmediately(t *testing.T) {
	c := Fake(epoch)
	select {
	case <-c.After(0):
	default:
		t.Fatal("expected immediate fire")
	}
}

func TestFakeTickerRepeatsAndStops(t *testing.T) {
	c := Fake(epoch)
	ticker := c.NewTicker(time.Minute)

	for i := 1; i <= 3; i++ {
		c.Advance(time.Minute)
		got := <-ticker.C
		assert.Equal(t, epoch.Add(time.Duration(i)*time.Minute), got)
	}

	ticker.Stop()
	c.Advance(time.Minute)
	select {
	case <-ticker.C:
		t.Fatal("stopped ticker fired")
	default:
	}
}

func TestFakeBlockUntil(t *testing.T) {
	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		<-c.After(time.Second)
		close(done)
	}()

	c.BlockUntil(1)
	c.Advance(time.Second)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never released")
	}
}

func TestRealClock(t *testing.T) {
	c := Real()
	before := time.Now()
	require.False(t, c.Now().Before(before))

	ticker := c.NewTicker(time.Millisecond)
	defer ticker.Stop()
	<-ticker.C
	<-c.After(time.Millisecond)
}
