package stealth

import (
	"net/http"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		status int
		want   action
	}{
		{200, actionSucceed},
		{429, actionCooldown},
		{503, actionCooldown},
		{500, actionRetry},
		{502, actionRetry},
		{504, actionRetry},
		{403, actionAbort},
		{404, actionAbort},
		{201, actionRetry},
		{301, actionRetry},
		{401, actionRetry},
		{418, actionRetry},
	}
	for _, c := range cases {
		got := classify(c.status)
		if !cmp.Equal(c.want, got) {
			t.Fatalf("classify(%d) = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestCooldownDeltaSeconds(t *testing.T) {
	c, _ := newTestClient(t, Options{})
	require.Equal(t, 5*time.Second, c.cooldown("5"))
	require.Equal(t, time.Duration(0), c.cooldown("0"))
}

func TestCooldownHTTPDate(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	wait := c.cooldown(future)
	require.Greater(t, wait, 80*time.Second)
	require.LessOrEqual(t, wait, 91*time.Second)

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	require.Equal(t, time.Duration(0), c.cooldown(past))
}

func TestCooldownFallbackRange(t *testing.T) {
	c, _ := newTestClient(t, Options{})

	for _, header := range []string{"", "soon", "-3"} {
		for i := 0; i < 20; i++ {
			wait := c.cooldown(header)
			require.GreaterOrEqual(t, wait, 30*time.Second, "header %q", header)
			require.LessOrEqual(t, wait, 120*time.Second, "header %q", header)
		}
	}
}

func TestNetworkBackoffDoubles(t *testing.T) {
	b := newNetworkBackoff()

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		60 * time.Second,
		60 * time.Second,
	}
	for i, expected := range want {
		require.Equal(t, expected, b.NextBackOff(), "step %d", i)
	}
}
