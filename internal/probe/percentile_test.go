package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/chatrelay/internal/codec"
	"github.com/Tyrowin/chatrelay/internal/testutil"
)

// TestPercentile tests nearest-rank selection.
func TestPercentile(t *testing.T) {
	samples := make([]time.Duration, 100)
	for i := range samples {
		samples[i] = time.Duration(i+1) * time.Millisecond
	}
	require.Equal(t, 50*time.Millisecond, percentile(samples, 50))
	require.Equal(t, 99*time.Millisecond, percentile(samples, 99))
	require.Equal(t, 100*time.Millisecond, percentile(samples, 100))
	require.Equal(t, time.Millisecond, percentile(samples, 0))
	require.Equal(t, 7*time.Millisecond, percentile([]time.Duration{7 * time.Millisecond}, 99))
	require.Zero(t, percentile(nil, 50))
}

// TestObserveIgnoresForeignTokens tests that a session only measures its
// own messages, even when another connection reuses the same body.
func TestObserveIgnoresForeignTokens(t *testing.T) {
	s := newSession(0, nil, Options{Messages: 1, Logger: testutil.Logger()})
	s.pending["token"] = time.Now().Add(-time.Millisecond)

	s.observe(codec.Message{SenderID: "probe-1", Body: "token"}, time.Now())
	require.Equal(t, 1, s.outstanding())

	s.observe(codec.Message{SenderID: "probe-0", Body: "other"}, time.Now())
	require.Equal(t, 1, s.outstanding())

	s.observe(codec.Message{SenderID: "probe-0", Body: "token"}, time.Now())
	require.Zero(t, s.outstanding())
	_, samples := s.result()
	require.Len(t, samples, 1)
	require.Positive(t, samples[0])
}
