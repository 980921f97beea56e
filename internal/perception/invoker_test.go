package perception_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"

	"alphagate/internal/perception"
	"alphagate/internal/perception/perceptiontest"
)

type recordedSleeps struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordedSleeps) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordedSleeps) total() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	var sum time.Duration
	for _, d := range r.delays {
		sum += d
	}
	return sum
}

type recordingReporter struct {
	mu      sync.Mutex
	records []perception.UsageRecord
	err     error
	panics  bool
}

func (r *recordingReporter) ReportUsage(_ context.Context, rec perception.UsageRecord) error {
	if r.panics {
		panic("reporter exploded")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return r.err
}

var testPolicy = perception.ModelPolicy{Default: "gemini-2.5-flash", Deprecated: []string{"gemini-pro"}}

func TestInvoke_SucceedsAfterTransientFailures(t *testing.T) {
	for k := 0; k <= 3; k++ {
		client := perceptiontest.NewClient()
		for i := 0; i < k; i++ {
			client.On("op", perceptiontest.Step{Err: errors.New("googleapi: Error 429: rate limit exceeded")})
		}
		client.On("op", perceptiontest.Step{Text: "ok", Usage: perception.Usage{InputTokens: 10, OutputTokens: 3}})

		sleeps := &recordedSleeps{}
		inv := perception.NewInvoker(client, testPolicy, perception.WithSleep(sleeps.sleep))

		res, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 3, 100*time.Millisecond)
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "ok", res.Text)
		assert.Equal(t, k+1, client.CallCount("op"))

		// 100 * (2^k - 1) ms
		want := time.Duration((1<<k)-1) * 100 * time.Millisecond
		assert.Equal(t, want, sleeps.total(), "k=%d", k)
	}
}

func TestInvoke_ExhaustsRetryBudget(t *testing.T) {
	client := perceptiontest.NewClient().On("op", perceptiontest.Step{Err: errors.New("503 Service Unavailable")})
	sleeps := &recordedSleeps{}
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep(sleeps.sleep))

	_, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 3, time.Second)
	require.Error(t, err)

	var ie *perception.InvocationError
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Transient)
	assert.Equal(t, 4, ie.Attempts)
	assert.Equal(t, 4, client.CallCount("op"))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, sleeps.delays)
	assert.True(t, perception.IsExhausted(err))
}

func TestInvoke_TerminalErrorDoesNotRetry(t *testing.T) {
	client := perceptiontest.NewClient().On("op", perceptiontest.Step{Err: errors.New("API key not valid. Please pass a valid API key.")})
	sleeps := &recordedSleeps{}
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep(sleeps.sleep))

	_, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 5, time.Second)
	require.Error(t, err)

	var ie *perception.InvocationError
	require.True(t, errors.As(err, &ie))
	assert.False(t, ie.Transient)
	assert.Equal(t, 1, ie.Attempts)
	assert.Equal(t, 1, client.CallCount("op"))
	assert.Empty(t, sleeps.delays)
}

func TestInvoke_ZeroRetries(t *testing.T) {
	client := perceptiontest.NewClient().On("op", perceptiontest.Step{Err: errors.New("model is overloaded")})
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep((&recordedSleeps{}).sleep))

	_, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 0, time.Second)

	var ie *perception.InvocationError
	require.True(t, errors.As(err, &ie))
	assert.True(t, ie.Transient)
	assert.Equal(t, 1, ie.Attempts)
}

func TestInvoke_ConflictingModesRejectedBeforeCall(t *testing.T) {
	client := perceptiontest.NewClient().Reply("", "never")
	inv := perception.NewInvoker(client, testPolicy)

	req := perception.Request{
		Prompt:         "p",
		ResponseSchema: &genai.Schema{Type: genai.TypeObject},
		WebSearch:      true,
	}
	_, err := inv.Invoke(context.Background(), req, 3, time.Millisecond)
	assert.ErrorIs(t, err, perception.ErrConflictingModes)
	assert.Empty(t, client.Calls())
}

func TestInvoke_ModelSubstitution(t *testing.T) {
	tests := []struct {
		name      string
		requested string
		want      string
	}{
		{"empty", "", "gemini-2.5-flash"},
		{"deprecated", "gemini-pro", "gemini-2.5-flash"},
		{"explicit", "gemini-2.5-pro", "gemini-2.5-pro"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := perceptiontest.NewClient().Reply("", "ok")
			inv := perception.NewInvoker(client, testPolicy)

			res, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Model: tt.requested}, 0, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Model)
			assert.Equal(t, tt.want, client.Calls()[0].Model)
		})
	}
}

func TestInvoke_ReporterFailuresNeverFailTheCall(t *testing.T) {
	t.Run("error", func(t *testing.T) {
		rep := &recordingReporter{err: errors.New("disk full")}
		inv := perception.NewInvoker(perceptiontest.NewClient().Reply("", "ok"), testPolicy, perception.WithUsageReporter(rep))
		res, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p"}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Text)
	})
	t.Run("panic", func(t *testing.T) {
		rep := &recordingReporter{panics: true}
		inv := perception.NewInvoker(perceptiontest.NewClient().Reply("", "ok"), testPolicy, perception.WithUsageReporter(rep))
		res, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p"}, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, "ok", res.Text)
	})
}

func TestInvoke_ReportsUsage(t *testing.T) {
	rep := &recordingReporter{}
	client := perceptiontest.NewClient().On("reliability", perceptiontest.Step{Text: "{}", Usage: perception.Usage{InputTokens: 120, OutputTokens: 30}})
	inv := perception.NewInvoker(client, testPolicy, perception.WithUsageReporter(rep), perception.WithProvider("gemini"))

	_, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "reliability"}, 0, 0)
	require.NoError(t, err)

	require.Len(t, rep.records, 1)
	assert.Equal(t, perception.UsageRecord{
		Model:        "gemini-2.5-flash",
		Provider:     "gemini",
		Operation:    "reliability",
		InputTokens:  120,
		OutputTokens: 30,
	}, rep.records[0])
}

func TestInvoke_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := perceptiontest.NewClient().On("op", perceptiontest.Step{Err: errors.New("429 too many requests")})
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := inv.Invoke(ctx, perception.Request{Prompt: "p", Operation: "op"}, 5, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, perception.IsExhausted(err))
	assert.Equal(t, 1, client.CallCount("op"))
}


// providerTimeout returns the error a real http.Client produces when the
// provider does not answer within the client timeout.
func providerTimeout(t *testing.T) error {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := &http.Client{Timeout: 20 * time.Millisecond}
	resp, err := client.Get(srv.URL)
	if err == nil {
		resp.Body.Close()
		t.Fatal("expected a client timeout")
	}
	return fmt.Errorf("gemini generate: %w", err)
}

func TestInvoke_ProviderTimeoutIsRetried(t *testing.T) {
	timeoutErr := providerTimeout(t)
	require.True(t, perception.IsTransient(timeoutErr), "timeout error: %v", timeoutErr)

	client := perceptiontest.NewClient().
		On("op", perceptiontest.Step{Err: timeoutErr}).
		On("op", perceptiontest.Step{Text: "ok"})
	sleeps := &recordedSleeps{}
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep(sleeps.sleep))

	res, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 2, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.Equal(t, 2, client.CallCount("op"))
	assert.Equal(t, []time.Duration{10 * time.Millisecond}, sleeps.delays)
}

func TestInvoke_GatewayTimeoutExhausts(t *testing.T) {
	client := perceptiontest.NewClient().On("op", perceptiontest.Step{Err: errors.New("googleapi: Error 504: Deadline expired, Status: DEADLINE_EXCEEDED")})
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep((&recordedSleeps{}).sleep))

	_, err := inv.Invoke(context.Background(), perception.Request{Prompt: "p", Operation: "op"}, 1, time.Millisecond)
	assert.True(t, perception.IsExhausted(err))
	assert.Equal(t, 2, client.CallCount("op"))
}

func TestInvoke_CallerDeadlineIsTerminal(t *testing.T) {
	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	client := perceptiontest.NewClient().Reply("op", "never")
	inv := perception.NewInvoker(client, testPolicy, perception.WithSleep((&recordedSleeps{}).sleep))

	_, err := inv.Invoke(ctx, perception.Request{Prompt: "p", Operation: "op"}, 3, time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, perception.IsExhausted(err))
}
