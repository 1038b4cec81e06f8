package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassifyHTTPErr(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		err           error
		status        int
		want          error
		wantTransient bool
	}{
		{
			name:   "context deadline is a timeout",
			err:    context.DeadlineExceeded,
			want:   ErrTimeout,
		},
		{
			name:          "network error is transient provider error",
			err:           errors.New("connection refused"),
			want:          ErrProvider,
			wantTransient: true,
		},
		{
			name:   "401 is auth",
			status: http.StatusUnauthorized,
			want:   ErrAuth,
		},
		{
			name:   "403 is auth",
			status: http.StatusForbidden,
			want:   ErrAuth,
		},
		{
			name:          "502 is transient provider error",
			status:        http.StatusBadGateway,
			want:          ErrProvider,
			wantTransient: true,
		},
		{
			name:   "422 is terminal provider error",
			status: http.StatusUnprocessableEntity,
			want:   ErrProvider,
		},
		{
			name:   "200 is fine",
			status: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := classifyHTTPErr(tt.err, tt.status)
			if tt.want == nil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if !errors.Is(got, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			if isTransient(got) != tt.wantTransient {
				t.Errorf("transient = %v, want %v", isTransient(got), tt.wantTransient)
			}
		})
	}
}

func TestDoWithRetry(t *testing.T) {
	t.Parallel()

	t.Run("retries transient errors once", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := doWithRetry(context.Background(), func() error {
			calls++
			if calls == 1 {
				return markTransient(fmt.Errorf("%w: status 502", ErrProvider))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if calls != 2 {
			t.Errorf("calls = %d, want 2", calls)
		}
	})

	t.Run("gives up after the retry budget", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := doWithRetry(context.Background(), func() error {
			calls++
			return markTransient(fmt.Errorf("%w: status 503", ErrProvider))
		})
		if !errors.Is(err, ErrProvider) {
			t.Fatalf("expected ErrProvider, got %v", err)
		}
		if calls != maxRetries+1 {
			t.Errorf("calls = %d, want %d", calls, maxRetries+1)
		}
	})

	t.Run("never retries terminal errors", func(t *testing.T) {
		t.Parallel()

		calls := 0
		err := doWithRetry(context.Background(), func() error {
			calls++
			return fmt.Errorf("%w: took too long", ErrTimeout)
		})
		if !errors.Is(err, ErrTimeout) {
			t.Fatalf("expected ErrTimeout, got %v", err)
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})

	t.Run("canceled context cuts the backoff short", func(t *testing.T) {
		t.Parallel()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := doWithRetry(ctx, func() error {
			calls++
			return markTransient(fmt.Errorf("%w: status 500", ErrProvider))
		})
		if err == nil {
			t.Fatal("expected error")
		}
		if calls != 1 {
			t.Errorf("calls = %d, want 1", calls)
		}
	})
}
