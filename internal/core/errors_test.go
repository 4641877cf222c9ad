package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      ErrorKind
		wantRetryable bool
	}{
		{
			name:          "passthrough classified",
			err:           NewRateLimited(2*time.Second, "slow down"),
			wantKind:      KindRateLimited,
			wantRetryable: true,
		},
		{
			name:          "wrapped classified",
			err:           fmt.Errorf("attempt 3: %w", NewServerError(502, "bad gateway")),
			wantKind:      KindServerError,
			wantRetryable: true,
		},
		{
			name:     "context canceled",
			err:      context.Canceled,
			wantKind: KindAborted,
		},
		{
			name:     "deadline exceeded",
			err:      context.DeadlineExceeded,
			wantKind: KindAborted,
		},
		{
			name:          "unexpected EOF",
			err:           io.ErrUnexpectedEOF,
			wantKind:      KindTransportDisconnected,
			wantRetryable: true,
		},
		{
			name:     "unknown is not retryable",
			err:      errors.New("something odd"),
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if got.Kind != tt.wantKind {
				t.Fatalf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Retryable != tt.wantRetryable {
				t.Fatalf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
		})
	}

	if Classify(nil) != nil {
		t.Fatal("Classify(nil) should be nil")
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name           string
		status         int
		retryAfter     time.Duration
		wantKind       ErrorKind
		wantRetryable  bool
		wantRetryAfter time.Duration
	}{
		{
			name:           "429 carries retry-after",
			status:         429,
			retryAfter:     2 * time.Second,
			wantKind:       KindRateLimited,
			wantRetryable:  true,
			wantRetryAfter: 2 * time.Second,
		},
		{
			name:          "503 is backpressure",
			status:        503,
			wantKind:      KindBackpressure,
			wantRetryable: true,
		},
		{
			name:          "500 is server error",
			status:        500,
			wantKind:      KindServerError,
			wantRetryable: true,
		},
		{
			name:     "400 is unknown and terminal",
			status:   400,
			wantKind: KindUnknown,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStatus(tt.status, tt.retryAfter, "upstream said no")
			if got.Kind != tt.wantKind {
				t.Fatalf("Kind = %s, want %s", got.Kind, tt.wantKind)
			}
			if got.Retryable != tt.wantRetryable {
				t.Fatalf("Retryable = %v, want %v", got.Retryable, tt.wantRetryable)
			}
			if got.RetryAfter != tt.wantRetryAfter {
				t.Fatalf("RetryAfter = %v, want %v", got.RetryAfter, tt.wantRetryAfter)
			}
		})
	}
}
