package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"syscall"
	"testing"
	"time"

	"histostack/internal/models"
	"histostack/pkg/masking"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want models.Reason
	}{
		{"nil", nil, models.ReasonNone},
		{"low confidence", fmt.Errorf("mask: %w", ErrLowMaskConfidence), models.ReasonLowMaskConfidence},
		{"non convergent", fmt.Errorf("pair 3->2: %w", ErrPairwiseNonConvergent), models.ReasonPairwiseNonConvergent},
		{"drift", fmt.Errorf("%w: sections [4]", ErrDriftOutOfBounds), models.ReasonDriftOutOfBounds},
		{"source", fmt.Errorf("%w: a.tif: %w", ErrSourceUnreadable, fs.ErrNotExist), models.ReasonSourceUnreadable},
		{"busy", fmt.Errorf("write: %w", ErrTransientStorage), models.ReasonTransientStorage},
		{"io", &fs.PathError{Op: "write", Path: "x", Err: syscall.EIO}, models.ReasonTransientStorage},
		{"missing file", &fs.PathError{Op: "open", Path: "x", Err: fs.ErrNotExist}, models.ReasonInternal},
		{"cancelled", context.Canceled, models.ReasonInternal},
		{"other", errors.New("boom"), models.ReasonInternal},
		{"stage error", &StageError{Stage: StageSolve, Reason: models.ReasonDriftOutOfBounds, Err: errors.New("x")}, models.ReasonDriftOutOfBounds},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestStageErrorUnwraps(t *testing.T) {
	err := error(&StageError{Stage: StageMask, OrderIndex: 3, Reason: models.ReasonLowMaskConfidence, Err: ErrLowMaskConfidence})
	if !errors.Is(err, masking.ErrLowMaskConfidence) {
		t.Errorf("Expected StageError to unwrap to the masking sentinel")
	}
	if !strings.HasPrefix(err.Error(), "mask section 3 (low_mask_confidence): ") {
		t.Errorf("Expected stage, section and reason in the message, got %q", err.Error())
	}
}

func TestMaskCacheRoundTrip(t *testing.T) {
	c := newMaskCache(2)
	defer c.stop()
	a := &masking.Mask{Width: 1}

	c.put("v", 0, a)
	if m, ok := c.get("v", 0); !ok || m != a {
		t.Fatalf("Expected mask 0 to be cached, got %v %v", m, ok)
	}
	if _, ok := c.get("w", 0); ok {
		t.Errorf("Expected volumes to be kept apart")
	}

	c.drop("v", 0)
	if _, ok := c.get("v", 0); ok {
		t.Errorf("Expected mask 0 to be dropped")
	}
	c.drop("v", 7)
}

func TestMaskCacheIsBounded(t *testing.T) {
	c := newMaskCache(2)
	defer c.stop()
	for i := 0; i < 10; i++ {
		c.put("v", i, &masking.Mask{Width: i})
	}

	// Eviction runs in the cache's worker.
	deadline := time.Now().Add(2 * time.Second)
	for c.cache.ItemCount() > 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := c.cache.ItemCount(); n > 2 {
		t.Errorf("Expected at most 2 cached masks, got %d", n)
	}
}

func TestMaskCacheDisabled(t *testing.T) {
	c := newMaskCache(0)
	defer c.stop()
	c.put("v", 0, &masking.Mask{})
	if _, ok := c.get("v", 0); ok {
		t.Errorf("Expected nothing to be cached with size 0")
	}
	c.drop("v", 0)
}
