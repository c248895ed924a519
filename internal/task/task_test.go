package task

import (
	"context"
	"fmt"
	"io/fs"
	"testing"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorKind
	}{
		{Errorf(KindOutOfMemory, "oom"), KindOutOfMemory},
		{fmt.Errorf("wrapped: %w", Errorf(KindValidation, "bad")), KindValidation},
		{context.Canceled, KindCancelled},
		{context.DeadlineExceeded, KindTimeout},
		{fmt.Errorf("open: %w", fs.ErrNotExist), KindInputMissing},
		{fmt.Errorf("something broke"), KindRuntime},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got.Kind != tc.want {
			t.Errorf("Classify(%v) = %s, want %s", tc.err, got.Kind, tc.want)
		}
	}
	if Classify(nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
}

func TestRetryPolicy(t *testing.T) {
	for kind, want := range map[ErrorKind]bool{
		KindInputMissing: true,
		KindInternal:     true,
		KindValidation:   false,
		KindRuntime:      false,
		KindOutOfMemory:  false,
		KindTimeout:      false,
		KindCancelled:    false,
	} {
		if kind.Retryable() != want {
			t.Errorf("%s retryable = %v, want %v", kind, kind.Retryable(), want)
		}
	}
}
