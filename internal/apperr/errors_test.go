package apperr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"io", NewIOError("open", "/x", io.ErrUnexpectedEOF), ExitIO},
		{"frame", NewFrameCorruptionError(10, 400, errors.New("no terminator")), ExitFrame},
		{"field decode", NewFieldDecodeError("value", 2, 8, errors.New("not an integer")), ExitOK},
		{"conflict", NewOutputConflictError("/x.csv"), ExitOutputConflict},
		{"cancelled", NewCancelledError(nil), ExitCancelled},
		{"invalid", NewInvalidError("load format", errors.New("bad")), ExitInvalid},
		{"wrapped", fmt.Errorf("run: %w", NewOutputConflictError("/x.csv")), ExitOutputConflict},
		{"bare context", context.Canceled, ExitCancelled},
		{"unknown", errors.New("boom"), ExitInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestExitCodesAreDistinct(t *testing.T) {
	seen := map[int]bool{}
	for _, c := range []int{ExitIO, ExitFrame, ExitOutputConflict, ExitCancelled} {
		assert.False(t, seen[c], "duplicate exit code %d", c)
		assert.NotEqual(t, ExitOK, c)
		seen[c] = true
	}
}

func TestErrorsIsMatchesKind(t *testing.T) {
	err := fmt.Errorf("wrap: %w", NewFrameCorruptionError(3, 12, io.ErrUnexpectedEOF))
	assert.ErrorIs(t, err, ErrFrameCorrupted)
	assert.NotErrorIs(t, err, ErrIO)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestErrorMessage(t *testing.T) {
	err := NewFrameCorruptionError(11, 420, errors.New("frame exceeds 64 bytes"))
	assert.Equal(t, "corrupt frame boundary frame 11 at offset 420: frame exceeds 64 bytes", err.Error())

	err = NewIOError("open", "/data/a.bin", errors.New("permission denied"))
	assert.Equal(t, "open /data/a.bin: permission denied", err.Error())
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.False(t, IsFatal(NewFieldDecodeError("x", 0, 0, errors.New("bad"))))
	assert.True(t, IsFatal(NewIOError("read", "", io.ErrClosedPipe)))
}
