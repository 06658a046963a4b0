package errors

import (
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))

	err := Wrap(io.EOF, "read header")
	require.Error(t, err)
	assert.Equal(t, "read header: EOF", err.Error())
	assert.True(t, Is(err, io.EOF))
}

func TestMark(t *testing.T) {
	assert.Nil(t, Mark(ErrSerial, nil))

	err := Mark(ErrSerial, io.ErrClosedPipe)
	assert.True(t, Is(err, ErrSerial))
	assert.True(t, Is(err, io.ErrClosedPipe))
}

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{io.EOF, "Internal"},
		{ErrNotFound, "NotFound"},
		{Wrap(ErrSizeMismatch, "patch master_key"), "SizeMismatch"},
		{fmt.Errorf("fetch: %w", Mark(ErrConnectionFailed, io.ErrUnexpectedEOF)), "ConnectionFailed"},
		{Mark(ErrFlashFailed, io.EOF), "FlashFailed"},
		{ErrInvalidKeySize, "InvalidKeySize"},
		{ErrUnsupported, "Unsupported"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Kind(tt.err), "Kind(%v)", tt.err)
	}
}
