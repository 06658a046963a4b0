package security

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

// Validator checks untrusted provisioning inputs before they reach a URL,
// an object key, the patcher or a device.
type Validator struct {
	maxImageSize int64
}

// NewValidator creates a new security validator
func NewValidator(maxImageSize int64) *Validator {
	slog.Info("security_validator_init", "max_image_size", humanize.IBytes(uint64(maxImageSize)))

	return &Validator{maxImageSize: maxImageSize}
}

// MaxImageSize returns the largest accepted image in bytes.
func (v *Validator) MaxImageSize() int64 {
	return v.maxImageSize
}

// ValidateBoard checks that a board name is a single, non-empty path element.
// Board names are interpolated into artifact URLs and object keys.
func (v *Validator) ValidateBoard(board string) error {
	trimmed := strings.TrimSpace(board)
	if trimmed == "" {
		slog.Error("security_board_validation_failed", "board", board, "reason", "empty")
		return fmt.Errorf("%w: board must be a non-empty string", errors.ErrInvalid)
	}

	if filepath.IsAbs(trimmed) || strings.ContainsAny(trimmed, `/\`) {
		slog.Error("security_board_validation_failed", "board", board, "reason", "path_separator")
		return fmt.Errorf("%w: board %q must not contain path separators", errors.ErrInvalid, board)
	}

	if strings.HasPrefix(filepath.Clean(trimmed), "..") {
		slog.Error("security_board_validation_failed", "board", board, "reason", "path_traversal")
		return fmt.Errorf("%w: path traversal detected in board %q", errors.ErrInvalid, board)
	}

	return nil
}

// ValidateImageSize checks if an image exceeds the max image size
func (v *Validator) ValidateImageSize(size int64) error {
	if size <= 0 {
		slog.Error("security_image_size_invalid", "size", size)
		return fmt.Errorf("%w: image is empty", errors.ErrInvalid)
	}
	if size > v.maxImageSize {
		slog.Error("security_image_size_exceeded",
			"image_size", humanize.IBytes(uint64(size)),
			"max_image_size", humanize.IBytes(uint64(v.maxImageSize)))
		return fmt.Errorf("%w: image size %d exceeds max %d", errors.ErrInvalid, size, v.maxImageSize)
	}
	return nil
}
