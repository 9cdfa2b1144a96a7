// Package firmware loads application images for the bootloader.
package firmware

import (
	"errors"
	"fmt"
	"os"
)

// BootloaderSize is the flash region reserved for the bootloader itself.
// Built images start with it, and it is never sent to the device.
const BootloaderSize = 0x8000

// ErrImageTooSmall is returned when nothing follows the reserved prefix
var ErrImageTooSmall = errors.New("firmware image has no application data")

// Image is the application part of a firmware file
type Image struct {
	// Path the image was read from
	Path string

	// Data is the application region, without the reserved prefix
	Data []byte
}

// Len returns the number of bytes to transfer
func (img *Image) Len() int {
	return len(img.Data)
}

// Load reads a firmware file and strips the reserved prefix
func Load(path string, reserved int) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read firmware image: %w", err)
	}

	data, err := Strip(raw, reserved)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return &Image{Path: path, Data: data}, nil
}

// Strip returns the bytes of raw following the reserved prefix. The
// length limit of the transfer is enforced by the updater.
func Strip(raw []byte, reserved int) ([]byte, error) {
	if reserved < 0 {
		return nil, fmt.Errorf("invalid reserved size %d", reserved)
	}
	if len(raw) <= reserved {
		return nil, fmt.Errorf("%w: %d bytes, reserved prefix is %d", ErrImageTooSmall, len(raw), reserved)
	}

	return raw[reserved:], nil
}
