package elfpatch

import (
	"encoding/binary"

	"github.com/hubblenetwork/hubbledemo/pkg/errors"
)

// EncodeTimestamp renders ms as 8 bytes in the given byte order.
func EncodeTimestamp(order binary.ByteOrder, ms uint64) []byte {
	b := make([]byte, TimestampSize)
	order.PutUint64(b, ms)
	return b
}

// DecodeTimestamp is the inverse of EncodeTimestamp.
func DecodeTimestamp(order binary.ByteOrder, b []byte) (uint64, error) {
	if len(b) != TimestampSize {
		return 0, errors.Wrap(errors.ErrInvalid, "timestamp must be 8 bytes")
	}
	return order.Uint64(b), nil
}

// PatchTimestamp writes ms into the named symbol using the image's own
// byte order.
func (img *Image) PatchTimestamp(name string, ms uint64) error {
	order, err := img.Endianness()
	if err != nil {
		return err
	}
	return img.PatchSymbol(name, EncodeTimestamp(order, ms))
}

// ReadTimestamp decodes the named 8-byte symbol in the image's byte order.
func (img *Image) ReadTimestamp(name string) (uint64, error) {
	order, err := img.Endianness()
	if err != nil {
		return 0, err
	}
	b, err := img.ReadSymbol(name)
	if err != nil {
		return 0, err
	}
	return DecodeTimestamp(order, b)
}

// ProvisionDevice embeds the device key and the provisioning time. The key is
// always written first; the first failure stops the run.
func (img *Image) ProvisionDevice(key []byte, utcMillis uint64) error {
	if err := img.PatchSymbol(MasterKeySymbol, key); err != nil {
		return errors.Wrap(err, "patch "+MasterKeySymbol)
	}
	if err := img.PatchTimestamp(UTCTimeSymbol, utcMillis); err != nil {
		return errors.Wrap(err, "patch "+UTCTimeSymbol)
	}
	return nil
}
