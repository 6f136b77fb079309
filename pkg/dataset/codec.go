package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/mandelcache/mandelcache/pkg/numeric"
	"github.com/mandelcache/mandelcache/pkg/viewport"
)

// Magic identifies an artifact and its layout version.
const Magic = "ETZ1"

// maxDecimalLen bounds a single encoded decimal component.
const maxDecimalLen = 1 << 16

// MaxPixels is the largest resolution an artifact may hold (16384x16384).
const MaxPixels = 1 << 28

// ErrMalformed is returned by Decode for input that is not a well-formed artifact.
var ErrMalformed = errors.New("malformed artifact")

var order = binary.LittleEndian

type header struct {
	Magic     [4]byte
	Precision uint8
	Digits    uint32
	Viewport  [7]float64
	Pixels    uint64
}

// Encode writes d to w as a zstd-compressed artifact. The frame carries a checksum so
// truncated or altered artifacts fail to decode.
func Encode(w io.Writer, d *Dataset) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if len(d.EscapeTimes) > MaxPixels {
		return fmt.Errorf("%w: %d pixels exceed the artifact limit of %d", ErrInvalid, len(d.EscapeTimes), MaxPixels)
	}

	zw, err := zstd.NewWriter(w, zstd.WithEncoderCRC(true), zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("failed to create compressor: %w", err)
	}
	bw := bufio.NewWriter(zw)

	h := header{
		Precision: uint8(d.Z.Precision),
		Digits:    d.Z.Digits,
		Viewport:  d.Viewport.Tuple(),
		Pixels:    uint64(len(d.EscapeTimes)),
	}
	copy(h.Magic[:], Magic)

	if err := writeBody(bw, &h, d); err != nil {
		zw.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		zw.Close()
		return fmt.Errorf("failed to flush artifact: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("failed to finish compressed frame: %w", err)
	}
	return nil
}

func writeBody(w *bufio.Writer, h *header, d *Dataset) error {
	if err := binary.Write(w, order, h); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if err := binary.Write(w, order, d.EscapeTimes); err != nil {
		return fmt.Errorf("failed to write escape times: %w", err)
	}
	if _, err := w.Write(packMask(d.Interior)); err != nil {
		return fmt.Errorf("failed to write interior mask: %w", err)
	}

	switch d.Z.Precision {
	case numeric.PrecisionFixed:
		if err := binary.Write(w, order, d.Z.Fixed); err != nil {
			return fmt.Errorf("failed to write iterates: %w", err)
		}
	case numeric.PrecisionArbitrary:
		var buf []byte
		for _, z := range d.Z.Arbitrary {
			if err := z.Err(); err != nil {
				return fmt.Errorf("cannot encode failed iterate: %w", err)
			}
			re, im := z.Strings()
			buf = appendString(buf[:0], re)
			buf = appendString(buf, im)
			if _, err := w.Write(buf); err != nil {
				return fmt.Errorf("failed to write iterates: %w", err)
			}
		}
	}
	return nil
}

// Decode reads an artifact written by Encode.
func Decode(r io.Reader) (*Dataset, error) {
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	defer zr.Close()
	br := bufio.NewReader(zr)

	var h header
	if err := binary.Read(br, order, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrMalformed, err)
	}
	if string(h.Magic[:]) != Magic {
		return nil, fmt.Errorf("%w: unexpected magic %q", ErrMalformed, h.Magic[:])
	}

	spec, err := viewport.FromTuple(h.Viewport)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if pixels := uint64(spec.Width) * uint64(spec.Height); pixels > MaxPixels {
		return nil, fmt.Errorf("%w: %dx%d viewport exceeds the artifact limit of %d pixels", ErrMalformed, spec.Width, spec.Height, MaxPixels)
	}
	n := spec.Pixels()
	if h.Pixels != uint64(n) {
		return nil, fmt.Errorf("%w: %d pixels recorded for a %dx%d viewport", ErrMalformed, h.Pixels, spec.Width, spec.Height)
	}

	d := &Dataset{
		EscapeTimes: make([]float64, n),
		Viewport:    spec,
		Z:           State{Precision: numeric.Precision(h.Precision), Digits: h.Digits},
	}
	if err := binary.Read(br, order, d.EscapeTimes); err != nil {
		return nil, fmt.Errorf("%w: escape times: %v", ErrMalformed, err)
	}

	mask := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(br, mask); err != nil {
		return nil, fmt.Errorf("%w: interior mask: %v", ErrMalformed, err)
	}
	d.Interior = unpackMask(mask, n)

	switch d.Z.Precision {
	case numeric.PrecisionFixed:
		d.Z.Fixed = make([]complex128, n)
		if err := binary.Read(br, order, d.Z.Fixed); err != nil {
			return nil, fmt.Errorf("%w: iterates: %v", ErrMalformed, err)
		}
	case numeric.PrecisionArbitrary:
		digits := h.Digits
		if digits == 0 {
			digits = numeric.DefaultDigits
		}
		ctx := numeric.NewContext(digits)
		d.Z.Arbitrary = make([]numeric.Arbitrary, n)
		for i := range d.Z.Arbitrary {
			re, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("%w: iterate %d: %v", ErrMalformed, i, err)
			}
			im, err := readString(br)
			if err != nil {
				return nil, fmt.Errorf("%w: iterate %d: %v", ErrMalformed, i, err)
			}
			if d.Z.Arbitrary[i], err = numeric.ParseArbitrary(re, im, ctx); err != nil {
				return nil, fmt.Errorf("%w: iterate %d: %v", ErrMalformed, i, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown precision %d", ErrMalformed, h.Precision)
	}

	if _, err := br.ReadByte(); err != io.EOF {
		if err == nil {
			return nil, fmt.Errorf("%w: trailing data", ErrMalformed)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return d, nil
}

func packMask(mask []bool) []byte {
	out := make([]byte, (len(mask)+7)/8)
	for i, v := range mask {
		if v {
			out[i/8] |= 1 << (i % 8)
		}
	}
	return out
}

func unpackMask(b []byte, n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = b[i/8]&(1<<(i%8)) != 0
	}
	return out
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readString(r *bufio.Reader) (string, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return "", err
	}
	if n > maxDecimalLen {
		return "", fmt.Errorf("decimal of %d bytes exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", err
	}
	return string(b), nil
}
