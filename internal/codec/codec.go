// Package codec decodes and encodes brick payloads.
//
// A compressed brick payload carries no framing: the expected decoded size
// always comes from the brick geometry, and a payload that decodes to any
// other length is rejected with ErrSizeMismatch.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Encoding tags how a brick is stored at its source.
type Encoding uint8

const (
	Raw Encoding = iota
	Zlib
	Gzip
	Zstd
	LZ4
	JPEG
)

var (
	ErrUnsupportedEncoding = errors.New("unsupported encoding")
	ErrCorrupt             = errors.New("corrupt payload")
	ErrSizeMismatch        = errors.New("decoded size mismatch")
)

var encodingNames = map[Encoding]string{
	Raw:  "raw",
	Zlib: "zlib",
	Gzip: "gzip",
	Zstd: "zstd",
	LZ4:  "lz4",
	JPEG: "jpeg",
}

func (e Encoding) String() string {
	if name, ok := encodingNames[e]; ok {
		return name
	}
	return fmt.Sprintf("encoding(%d)", uint8(e))
}

// Compressed reports whether payloads need a decode step.
func (e Encoding) Compressed() bool {
	return e != Raw
}

// ParseEncoding maps a name such as "zstd" or "RAW" to an Encoding.
func ParseEncoding(s string) (Encoding, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "" || name == "none" {
		return Raw, nil
	}
	if name == "jpg" {
		return JPEG, nil
	}
	for enc, n := range encodingNames {
		if n == name {
			return enc, nil
		}
	}
	return Raw, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
}

var zstdDecoderPool sync.Pool

func getZstdDecoder() (*zstd.Decoder, error) {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder), nil
	}
	return zstd.NewReader(nil)
}

// Decode turns src into exactly size decoded bytes.
func Decode(enc Encoding, src []byte, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%w: negative size %d", ErrSizeMismatch, size)
	}

	switch enc {
	case Raw:
		if int64(len(src)) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(src), size)
		}
		return src, nil
	case Zlib:
		r, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer r.Close()
		return readExactly(r, size)
	case Gzip:
		r, err := gzip.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		defer r.Close()
		return readExactly(r, size)
	case Zstd:
		dec, err := getZstdDecoder()
		if err != nil {
			return nil, err
		}
		defer zstdDecoderPool.Put(dec)

		out, err := dec.DecodeAll(src, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if int64(len(out)) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, len(out), size)
		}
		return out, nil
	case LZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(src, out)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		if int64(n) != size {
			return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, n, size)
		}
		return out, nil
	case JPEG:
		return decodeJPEG(src, size)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
}

func readExactly(r io.Reader, size int64) ([]byte, error) {
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: short stream", ErrSizeMismatch)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		return nil, fmt.Errorf("%w: trailing data", ErrSizeMismatch)
	}
	return out, nil
}

// JPEG bricks are 8-bit grayscale images whose slices are stacked vertically.
func decodeJPEG(src []byte, size int64) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if int64(w)*int64(h) != size {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrSizeMismatch, w*h, size)
	}

	var plane []byte
	var stride int
	switch m := img.(type) {
	case *image.Gray:
		plane, stride = m.Pix, m.Stride
	case *image.YCbCr:
		plane, stride = m.Y, m.YStride
	default:
		return nil, fmt.Errorf("%w: jpeg color model %T", ErrUnsupportedEncoding, img)
	}

	out := make([]byte, size)
	for y := 0; y < h; y++ {
		copy(out[y*w:(y+1)*w], plane[y*stride:y*stride+w])
	}
	return out, nil
}
