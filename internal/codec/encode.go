package codec

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// DefaultJPEGQuality is used by Encode for JPEG bricks.
const DefaultJPEGQuality = 90

var zstdEncoderPool sync.Pool

func getZstdEncoder() (*zstd.Encoder, error) {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder), nil
	}
	return zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
}

// Encode compresses a decoded brick. dims is only consulted for JPEG, which
// requires one byte per voxel.
func Encode(enc Encoding, data []byte, dims [3]int) ([]byte, error) {
	switch enc {
	case Raw:
		out := make([]byte, len(data))
		copy(out, data)
		return out, nil
	case Zlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Gzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		e, err := getZstdEncoder()
		if err != nil {
			return nil, err
		}
		defer zstdEncoderPool.Put(e)
		return e.EncodeAll(data, nil), nil
	case LZ4:
		out := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, out, nil)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("lz4: %d bytes are incompressible", len(data))
		}
		return out[:n], nil
	case JPEG:
		return encodeJPEG(data, dims)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedEncoding, enc)
	}
}

func encodeJPEG(data []byte, dims [3]int) ([]byte, error) {
	w, h := dims[0], dims[1]*dims[2]
	if w <= 0 || h <= 0 || len(data) != w*h {
		return nil, fmt.Errorf("%w: jpeg needs 8-bit voxels, got %d bytes for %v", ErrUnsupportedEncoding, len(data), dims)
	}

	img := image.NewGray(image.Rect(0, 0, w, h))
	copy(img.Pix, data)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: DefaultJPEGQuality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
