package buildcache

import (
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"

	"anvil/internal/fileutil"
)

// zstdEncoder and zstdDecoder are safe for concurrent use and reused across
// calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("buildcache: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("buildcache: zstd decoder initialization failed: " + err.Error())
	}
}

func writeLog(path string, data []byte) error {
	if err := fileutil.WriteFileAtomic(path, zstdEncoder.EncodeAll(data, nil), 0o644); err != nil {
		return fmt.Errorf("buildcache: write build log: %w", err)
	}
	return nil
}

func readLog(path string) ([]byte, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("buildcache: build log missing: %w", err)
		}
		return nil, fmt.Errorf("buildcache: read build log: %w", err)
	}
	data, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("buildcache: decompress build log: %w", err)
	}
	return data, nil
}
