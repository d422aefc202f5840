package cache

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/annel0/trial-replay/internal/timeline"
	"github.com/klauspost/compress/zstd"
)

// Таймлайн хранится во внешнем кеше как JSON, сжатый zstd.
// Encoder/Decoder безопасны для параллельного EncodeAll/DecodeAll.
var (
	codecOnce    sync.Once
	compressor   *zstd.Encoder
	decompressor *zstd.Decoder
	codecErr     error
)

func initCodec() error {
	codecOnce.Do(func() {
		compressor, codecErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if codecErr != nil {
			return
		}
		decompressor, codecErr = zstd.NewReader(nil)
	})
	return codecErr
}

// EncodeTimeline сериализует и сжимает таймлайн.
func EncodeTimeline(tl *timeline.Timeline) ([]byte, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	raw, err := json.Marshal(tl)
	if err != nil {
		return nil, fmt.Errorf("marshal timeline: %w", err)
	}
	return compressor.EncodeAll(raw, make([]byte, 0, len(raw)/4)), nil
}

// DecodeTimeline обратная операция к EncodeTimeline.
func DecodeTimeline(data []byte) (*timeline.Timeline, error) {
	if err := initCodec(); err != nil {
		return nil, fmt.Errorf("zstd init: %w", err)
	}
	raw, err := decompressor.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress timeline: %w", err)
	}
	var tl timeline.Timeline
	if err := json.Unmarshal(raw, &tl); err != nil {
		return nil, fmt.Errorf("unmarshal timeline: %w", err)
	}
	return &tl, nil
}
