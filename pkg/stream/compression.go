package stream

import (
	"bytes"
	"fmt"
	"io/ioutil"

	"github.com/klauspost/compress/zlib"
)

// compressPayload 压缩消息负载
// 返回压缩结果；压缩是否采用由调用方按收益决定
func compressPayload(payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("create zlib writer failed: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		w.Close()
		return nil, fmt.Errorf("compress payload failed: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finish compression failed: %w", err)
	}
	return buf.Bytes(), nil
}

// decompressPayload 解压消息负载
// 参数：
//   - payload：压缩数据
//   - originalSize：压缩前字节数（用于校验）
func decompressPayload(payload []byte, originalSize uint32) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create zlib reader failed: %w", err)
	}
	defer r.Close()

	out, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decompress payload failed: %w", err)
	}
	if uint32(len(out)) != originalSize {
		return nil, fmt.Errorf("decompressed size mismatch: expected %d, got %d", originalSize, len(out))
	}
	return out, nil
}
