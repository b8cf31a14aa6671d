package backup

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/s2"

	"github.com/xiaoxuxiansheng/minibase/record"
)

var ErrBadHeader = errors.New("not a minibase backup stream")

// 备份流格式: s2 压缩后的 [magic:8][record]*
var magic = []byte("MBBACKUP")

// 单笔数据的长度上限，长度前缀超出时视为损坏
const maxRecordSize = 64 << 20

// 有序数据来源，Tree.Scan 返回的迭代器即满足该接口
type Source interface {
	Valid() bool
	Record() *record.Record
	Next() error
}

// 将 src 中的全部数据写入 w，返回写入的条数
func Export(w io.Writer, src Source) (int, error) {
	sw := s2.NewWriter(w)
	if _, err := sw.Write(magic); err != nil {
		_ = sw.Close()
		return 0, err
	}

	var n int
	for src.Valid() {
		if _, err := sw.Write(src.Record().Encode()); err != nil {
			_ = sw.Close()
			return n, err
		}
		n++
		if err := src.Next(); err != nil {
			_ = sw.Close()
			return n, err
		}
	}
	return n, sw.Close()
}

// 从 r 中依次读出数据交给 fn，返回读取的条数
func Import(r io.Reader, fn func(r *record.Record) error) (int, error) {
	sr := s2.NewReader(r)

	header := make([]byte, len(magic))
	if _, err := io.ReadFull(sr, header); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBadHeader, err)
	}
	if !bytes.Equal(header, magic) {
		return 0, ErrBadHeader
	}

	var (
		n      int
		prefix = make([]byte, record.RawKeyLenSize+record.ValLenSize)
	)
	for {
		if _, err := io.ReadFull(sr, prefix); err != nil {
			if errors.Is(err, io.EOF) {
				return n, nil
			}
			return n, fmt.Errorf("read record %d: %w", n, err)
		}

		rawKeyLen := int(binary.BigEndian.Uint32(prefix[0:]))
		valLen := int(binary.BigEndian.Uint32(prefix[record.RawKeyLenSize:]))
		size := len(prefix) + rawKeyLen + valLen
		if rawKeyLen < record.OpSize+record.SeqIDSize || size > maxRecordSize {
			return n, fmt.Errorf("%w: record %d claims raw key length %d, value length %d", record.ErrMalformedRecord, n, rawKeyLen, valLen)
		}

		// 按实际读到的字节增长缓冲区，截断的流不会触发大块分配
		var body bytes.Buffer
		body.Write(prefix)
		if _, err := io.CopyN(&body, sr, int64(size-len(prefix))); err != nil {
			return n, fmt.Errorf("read record %d: %w", n, err)
		}
		buf := body.Bytes()

		rec, err := record.Decode(buf)
		if err != nil {
			return n, err
		}
		if err = fn(rec); err != nil {
			return n, err
		}
		n++
	}
}
