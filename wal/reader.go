package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/record"
)

var ErrCorruptSegment = errors.New("corrupt wal segment")

// 按编号顺序重放已封存的段. 段尾写了一半的数据直接忽略，段中间的损坏返回 ErrCorruptSegment
func (l *Log) Replay(fn func(r *record.Record) error) error {
	l.mu.Lock()
	segments := append([]uint64(nil), l.segments...)
	l.mu.Unlock()

	for _, seq := range segments {
		n, err := l.replaySegment(seq, fn)
		if err != nil {
			return err
		}
		l.logger.Info("replay wal segment", zap.Uint64("segment", seq), zap.Int("records", n))
	}
	return nil
}

func (l *Log) replaySegment(seq uint64, fn func(r *record.Record) error) (int, error) {
	body, err := os.ReadFile(l.segmentPath(seq))
	if err != nil {
		return 0, err
	}

	var n int
	for pos := 0; pos < len(body); {
		r, err := record.Decode(body[pos:])
		if errors.Is(err, record.ErrMalformedRecord) {
			if !tornTail(body[pos:]) {
				return n, fmt.Errorf("%w: segment %d at offset %d: %w", ErrCorruptSegment, seq, pos, err)
			}
			l.logger.Warn("ignore torn wal tail", zap.Uint64("segment", seq), zap.Int("offset", pos), zap.Error(err))
			break
		}
		if err != nil {
			return n, err
		}
		if err = fn(r); err != nil {
			return n, fmt.Errorf("replay wal segment %d: %w", seq, err)
		}
		pos += r.SerializeSize()
		n++
	}
	return n, nil
}

// 剩余字节不足以构成长度前缀声明的一笔完整数据时，视为写了一半的段尾
func tornTail(rest []byte) bool {
	if len(rest) < record.RawKeyLenSize+record.ValLenSize {
		return true
	}
	rawKeyLen := uint64(binary.BigEndian.Uint32(rest[0:]))
	valLen := uint64(binary.BigEndian.Uint32(rest[record.RawKeyLenSize:]))
	return uint64(record.RawKeyLenSize+record.ValLenSize)+rawKeyLen+valLen > uint64(len(rest))
}
