package wal

import (
	"fmt"
	"os"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/minibase/record"
)

const segmentSuffix = ".wal"

// 预写日志. 由若干个按编号递增的段文件组成，文件命名为 <seq>.wal
// 每笔数据以 record 编码追加，写入后立即 fsync
type Log struct {
	dir    string
	logger *zap.Logger

	mu       sync.Mutex
	segments []uint64 // 已封存、等待释放的段
	active   uint64   // 正在写入的段
	dest     *os.File
}

// 打开 dir 下的预写日志. 已有的段全部视为已封存，新数据写入新段
func Open(dir string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	segments, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	l := Log{
		dir:      dir,
		logger:   logger.Named("wal"),
		segments: segments,
		active:   1,
	}
	if len(segments) > 0 {
		l.active = segments[len(segments)-1] + 1
	}
	if l.dest, err = l.openSegment(l.active); err != nil {
		return nil, err
	}
	return &l, nil
}

func listSegments(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var segments []uint64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		seq, err := strconv.ParseUint(strings.TrimSuffix(name, segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		segments = append(segments, seq)
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i] < segments[j] })
	return segments, nil
}

func (l *Log) segmentPath(seq uint64) string {
	return path.Join(l.dir, strconv.FormatUint(seq, 10)+segmentSuffix)
}

func (l *Log) openSegment(seq uint64) (*os.File, error) {
	return os.OpenFile(l.segmentPath(seq), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}

// 追加一笔数据并落盘
func (l *Log) Append(r *record.Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dest == nil {
		return os.ErrClosed
	}
	if _, err := l.dest.Write(r.Encode()); err != nil {
		return fmt.Errorf("append wal segment %d: %w", l.active, err)
	}
	return l.dest.Sync()
}

// 封存当前段并切换到新段，返回新段编号
func (l *Log) Rotate() (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dest == nil {
		return 0, os.ErrClosed
	}
	next, err := l.openSegment(l.active + 1)
	if err != nil {
		return 0, err
	}
	if err = l.dest.Close(); err != nil {
		_ = next.Close()
		return 0, err
	}

	l.segments = append(l.segments, l.active)
	l.active++
	l.dest = next
	return l.active, nil
}

// 删除编号小于 upTo 的已封存段
func (l *Log) Release(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var (
		err  error
		kept []uint64
	)
	for _, seq := range l.segments {
		if seq >= upTo {
			kept = append(kept, seq)
			continue
		}
		if rmErr := os.Remove(l.segmentPath(seq)); rmErr != nil && !os.IsNotExist(rmErr) {
			err = multierr.Append(err, rmErr)
			kept = append(kept, seq)
			continue
		}
		l.logger.Debug("release wal segment", zap.Uint64("segment", seq))
	}
	l.segments = kept
	return err
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dest == nil {
		return nil
	}
	err := l.dest.Close()
	l.dest = nil
	return err
}
