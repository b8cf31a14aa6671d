package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/minibase/record"
)

func replayAll(t *testing.T, l *Log) []*record.Record {
	var got []*record.Record
	require.NoError(t, l.Replay(func(r *record.Record) error {
		got = append(got, r)
		return nil
	}))
	return got
}

func Test_WAL(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)

	records := make([]*record.Record, 0, 100)
	for i := 0; i < 100; i++ {
		records = append(records, record.NewPut([]byte{'a' + uint8(i)}, []byte{'b' + uint8(i)}, uint64(i+1)))
	}
	for _, r := range records[:50] {
		require.NoError(t, l.Append(r))
	}
	upTo, err := l.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), upTo)
	for _, r := range records[50:] {
		require.NoError(t, l.Append(r))
	}
	require.NoError(t, l.Close())

	// 重新打开后两个段都按顺序重放
	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	got := replayAll(t, l)
	require.Len(t, got, len(records))
	for i := range records {
		assert.Equal(t, records[i], got[i])
	}
}

func Test_WAL_Release(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Append(record.NewPut([]byte("a"), []byte("1"), 1)))
	upTo, err := l.Rotate()
	require.NoError(t, err)
	require.NoError(t, l.Append(record.NewPut([]byte("b"), []byte("2"), 2)))

	require.NoError(t, l.Release(upTo))
	_, err = os.Stat(l.segmentPath(1))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(l.segmentPath(2))
	assert.NoError(t, err)
}

func Test_WAL_TornTail(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)
	require.NoError(t, l.Append(record.NewPut([]byte("a"), []byte("1"), 1)))
	require.NoError(t, l.Append(record.NewPut([]byte("b"), []byte("2"), 2)))
	require.NoError(t, l.Close())

	// 模拟写入一半时宕机
	file, err := os.OpenFile(l.segmentPath(1), os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.Write(record.NewPut([]byte("c"), []byte("3"), 3).Encode()[:10])
	require.NoError(t, err)
	require.NoError(t, file.Close())

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	got := replayAll(t, l)
	require.Len(t, got, 2)
	assert.Equal(t, []byte("b"), got[1].Key)
}

func Test_WAL_Closed(t *testing.T) {
	l, err := Open(t.TempDir(), nil)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())
	assert.ErrorIs(t, l.Append(record.NewPut([]byte("a"), nil, 1)), os.ErrClosed)
}

func Test_WAL_CorruptSegment(t *testing.T) {
	dir := t.TempDir()
	l, err := Open(dir, nil)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Append(record.NewPut([]byte{'a' + uint8(i)}, []byte("v"), uint64(i+1))))
	}
	require.NoError(t, l.Close())

	// 第二笔数据的 op 被改写，其后仍有完整的数据
	body, err := os.ReadFile(l.segmentPath(1))
	require.NoError(t, err)
	size := record.NewPut([]byte("a"), []byte("v"), 1).SerializeSize()
	body[size+record.RawKeyLenSize+record.ValLenSize+1] = 0x7F
	require.NoError(t, os.WriteFile(l.segmentPath(1), body, 0644))

	l, err = Open(dir, nil)
	require.NoError(t, err)
	defer l.Close()

	var n int
	err = l.Replay(func(*record.Record) error {
		n++
		return nil
	})
	assert.ErrorIs(t, err, ErrCorruptSegment)
	assert.Equal(t, 1, n)
}
