package backup

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/klauspost/compress/s2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/minibase/iterator"
	"github.com/xiaoxuxiansheng/minibase/record"
)

func Test_Export_Import(t *testing.T) {
	records := make([]*record.Record, 0, 500)
	for i := 0; i < 500; i++ {
		records = append(records, record.NewPut([]byte(fmt.Sprintf("key-%04d", i)), bytes.Repeat([]byte{'v'}, i%50), uint64(i+1)))
	}

	var buf bytes.Buffer
	n, err := Export(&buf, iterator.NewSliceIter(records))
	require.NoError(t, err)
	assert.Equal(t, 500, n)

	var got []*record.Record
	n, err = Import(&buf, func(r *record.Record) error {
		got = append(got, r)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 500, n)
	assert.Equal(t, records, got)
}

func Test_Import_Empty(t *testing.T) {
	var buf bytes.Buffer
	n, err := Export(&buf, iterator.NewSliceIter(nil))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = Import(&buf, func(*record.Record) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func Test_Import_BadStream(t *testing.T) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	_, err := w.Write([]byte("NOTMAGIC"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Import(&buf, func(*record.Record) error { return nil })
	assert.ErrorIs(t, err, ErrBadHeader)

	_, err = Import(bytes.NewReader(nil), func(*record.Record) error { return nil })
	assert.ErrorIs(t, err, ErrBadHeader)
}

func Test_Import_Truncated(t *testing.T) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	_, err := w.Write(magic)
	require.NoError(t, err)
	_, err = w.Write(record.NewPut([]byte("a"), []byte("b"), 1).Encode()[:12])
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, err = Import(&buf, func(*record.Record) error { return nil })
	assert.Error(t, err)
}

func Test_Import_BadLength(t *testing.T) {
	var buf bytes.Buffer
	w := s2.NewWriter(&buf)
	_, err := w.Write(magic)
	require.NoError(t, err)
	// 长度前缀声称 4GB 的 value
	_, err = w.Write([]byte{0, 0, 0, 10, 0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	n, err := Import(&buf, func(*record.Record) error { return nil })
	assert.ErrorIs(t, err, record.ErrMalformedRecord)
	assert.Equal(t, 0, n)
}
