package storage

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zde37/ringkv/pkg"
)

func TestValidateRecord(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		value   string
		wantErr bool
	}{
		{name: "plain", key: "k1", value: "v1"},
		{name: "value with spaces and commas", key: "k1", value: "a, b c"},
		{name: "empty value", key: "k1", value: ""},
		{name: "empty key", key: "", value: "v", wantErr: true},
		{name: "key with space", key: "a b", value: "v", wantErr: true},
		{name: "key with comma", key: "a,b", value: "v", wantErr: true},
		{name: "key with semicolon", key: "a;b", value: "v", wantErr: true},
		{name: "value with semicolon", key: "k", value: "a;b", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.key, tt.value)
			if tt.wantErr {
				assert.ErrorIs(t, err, pkg.ErrInvalidRecord)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestDecodeRecords(t *testing.T) {
	t.Run("values keep commas", func(t *testing.T) {
		records, err := DecodeRecords("k1,v1;k2,a,b;k3,;")
		require.NoError(t, err)
		assert.Equal(t, []Record{
			{Key: "k1", Value: "v1"},
			{Key: "k2", Value: "a,b"},
			{Key: "k3", Value: ""},
		}, records)
	})

	t.Run("empty input", func(t *testing.T) {
		records, err := DecodeRecords("")
		require.NoError(t, err)
		assert.Empty(t, records)
	})

	t.Run("missing separator", func(t *testing.T) {
		_, err := DecodeRecords("k1v1;")
		assert.ErrorIs(t, err, pkg.ErrInvalidRecord)
	})

	t.Run("encode inverse", func(t *testing.T) {
		in := []Record{{Key: "a", Value: "1"}, {Key: "b", Value: "two words"}}
		out, err := DecodeRecords(EncodeRecords(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestChunkRecords(t *testing.T) {
	records := []Record{
		{Key: "aa", Value: "1111"}, // 8 bytes encoded
		{Key: "bb", Value: "2222"},
		{Key: "cc", Value: "3333"},
		{Key: "big", Value: strings.Repeat("x", 30)},
	}

	chunks := ChunkRecords(records, 16)
	require.Len(t, chunks, 3)
	assert.Equal(t, "aa,1111;bb,2222;", chunks[0])
	assert.Equal(t, "cc,3333;", chunks[1])
	assert.Equal(t, "big,"+strings.Repeat("x", 30)+";", chunks[2])

	var rejoined []Record
	for _, c := range chunks {
		part, err := DecodeRecords(c)
		require.NoError(t, err)
		rejoined = append(rejoined, part...)
	}
	assert.Equal(t, records, rejoined)

	assert.Empty(t, ChunkRecords(nil, 16))
	assert.Len(t, ChunkRecords(records, 0), 1)
}
