package storage

import (
	"fmt"
	"sort"
	"strings"

	"github.com/zde37/ringkv/pkg"
)

// Record is one key-value pair. On the wire a record is "key,value;".
type Record struct {
	Key   string
	Value string
}

// ValidateRecord checks that key and value survive the wire encoding.
func ValidateRecord(key, value string) error {
	if key == "" {
		return fmt.Errorf("%w: empty key", pkg.ErrInvalidRecord)
	}
	if strings.ContainsAny(key, " \t\r\n,;") {
		return fmt.Errorf("%w: key %q", pkg.ErrInvalidRecord, key)
	}
	if strings.ContainsAny(value, "\r\n;") {
		return fmt.Errorf("%w: value for key %q", pkg.ErrInvalidRecord, key)
	}
	return nil
}

// EncodeRecords renders records as "k1,v1;k2,v2;".
func EncodeRecords(records []Record) string {
	var b strings.Builder
	for _, r := range records {
		writeRecord(&b, r)
	}
	return b.String()
}

// DecodeRecords parses the wire form. Values may contain commas; the first
// comma of an entry separates key from value.
func DecodeRecords(text string) ([]Record, error) {
	var out []Record
	for _, entry := range strings.Split(text, ";") {
		if strings.TrimSpace(entry) == "" {
			continue
		}
		key, value, ok := strings.Cut(entry, ",")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: entry %q", pkg.ErrInvalidRecord, entry)
		}
		out = append(out, Record{Key: key, Value: value})
	}
	return out, nil
}

// ChunkRecords encodes records into pieces of at most maxBytes each without
// splitting a record. A record larger than maxBytes gets a piece of its own.
func ChunkRecords(records []Record, maxBytes int) []string {
	var (
		chunks []string
		b      strings.Builder
	)
	for _, r := range records {
		size := len(r.Key) + len(r.Value) + 2
		if b.Len() > 0 && maxBytes > 0 && b.Len()+size > maxBytes {
			chunks = append(chunks, b.String())
			b.Reset()
		}
		writeRecord(&b, r)
	}
	if b.Len() > 0 {
		chunks = append(chunks, b.String())
	}
	return chunks
}

// Keys returns the record keys.
func Keys(records []Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key
	}
	return keys
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].Key < records[j].Key })
}

func writeRecord(b *strings.Builder, r Record) {
	b.WriteString(r.Key)
	b.WriteByte(',')
	b.WriteString(r.Value)
	b.WriteByte(';')
}
