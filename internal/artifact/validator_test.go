// ABOUTME: Tests for artifact validation: CSV shape checks, hash idempotency, size classing.
// ABOUTME: Uses an in-memory ObjectFetcher fake keyed by bucket/key.
package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

const testCeiling = 10 * 1024 * 1024 // encoded bytes

// fakeFetcher serves objects from memory.
type fakeFetcher struct {
	objects map[string][]byte
}

func (f *fakeFetcher) Fetch(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, &NotFoundError{Bucket: bucket, Key: key}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeFetcher) FetchRange(_ context.Context, bucket, key string, start, end int64) ([]byte, error) {
	data, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, &NotFoundError{Bucket: bucket, Key: key}
	}
	if end >= int64(len(data)) {
		end = int64(len(data)) - 1
	}
	return data[start : end+1], nil
}

func testRef(key string, size int64) Ref {
	return Ref{
		Bucket:    "inspector-exports-bucket",
		Key:       key,
		SizeBytes: size,
		EventTime: time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC),
	}
}

func validatorFor(t *testing.T, key string, data []byte) (*Validator, Ref) {
	t.Helper()
	f := &fakeFetcher{objects: map[string][]byte{"inspector-exports-bucket/" + key: data}}
	return NewValidator(f, testCeiling), testRef(key, int64(len(data)))
}

const smallCSV = "finding_arn,severity,title\narn:1,HIGH,Thing one\narn:2,CRITICAL,Thing two\n"

func TestValidate_SmallCSV(t *testing.T) {
	v, ref := validatorFor(t, "inspector-reports/2024-06/findings.csv", []byte(smallCSV))

	got, err := v.Validate(context.Background(), ref)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.RowCount != 2 {
		t.Errorf("RowCount = %d, want 2", got.RowCount)
	}
	if got.SizeClass != Small {
		t.Errorf("SizeClass = %s, want SMALL", got.SizeClass)
	}
	if !bytes.Equal(got.Data, []byte(smallCSV)) {
		t.Error("Data does not round-trip the source bytes")
	}
	if got.ContentHash == "" {
		t.Error("ContentHash empty")
	}
}

func TestValidate_HashIdempotent(t *testing.T) {
	v, ref := validatorFor(t, "findings.csv", []byte(smallCSV))

	first, err := v.Validate(context.Background(), ref)
	if err != nil {
		t.Fatalf("Validate (first): %v", err)
	}
	second, err := v.Validate(context.Background(), ref)
	if err != nil {
		t.Fatalf("Validate (second): %v", err)
	}
	if first.ContentHash != second.ContentHash {
		t.Errorf("hashes differ: %s vs %s", first.ContentHash, second.ContentHash)
	}
}

func TestValidate_ZeroDataRows(t *testing.T) {
	v, ref := validatorFor(t, "empty.csv", []byte("finding_arn,severity,title\n"))

	_, err := v.Validate(context.Background(), ref)
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MalformedError", err)
	}
	if !strings.Contains(me.Reason, "zero data rows") {
		t.Errorf("Reason = %q, want zero data rows", me.Reason)
	}
}

func TestValidate_EmptyObject(t *testing.T) {
	v, ref := validatorFor(t, "empty.csv", nil)

	_, err := v.Validate(context.Background(), ref)
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MalformedError", err)
	}
}

func TestValidate_SingleFieldHeader(t *testing.T) {
	// Tab-delimited data reads as one field per row under a comma reader.
	v, ref := validatorFor(t, "tabs.tsv", []byte("finding_arn\tseverity\narn:1\tHIGH\n"))

	_, err := v.Validate(context.Background(), ref)
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MalformedError", err)
	}
	if !strings.Contains(me.Reason, "single field") {
		t.Errorf("Reason = %q, want single-field complaint", me.Reason)
	}
}

func TestValidate_CorruptEncoding(t *testing.T) {
	v, ref := validatorFor(t, "binary.csv", []byte{0xff, 0xfe, 0x00, 0x41, 0xff})

	_, err := v.Validate(context.Background(), ref)
	var me *MalformedError
	if !errors.As(err, &me) {
		t.Fatalf("error = %v, want *MalformedError", err)
	}
	if !strings.Contains(me.Reason, "UTF-8") {
		t.Errorf("Reason = %q, want encoding complaint", me.Reason)
	}
}

func TestValidate_NotFoundPassesThrough(t *testing.T) {
	f := &fakeFetcher{objects: map[string][]byte{}}
	v := NewValidator(f, testCeiling)

	_, err := v.Validate(context.Background(), testRef("gone.csv", 100))
	var nfe *NotFoundError
	if !errors.As(err, &nfe) {
		t.Fatalf("error = %v, want *NotFoundError", err)
	}
}

func TestValidate_LargeArtifactNotBuffered(t *testing.T) {
	// Build a CSV whose raw size exceeds the post-encoding ceiling.
	var b strings.Builder
	b.WriteString("finding_arn,severity,title\n")
	row := "arn:aws:inspector2:finding,HIGH," + strings.Repeat("x", 100) + "\n"
	for b.Len() < testCeiling {
		b.WriteString(row)
	}
	data := []byte(b.String())

	v, ref := validatorFor(t, "big.csv", data)
	got, err := v.Validate(context.Background(), ref)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.SizeClass != Large {
		t.Errorf("SizeClass = %s, want LARGE", got.SizeClass)
	}
	if got.Data != nil {
		t.Error("large artifact must not retain the full object bytes")
	}
	if got.RowCount == 0 {
		t.Error("RowCount = 0, want > 0")
	}
}

func TestValidate_SizeClassBoundary(t *testing.T) {
	// Size classing uses the event-reported size, not the fetched length, so
	// the boundary can be probed with a small body. At/over the raw ceiling
	// is LARGE; only strictly-under fits.
	raw := base64Ceiling(testCeiling)
	v, ref := validatorFor(t, "x.csv", []byte(smallCSV))

	tests := []struct {
		name string
		size int64
		want SizeClass
	}{
		{"just under", raw - 1, Small},
		{"at boundary", raw, Large},
		{"over", raw + 1, Large},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := ref
			r.SizeBytes = tt.size
			got, err := v.Validate(context.Background(), r)
			if err != nil {
				t.Fatalf("Validate: %v", err)
			}
			if got.SizeClass != tt.want {
				t.Errorf("size %d classified %s, want %s", tt.size, got.SizeClass, tt.want)
			}
		})
	}
}
