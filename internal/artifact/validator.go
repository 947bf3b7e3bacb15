// ABOUTME: Validator checks an arrived export object: CSV shape, row count, size class, content hash.
// ABOUTME: Header is sniffed with a bounded range read before the full object is streamed.
package artifact

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// headerSniffBytes bounds the range read used to reject malformed objects
// before the full download.
const headerSniffBytes = 8192

// base64Ceiling converts an encoded-bytes ceiling to the maximum raw size
// that still fits under it. Base64 expands 3 raw bytes to 4 encoded.
func base64Ceiling(encodedCeiling int64) int64 {
	return encodedCeiling/4*3 - 2
}

// ObjectFetcher reads exported report objects. Implemented by objectstore.S3.
type ObjectFetcher interface {
	// Fetch streams the full object.
	Fetch(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	// FetchRange reads bytes [start, end] inclusive.
	FetchRange(ctx context.Context, bucket, key string, start, end int64) ([]byte, error)
}

// Validator inspects newly-arrived export objects.
type Validator struct {
	fetcher ObjectFetcher
	// attachmentCeiling is the provider payload ceiling in encoded bytes.
	attachmentCeiling int64
}

// NewValidator creates a Validator classifying artifacts against
// attachmentCeilingBytes (encoded size).
func NewValidator(fetcher ObjectFetcher, attachmentCeilingBytes int64) *Validator {
	return &Validator{fetcher: fetcher, attachmentCeiling: attachmentCeilingBytes}
}

// Validate confirms ref is well-formed CSV, counts its data rows, computes
// the SHA-256 content hash used for idempotency keying, and classifies its
// size. Pure with respect to the object: validating the same object twice
// yields the same hash.
func (v *Validator) Validate(ctx context.Context, ref Ref) (*Validated, error) {
	if err := v.sniffHeader(ctx, ref); err != nil {
		return nil, err
	}

	rc, err := v.fetcher.Fetch(ctx, ref.Bucket, ref.Key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck

	small := ref.SizeBytes < base64Ceiling(v.attachmentCeiling)

	hasher := sha256.New()
	var data bytes.Buffer
	var body io.Reader = io.TeeReader(rc, hasher)
	if small {
		// Small artifacts are retained for inline attachment.
		body = io.TeeReader(body, &data)
	}

	rows, err := countDataRows(body)
	if err != nil {
		return nil, &MalformedError{Key: ref.Key, Reason: err.Error()}
	}

	out := &Validated{
		Ref:         ref,
		RowCount:    rows,
		SizeClass:   Large,
		ContentHash: hex.EncodeToString(hasher.Sum(nil)),
	}
	if small {
		out.SizeClass = Small
		out.Data = data.Bytes()
	}
	return out, nil
}

// sniffHeader range-reads the start of the object and rejects objects whose
// first line cannot be a findings CSV header. Catches wrong delimiters and
// corrupt encodings without downloading large objects in full.
func (v *Validator) sniffHeader(ctx context.Context, ref Ref) error {
	end := ref.SizeBytes - 1
	if end >= headerSniffBytes {
		end = headerSniffBytes - 1
	}
	if end < 0 {
		return &MalformedError{Key: ref.Key, Reason: "object is empty"}
	}
	head, err := v.fetcher.FetchRange(ctx, ref.Bucket, ref.Key, 0, end)
	if err != nil {
		return err
	}
	// The range boundary may split a multibyte rune; drop the partial tail
	// before judging the encoding.
	if len(head) == headerSniffBytes {
		for i := 0; i < utf8.UTFMax-1 && !utf8.Valid(head); i++ {
			head = head[:len(head)-1]
		}
	}
	if !utf8.Valid(head) {
		return &MalformedError{Key: ref.Key, Reason: "corrupt encoding: not valid UTF-8"}
	}

	r := csv.NewReader(bytes.NewReader(head))
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		return &MalformedError{Key: ref.Key, Reason: fmt.Sprintf("unreadable header: %v", err)}
	}
	// A findings export always carries multiple columns; a single-field
	// header means the delimiter is wrong or the object is not CSV.
	if len(header) < 2 {
		return &MalformedError{Key: ref.Key, Reason: "header has a single field, expected comma-delimited columns"}
	}
	return nil
}

// countDataRows parses body as CSV and returns the number of rows after the
// header. Zero data rows is malformed: an export with no findings still
// carries no business value as an email.
func countDataRows(body io.Reader) (int, error) {
	r := csv.NewReader(body)
	r.FieldsPerRecord = -1

	if _, err := r.Read(); err != nil {
		if errors.Is(err, io.EOF) {
			return 0, errors.New("object is empty")
		}
		return 0, fmt.Errorf("unreadable header: %w", err)
	}

	rows := 0
	for {
		_, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("row %d: %w", rows+1, err)
		}
		rows++
	}
	if rows == 0 {
		return 0, errors.New("zero data rows")
	}
	return rows, nil
}
