package batch

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/arkilian/courier/pkg/types"
)

// ErrMalformedBatch is returned for file contents that do not end with a
// finalize suffix or do not decode as a batch document.
var ErrMalformedBatch = errors.New("batch: malformed batch file")

// WithSentAt returns a copy of a finalized batch document whose sentAt
// field is replaced by t. The length is unchanged.
func WithSentAt(data []byte, t time.Time) ([]byte, error) {
	if int64(len(data)) < int64(len(batchPrefix))+suffixLen {
		return nil, ErrMalformedBatch
	}
	start := int64(len(data)) - suffixLen
	if !bytes.HasPrefix(data, []byte(batchPrefix)) ||
		!bytes.HasPrefix(data[start:], []byte(suffixHead)) ||
		!bytes.HasSuffix(data, []byte(suffixTail)) {
		return nil, ErrMalformedBatch
	}

	out := make([]byte, len(data))
	copy(out, data)
	copy(out[start+int64(len(suffixHead)):], types.FormatTimestamp(t))
	return out, nil
}

// AnonymousID returns the anonymousId of the first event in a batch
// document, or "" if it has none. A batch never mixes identities.
func AnonymousID(data []byte) (string, error) {
	var doc struct {
		Batch []struct {
			AnonymousID string `json:"anonymousId"`
		} `json:"batch"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", errors.Join(ErrMalformedBatch, err)
	}
	if len(doc.Batch) == 0 {
		return "", nil
	}
	return doc.Batch[0].AnonymousID, nil
}
