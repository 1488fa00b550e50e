package stream

import (
	"context"
	"fmt"
)

// Sender is the subset of the connection contract the upload path needs:
// non-blocking write acceptance plus a drain signal.
type Sender interface {
	TrySend(payload []byte) bool
	Drain() <-chan struct{}
}

// Encoder turns one chunk into its encoded wire message.
type Encoder func(seq int64, isLast bool, data []byte) ([]byte, error)

// Upload pushes body to the connection in fixed-size chunks. After each
// chunk the transport's write-acceptance is checked; on rejection the
// upload suspends until the drain signal before offering the chunk
// again, so at most one chunk sits unaccepted at any time.
//
// Returns the number of chunks written.
func Upload(ctx context.Context, conn Sender, body []byte, chunkSize int, encode Encoder) (int, error) {
	if chunkSize <= 0 {
		return 0, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}

	chunks := 0
	var seq int64
	for offset := 0; offset == 0 || offset < len(body); offset += chunkSize {
		end := offset + chunkSize
		if end > len(body) {
			end = len(body)
		}
		seq++
		isLast := end >= len(body)

		payload, err := encode(seq, isLast, body[offset:end])
		if err != nil {
			return chunks, err
		}

		for !conn.TrySend(payload) {
			select {
			case <-conn.Drain():
			case <-ctx.Done():
				return chunks, ctx.Err()
			}
		}
		chunks++

		if isLast {
			break
		}
	}
	return chunks, nil
}
