package types

// Reply is the tagged result of a completed call, decoded once at the
// bridge boundary. Exactly one of the three shapes applies:
//
//   - metadata replies carry Data
//   - binary replies carry Bytes plus ContentType
//   - failed replies carry only the failure classification on the error
//     path and never surface as a Reply
type Reply struct {
	// Data is the inline metadata payload for qido replies.
	Data any
	// Bytes is the accumulated binary payload for wado replies.
	Bytes []byte
	// ContentType is the worker-declared content type for binary replies.
	ContentType string
}

// IsBinary returns true if the reply carries a binary payload.
func (r *Reply) IsBinary() bool {
	return r.Bytes != nil
}
