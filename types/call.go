package types

// CallKind identifies the worker-side operation a call maps to.
// The values are the websocket event names the remote worker listens on.
type CallKind string

// Call kind constants.
const (
	// KindQido is a metadata query (QIDO-RS).
	KindQido CallKind = "qido-request"
	// KindWado is a binary retrieval (WADO-RS).
	KindWado CallKind = "wado-request"
	// KindStow is a binary storage request (STOW-RS).
	KindStow CallKind = "stow-request"
	// KindWadoURI is the legacy single-object retrieval, addressed by
	// flat query parameters instead of path segments.
	KindWadoURI CallKind = "wadouri-request"
)

// IsBinary returns true if the call resolves to a binary payload rather
// than inline metadata.
func (k CallKind) IsBinary() bool {
	return k == KindWado || k == KindWadoURI
}

// QueryLevel is the DICOM hierarchy level of a metadata query.
type QueryLevel string

// Query level constants.
const (
	LevelStudy  QueryLevel = "STUDY"
	LevelSeries QueryLevel = "SERIES"
	LevelImage  QueryLevel = "IMAGE"
)

// CallSpec describes one call before dispatch. The correlation id is
// not carried here: it is generated per attempt by the bridge, so a
// retry never reuses its predecessor's id.
type CallSpec struct {
	// Kind is the worker-side operation.
	Kind CallKind
	// Level is the query level for qido calls, empty otherwise.
	Level QueryLevel
	// Query carries the caller's query parameters merged with
	// path-derived identifiers.
	Query map[string]string
	// Body is the raw request body for stow calls, nil otherwise.
	Body []byte
	// ContentType is the inbound Content-Type header for stow calls,
	// forwarded to the worker verbatim.
	ContentType string
}
