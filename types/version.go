package types

// Version is the canonical project version.
// The CLI and the websocket wire contract share this version per the
// lockstep versioning policy.
const Version = "0.3.0"
