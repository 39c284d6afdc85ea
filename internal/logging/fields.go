package logging

// Standard field names, mirroring the teacher's logger/fields.go: use these
// constants instead of raw strings so structured fields stay consistent
// across packages.
const (
	FieldNodeID      = "node_id"
	FieldPeerID      = "peer_id"
	FieldAnalysisID  = "analysis_id"
	FieldTokenID     = "token_id"
	FieldSessionID   = "session_id"
	FieldComponent   = "component"
	FieldTerm        = "term"
	FieldState       = "state"
	FieldAddress     = "address"
	FieldDurationMS  = "duration_ms"
	FieldError       = "error"
	FieldHops        = "hops"
	FieldWorkerID    = "worker_id"
)
