package cyre

// Response is the return shape of the public operations that register or
// invoke channels. Forget, RemoveGroup, Pause and Resume return a bool
// instead, and Hibernate and Reset return nothing.
type Response struct {
	OK       bool
	Payload  any
	Message  string
	Metadata *Metadata
	Error    string
}

// Metadata carries the optional, operation-specific detail a Response may
// attach (spec §6).
type Metadata struct {
	Scheduled     bool
	IntervalMs    int64
	DelayMs       int64
	Repeat        int64
	Delayed       bool
	DurationMs    int64
	ChainResult   *Response
	BlockReason   string
	ExecutionTime int64 // milliseconds
}
