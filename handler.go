package cyre

// Handler is a channel's subscriber (spec §3 "Handler (Subscriber)"). It
// receives the (possibly pipeline-transformed) payload and returns either a
// plain result, or a Link to encode an intra-link chained call.
type Handler func(payload any) any

// Link is the intra-link return encoding (spec §3: "the optional {id,
// payload} return encodes an intra-link: after the current handler
// completes, another channel is called with the returned payload").
type Link struct {
	ID      string
	Payload any
}
