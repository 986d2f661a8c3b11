package message

// Topic naming contract shared by every process on the bus:
//
//	requests:  <api>.<procedure>.rpc
//	responses: <api>.<procedure>.rpc.response.<correlation_id>
//	events:    <api>.<event>.event
//
// Responses use a per-call reply topic so a caller only ever receives
// responses addressed to its own in-flight calls.

// RPCTopic returns the topic requests for a procedure are published to.
func RPCTopic(api, procedure string) string {
	return api + "." + procedure + ".rpc"
}

// ResponseTopic returns the per-call reply topic for a correlation id.
func ResponseTopic(api, procedure, correlationID string) string {
	return api + "." + procedure + ".rpc.response." + correlationID
}

// ReplyTopic returns the reply topic for a request message.
func (m *Message) ReplyTopic() string {
	return ResponseTopic(m.Api, m.Name, m.CorrelationID)
}

// EventTopic returns the topic an event is broadcast on.
func EventTopic(api, event string) string {
	return api + "." + event + ".event"
}
