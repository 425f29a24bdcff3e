package model

// TicketStatus is the state of an in-flight fan-out request as observed
// through its feedback URL.
type TicketStatus string

const (
	TicketPending  TicketStatus = "pending"
	TicketComplete TicketStatus = "complete"
)

// RequestTicket is the transient, in-memory record a federation client
// fan-out uses so losing racers can detect the race is over and release
// any lease they already acquired.
type RequestTicket struct {
	RequestID string       `json:"request_id"`
	Status    TicketStatus `json:"status"`
}
