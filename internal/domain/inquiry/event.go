package inquiry

const (
	// ChannelUpdates is the observer channel dashboard clients subscribe to.
	ChannelUpdates = "updates"

	// EventNewData names the event emitted for each answered inquiry.
	EventNewData = "new_data"
)

// Event is the realtime payload delivered to observers for one decision.
// Field names follow the push channel's wire format.
type Event struct {
	// Record is the answered inquiry.
	Record Record `json:"data"`
	// Version is the MTA version classified for this inquiry.
	Version string `json:"version"`
	// Verdict is the final action returned to the MTA.
	Verdict string `json:"action"`
}
