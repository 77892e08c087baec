package dispatch

// Actor is the identity behind an inbound event.
type Actor struct {
	ID       int64
	Name     string // display name shown to masters
	Username string // optional handle; preferred over Name when set
}

// DisplayName returns the name recorded on orders created by this
// actor.
func (a Actor) DisplayName() string {
	if a.Username != "" {
		return a.Username
	}
	return a.Name
}

// Action is a labeled button the transport renders under a reply.
// Data is the callback payload routed back when the button is pressed.
type Action struct {
	Label string
	Data  string
}

// Reply is the rendered response to a single inbound event, addressed
// back to the acting identity. Actions are rows of buttons.
type Reply struct {
	Text    string
	Actions [][]Action

	// Alert asks the transport to show the text as a transient popup
	// instead of replacing the current view. Used for claim/complete
	// conflicts where the underlying list should stay on screen.
	Alert bool
}

func textReply(text string) Reply {
	return Reply{Text: text}
}

func alertReply(text string) Reply {
	return Reply{Text: text, Alert: true}
}
