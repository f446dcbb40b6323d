package client

// Events carries the out-of-band signals the client emits to the hosting
// application. The web client dispatched these as window events; here they
// are plain callbacks injected at construction. All hooks are optional.
type Events struct {
	// OpenLogin fires when a protected call is blocked for lack of a
	// credential and the user should be prompted to log in.
	OpenLogin func()

	// OpenContextSelect fires when a login yields more than one tenant
	// membership and the user must pick one.
	OpenContextSelect func(memberships []Membership)

	// PollTerminated fires once when the notification loop gives up after
	// exhausting its backoff budget. The application should suggest a
	// restart to the user.
	PollTerminated func(err error)
}

func (e Events) openLogin() {
	if e.OpenLogin != nil {
		e.OpenLogin()
	}
}

func (e Events) openContextSelect(memberships []Membership) {
	if e.OpenContextSelect != nil {
		e.OpenContextSelect(memberships)
	}
}

func (e Events) pollTerminated(err error) {
	if e.PollTerminated != nil {
		e.PollTerminated(err)
	}
}
