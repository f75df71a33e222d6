// Package redirect defines the capability interface the authorization
// collaborator uses for browser-redirect flows. Headless deployments plug in
// the no-op dispatcher so interactive and non-interactive environments share
// one code path.
package redirect

// Dispatcher abstracts URL inspection and navigation during an authorization
// round-trip.
type Dispatcher interface {
	// CurrentURL returns the URL the flow is currently parked on.
	CurrentURL() string
	// Redirect navigates the user agent to target.
	Redirect(target string) error
	// URLParameter extracts a query parameter from the current URL.
	URLParameter(name string) string
	// OnRedirectComplete registers a callback fired when the user agent
	// returns from the authorization service.
	OnRedirectComplete(handler func())
	// RemoveRedirectHandler unregisters a previously installed callback.
	RemoveRedirectHandler()
	// CleanURLParameters strips authorization parameters from the visible URL.
	CleanURLParameters()
}

// NoopDispatcher satisfies Dispatcher with inert defaults. It carries no
// state and no invariants; grantd always runs with it.
type NoopDispatcher struct{}

// NewNoopDispatcher returns the headless dispatcher.
func NewNoopDispatcher() *NoopDispatcher { return &NoopDispatcher{} }

func (*NoopDispatcher) CurrentURL() string { return "" }

func (*NoopDispatcher) Redirect(string) error { return nil }

func (*NoopDispatcher) URLParameter(string) string { return "" }

func (*NoopDispatcher) OnRedirectComplete(func()) {}

func (*NoopDispatcher) RemoveRedirectHandler() {}

func (*NoopDispatcher) CleanURLParameters() {}
