// This file defines the extensibility hooks. A MetricsCollector observes
// broker activity and failures; implementations ship for logrus and
// prometheus, and a no-op collector is used when none is configured.
package pondsocket

// MetricsCollector receives operational events from the broker. All methods
// may be called concurrently.
type MetricsCollector interface {
	Error(component string, err error)
	ConnectionOpened(endpointPath string)
	ConnectionClosed(endpointPath string)
	ChannelCreated(channelName string)
	ChannelDestroyed(channelName string)
	MessageReceived(channelName, event string)
	MessageDelivered(channelName, event string, recipients int)
}

// Hooks bundles the optional integration points handed to endpoints and
// channels through Options.
type Hooks struct {
	Metrics      MetricsCollector
	OnConnect    func(clientID string)
	OnDisconnect func(clientID string)
}

type noopCollector struct{}

func (noopCollector) Error(string, error)                  {}
func (noopCollector) ConnectionOpened(string)              {}
func (noopCollector) ConnectionClosed(string)              {}
func (noopCollector) ChannelCreated(string)                {}
func (noopCollector) ChannelDestroyed(string)              {}
func (noopCollector) MessageReceived(string, string)       {}
func (noopCollector) MessageDelivered(string, string, int) {}

// NewNoopCollector returns a collector that discards everything.
func NewNoopCollector() MetricsCollector {
	return noopCollector{}
}
