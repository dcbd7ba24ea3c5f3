package telemetry

import "go.opentelemetry.io/otel/metric"

// Metrics holds all agentd metric instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	RequestErrors     metric.Int64Counter
	ConnectionsActive metric.Int64UpDownCounter
	AgentsActive      metric.Int64UpDownCounter
	HeartbeatsTotal   metric.Int64Counter
	AgentsSweptStale  metric.Int64Counter
	MessagesRouted    metric.Int64Counter
	MessagesPurged    metric.Int64Counter
	SessionsRecovered metric.Int64Counter
	PluginDuration    metric.Float64Histogram
	PluginErrors      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("agentd.request.duration",
		metric.WithDescription("Socket action handling duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestErrors, err = meter.Int64Counter("agentd.request.errors",
		metric.WithDescription("Socket actions that returned an error response"),
	)
	if err != nil {
		return nil, err
	}

	m.ConnectionsActive, err = meter.Int64UpDownCounter("agentd.connections.active",
		metric.WithDescription("Currently open client connections"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsActive, err = meter.Int64UpDownCounter("agentd.agents.active",
		metric.WithDescription("Agents currently present in the registry"),
	)
	if err != nil {
		return nil, err
	}

	m.HeartbeatsTotal, err = meter.Int64Counter("agentd.agents.heartbeats",
		metric.WithDescription("Heartbeats received from registered agents"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentsSweptStale, err = meter.Int64Counter("agentd.agents.swept",
		metric.WithDescription("Agents marked disconnected by the stale sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesRouted, err = meter.Int64Counter("agentd.messages.routed",
		metric.WithDescription("Messages accepted and routed to inboxes"),
	)
	if err != nil {
		return nil, err
	}

	m.MessagesPurged, err = meter.Int64Counter("agentd.messages.purged",
		metric.WithDescription("Messages removed by the retention sweep"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsRecovered, err = meter.Int64Counter("agentd.sessions.recovered",
		metric.WithDescription("Sessions marked crashed during startup recovery"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginDuration, err = meter.Float64Histogram("agentd.plugin.duration",
		metric.WithDescription("Plugin command dispatch duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PluginErrors, err = meter.Int64Counter("agentd.plugin.errors",
		metric.WithDescription("Plugin command dispatch errors"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
