package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys attached to pool instruments.
const (
	AttrPoolName    = attribute.Key("pool")
	AttrOutcome     = attribute.Key("outcome")
	AttrEnvironment = attribute.Key("environment")
)

// Instrument names.
const (
	AcquireDurationName = "pool.acquire.duration"
	gaugePrefix         = "resourcepool_pool_"
)
