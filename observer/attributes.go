package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for turn spans and metrics.
var (
	AttrAgentName      = attribute.Key("agent.name")
	AttrTrigger        = attribute.Key("turn.trigger")
	AttrTurnStatus     = attribute.Key("turn.status")
	AttrTokenDirection = attribute.Key("token.direction")
	AttrModel          = attribute.Key("llm.model")
)
