package observer

import "go.opentelemetry.io/otel/attribute"

// Attribute keys for dispatch spans and metrics.
var (
	AttrModel   = attribute.Key("sluice.model")
	AttrAdapter = attribute.Key("sluice.adapter")
	AttrStatus  = attribute.Key("sluice.status")

	AttrTokensInput  = attribute.Key("sluice.tokens.input")
	AttrTokensOutput = attribute.Key("sluice.tokens.output")
	AttrCostUSD      = attribute.Key("sluice.cost_usd")

	AttrStream       = attribute.Key("sluice.stream")
	AttrStreamDeltas = attribute.Key("sluice.stream_deltas")
)
