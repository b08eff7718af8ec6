package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for Perch-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// Event attributes
	AttrTopic     = attribute.Key("topic")
	AttrChannelID = attribute.Key("channel.id")
	AttrEventType = attribute.Key("event.type")

	// Process attributes
	AttrComponent = attribute.Key("component")
	AttrWorkerID  = attribute.Key("worker.id")

	// Operation attributes
	AttrOperation = attribute.Key("operation")
	AttrResult    = attribute.Key("result")
	AttrStatus    = attribute.Key("status")

	// Environment attribute
	AttrEnvironment = attribute.Key("environment")

	// Error attributes
	AttrErrorCode = attribute.Key("error.code")
	AttrReason    = attribute.Key("reason")

	// Session attributes
	AttrSessionState = attribute.Key("session.state")
)

// Component values
const (
	ComponentSupervisor = "supervisor"
	ComponentHub        = "hub"
	ComponentMonitor    = "monitor"
	ComponentWorker     = "worker"
)

// Helper functions for creating common attribute sets

// EventAttributes returns common attributes for routed event metrics.
func EventAttributes(environment, channelID, topic string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrChannelID.String(channelID),
		AttrTopic.String(topic),
	}
}

// ComponentAttributes returns attributes identifying a platform process.
func ComponentAttributes(environment, component string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrComponent.String(component),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorCode, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorCode.String(errorCode),
		AttrReason.String(reason),
	}
}

// OperationResultAttributes returns attributes for upstream operation metrics.
func OperationResultAttributes(environment, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// SessionAttributes returns attributes for upstream session state metrics.
func SessionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrSessionState.String(state),
	}
}
