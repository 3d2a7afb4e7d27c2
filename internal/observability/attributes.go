// Package observability provides the OpenTelemetry metrics exported on /metrics.
package observability

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod = "method"
	attrPath   = "path"
	attrStatus = "status"
	attrTarget = "target"
	attrReason = "reason"
	attrStream = "stream"
	attrRole   = "role"
)

// Roles label saturation metrics by the side of the bus that owns them.
const (
	RoleOrigin = "origin"
	RoleRunner = "runner"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	return attribute.String(attrPath, path)
}

func statusCodeAttr(code int) attribute.KeyValue {
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	return attribute.String(attrStatus, fmt.Sprintf("%dxx", code/100))
}

func statusAttr(status string) attribute.KeyValue {
	return attribute.String(attrStatus, status)
}

func targetAttr(target string) attribute.KeyValue {
	return attribute.String(attrTarget, target)
}

func reasonAttr(reason string) attribute.KeyValue {
	return attribute.String(attrReason, reason)
}

func streamAttr(stream string) attribute.KeyValue {
	return attribute.String(attrStream, stream)
}

func roleAttr(role string) attribute.KeyValue {
	return attribute.String(attrRole, role)
}
