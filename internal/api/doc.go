// Package api exposes the REST surface of grantd: wallet administration,
// session lifecycle control and payload signing. It also serves the metrics
// endpoint so a single listener is enough for small deployments.
package api
