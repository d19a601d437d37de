/*
Package httpserver runs the public HTTP API of the backup service.

Handlers from the api packages are mounted through RouteRegistrar and share the
request logging middleware. The server also provides the operational endpoints:

  - GET /livez: process liveness
  - GET /readyz: readiness, false while draining
  - GET /drain, GET /undrain: toggle readiness for load balancer rotation
  - /debug/pprof: profiling, when enabled

Prometheus metrics are served on a separate address by the metrics package.
*/
package httpserver
