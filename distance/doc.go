// Package distance provides vector distance calculations.
//
// # Supported Metrics
//
//   - MetricL2: squared Euclidean distance
//   - MetricCosine: cosine distance (vectors are L2-normalized on the way in)
//   - MetricDot: negative inner product
//
// Every [Func] returned by [Provider] is a distance: lower means closer.
//
// # Usage
//
//	fn, _ := distance.Provider(distance.MetricL2)
//	d := fn(a, b)
package distance
