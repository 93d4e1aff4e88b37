package metrics

// Value is a sample added to a counter or set on a gauge.
type Value float64

// Dimension labels a sample, e.g. {"protocol": "Ping"}. Every sample of one
// metric must carry the same keys.
type Dimension map[string]string
