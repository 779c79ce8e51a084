// Package core provides the domain model of the forward-modeling pipeline.
//
// # Core Types
//
// Strand: one discretized flux-tube segment with an immutable path, a
// cross-section profile and a plasma time series.
// Skeleton: the ordered ensemble of strands plus the angle-to-length conversion.
// StrandIonization: per-ion fractional populations of one strand over time.
// StrandEmission: per-channel intensity of one strand over time.
//
// Every artifact is a value: stages return new artifacts and never mutate the
// inputs they were given. Content identity is expressed as a Digest so that a
// downstream artifact can detect that an upstream one changed.
package core
