// Package buffer provides the sample container shared by the host and the
// compute devices.
//
// A [Buffer] is a tagged variant: host buffers own a []float64, device
// buffers hold a [Memory] handle allocated by a device. Engine operations
// accept either kind and reject memory that belongs to a different device.
//
// [Pool] recycles host buffers used as staging areas in hot paths.
package buffer
