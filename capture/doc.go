// Package capture produces raw frames for the engine.
//
// A Device is any frame producer that can be started and stopped; the
// Enumerator lists the devices available by unique id. ExternalCapture
// is the push contract for callers that own their frame source. A
// Source wraps either kind and runs the per-source processing
// (deflicker, denoise and the capture effect filter) exactly once per
// frame before handing it to the engine.
package capture
