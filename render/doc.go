// Package render routes decoded frames to windows and external
// renderers.
//
// A Manager holds one Binding per source (a channel or a capture id).
// A binding starts Stopped and moves to Rendering on Start. While
// rendering it shows the start image until the first real frame, and
// the timeout image when no frame arrives within the configured
// timeout. Frames with a render time in the future are held until Tick
// reaches it.
package render
