// Package video holds the raw frame type shared by the capture, encode,
// decode and render paths, together with the pixel-level processing the
// engine applies to it: scaling, effect filters, deflicker, denoise,
// color enhancement and mirroring.
//
// Frames are I420 (YUV 4:2:0 planar) stored in one contiguous buffer
// so that effect filters and external renderers can work on a single
// byte slice.
package video
