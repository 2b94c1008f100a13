// Package codec defines the video codec descriptors known to the engine,
// the encoder and decoder contracts that internal and externally
// registered codecs satisfy, the RTP payload formats used to carry
// encoded frames, and the built-in codecs.
//
// Built-in codecs:
//
//   - I420: raw planar frames, fragmented to the MTU by the generic
//     payload format.
//   - Block: a block-mean reference codec with key and delta frames
//     whose bitstream starts with a VP8-compatible frame tag. It fills
//     the VP8 slot of the registry and is carried in the VP8 RTP
//     payload format; production VP8 is supplied as an external codec.
//
// H.263 is listed in the registry but has no built-in implementation;
// it can only be used with an external encoder and decoder.
package codec
