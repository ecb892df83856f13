// Package audio implements the frame pipeline between the sound device
// and the wire: float32 frame representation, linear resampling, an
// adaptive noise gate, PCM16/zstd codecs, and a concealing jitter
// buffer for playback.
package audio
