// Package capture provides frame sources and the suppression gate.
//
// A Source yields fixed-size PCM frames one at a time. This package holds
// the WAV file replay and the network microphone, which speaks the protocol
// package's packet format over UDP. Device capture lives in the portaudio
// subpackage so that only the commands link against libportaudio. The Gate sits between the source and
// segmentation and replaces frames with silence while a reply is active.
package capture
