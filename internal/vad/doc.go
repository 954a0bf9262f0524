// Package vad classifies audio frames as loud or quiet.
// Classification is a pure function of a frame's samples: the mean absolute
// sample value compared against a fixed threshold.
package vad
