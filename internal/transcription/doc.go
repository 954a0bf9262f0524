// Package transcription sends finished speech segments to a speech-to-text
// service. Two backends are provided: a multipart HTTP client for
// whisper-server style endpoints and an OpenAI client. Requests are made
// once; failures are reported to the caller, which drops the segment.
package transcription
