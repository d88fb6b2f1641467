// Package speech provides recognition and synthesis connections backed by
// the OpenAI audio APIs.
//
// Both services are request/response over HTTP. The recognizer buffers one
// utterance and transcribes it when the supervisor finalizes; the
// synthesizer streams raw PCM from the speech endpoint in fixed-size
// chunks. Connections hold no sockets of their own, so Close only stops
// in-flight work.
//
// Profiles are opaque handles of the form "model/option": for recognition
// the option is an ISO-639-1 language, for synthesis it is a voice. Either
// half may be omitted to use the configured default.
package speech

import "strings"

// splitProfile splits "model/option". A profile without a slash is just
// the option.
func splitProfile(profile string) (model, option string) {
	profile = strings.TrimSpace(profile)
	if m, o, ok := strings.Cut(profile, "/"); ok {
		return m, o
	}
	return "", profile
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
