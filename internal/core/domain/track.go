package domain

// TrackID names an audio track: the local microphone or a relayed remote
// one.
type TrackID string
