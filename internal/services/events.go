package services

import "log"

// ReleaseEvent is emitted on every transition into a release state. Delivery
// to downstream subscribers (notification and export pipelines) happens
// outside this service.
type ReleaseEvent struct {
	InstanceID     int64  `json:"id"`
	StudyName      string `json:"studyName"`
	ReleaseVersion int    `json:"releaseVersion"`
}

type ReleasePublisher interface {
	PublishRelease(ev ReleaseEvent)
}

// LogReleasePublisher writes release events to the process log. It stands in
// for the message-queue publisher this service feeds in production.
type LogReleasePublisher struct{}

func (LogReleasePublisher) PublishRelease(ev ReleaseEvent) {
	log.Printf("[events] questionnaire instance %d released (version %d, study %s)", ev.InstanceID, ev.ReleaseVersion, ev.StudyName)
}
