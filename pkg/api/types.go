package api

import "time"

// v0 contains the types shared between the publish CLI and the artifact receiver.

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

type StepStatus string

const (
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// ArtifactManifest describes a packed build directory.
type ArtifactManifest struct {
	Name      string    `json:"name" yaml:"name"`
	Version   string    `json:"version" yaml:"version"`
	Commit    string    `json:"commit,omitempty" yaml:"commit,omitempty"`
	RunID     string    `json:"run_id,omitempty" yaml:"run_id,omitempty"`
	Checksum  string    `json:"sha256" yaml:"sha256"`
	Size      int64     `json:"size" yaml:"size"`
	Files     int       `json:"files" yaml:"files"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// ArtifactReceipt is returned once a sink has accepted an artifact.
type ArtifactReceipt struct {
	Manifest ArtifactManifest `json:"manifest"`
	Sink     string           `json:"sink"`
	Location string           `json:"location"`
}

// ArtifactEvent is broadcast after a successful publication.
type ArtifactEvent struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Commit      string    `json:"commit,omitempty"`
	Checksum    string    `json:"sha256"`
	Sink        string    `json:"sink"`
	Location    string    `json:"location"`
	PublishedAt time.Time `json:"published_at"`
}

// Headers sent with an artifact upload to the receiver.
const (
	HeaderChecksum = "X-Artifact-Sha256"
	HeaderCommit   = "X-Artifact-Commit"
	HeaderRunID    = "X-Artifact-Run-Id"
)

// UploadResponse is returned by PUT /v0/artifacts/{name}/{version}.
type UploadResponse struct {
	Location string `json:"location"`
	Checksum string `json:"sha256"`
	Files    int    `json:"files"`
}

// VersionList is returned by GET /v0/artifacts/{name}.
type VersionList struct {
	Name     string   `json:"name"`
	Versions []string `json:"versions"`
	Current  string   `json:"current,omitempty"`
}

// Heartbeat is returned by GET /v0/heartbeat.
type Heartbeat struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}
