package ir

// Version constants recorded with every audited submission.
const (
	// SchemaVersion is the version of the plan schema format.
	SchemaVersion = "1"

	// Version is the baitchat release version.
	Version = "0.1.0"
)
