package updater

import (
	"errors"
	"fmt"
)

// Kind classifies why an update run failed.
type Kind int

const (
	// KindVersionFetch: the remote version could not be fetched or parsed,
	// or it is lower than the local version.
	KindVersionFetch Kind = iota + 1
	// KindManifest: the patch list of a version step could not be fetched
	// or parsed.
	KindManifest
	// KindPatchApply: a payload could not be downloaded, decoded or moved,
	// or the version file did not advance after a step.
	KindPatchApply
	// KindCancelled: the run's context was cancelled.
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindVersionFetch:
		return "version_fetch"
	case KindManifest:
		return "manifest"
	case KindPatchApply:
		return "patch_apply"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is the final status shown to the user for a failed run.
func (k Kind) Message() string {
	switch k {
	case KindVersionFetch:
		return "Error while getting the version information. Please try again later."
	case KindManifest:
		return "Error while reading the update list. Please try again later."
	case KindCancelled:
		return "Update cancelled."
	default:
		return "Error while applying update data. Please try again."
	}
}

// ErrVersionRegressed is wrapped when the server publishes a version lower
// than the one installed.
var ErrVersionRegressed = errors.New("remote version is lower than local version")

// ErrRunInProgress is returned by Start while another run is active.
var ErrRunInProgress = errors.New("an update run is already in progress")

// Error is the terminal error of a run.
type Error struct {
	Kind Kind
	Op   string // e.g. "fetch version", "apply delta"
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind carried by err, or 0 when err is not an *Error.
func KindOf(err error) Kind {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Kind
	}
	return 0
}
