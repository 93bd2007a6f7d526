package eg

import "errors"

var (
	// ErrUnrelatedHistories means two versions have no common ancestor. No
	// partial merge is produced.
	ErrUnrelatedHistories = errors.New("versions have no common history")
	ErrTreeIDMismatch     = errors.New("versions belong to different trees")
	ErrVersionNotFound    = errors.New("version not found")
)
