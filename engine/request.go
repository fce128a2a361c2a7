package engine

// OverwritePolicy controls what happens when a transfer destination
// already exists.
type OverwritePolicy int

const (
	// OverwriteFail rejects the item with an Exists error.
	OverwriteFail OverwritePolicy = iota
	// OverwriteSkip leaves the existing destination untouched and
	// reports the item as completed with zero bytes.
	OverwriteSkip
	// OverwriteReplace writes over the existing destination.
	OverwriteReplace
)

func (p OverwritePolicy) String() string {
	switch p {
	case OverwriteFail:
		return "fail"
	case OverwriteSkip:
		return "skip"
	case OverwriteReplace:
		return "replace"
	default:
		return "unknown"
	}
}

// SourcePair maps one source to one destination. The source may be a
// file, a directory, or a glob pattern; a glob's matches all land under
// Dest.
type SourcePair struct {
	Source string
	Dest   string
}

// TransferRequest describes one batch to move. The same request shape
// serves uploads, downloads and remote copies.
type TransferRequest struct {
	Pairs []SourcePair

	// Recursive enables directory trees as sources. Without it a
	// directory source is an error.
	Recursive bool

	// Dereference follows symlinks instead of recreating them.
	Dereference bool

	Overwrite OverwritePolicy

	// ForceArchive bypasses the planner and always stages directory
	// trees through a tar archive.
	ForceArchive bool

	// SkipVerify disables the post-transfer checksum comparison.
	SkipVerify bool
}
