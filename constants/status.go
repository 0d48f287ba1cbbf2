package constants

// JobState is the processing state of a claimed document.
type JobState string

// Stable values (stored verbatim in the journal).
const (
	StateDiscovered JobState = "DISCOVERED" // seen by the scanner, not yet claimed
	StateClaimed    JobState = "CLAIMED"    // claim rename won by this instance
	StateExtracting JobState = "EXTRACTING" // page split + encoding detection
	StateOCRing     JobState = "OCRING"     // per-page recognition in flight
	StateAssembling JobState = "ASSEMBLING" // merge + archival conversion
	StateDone       JobState = "DONE"       // terminal success
	StateErrored    JobState = "ERRORED"    // terminal failure
)

// Terminal reports whether no further transition is possible.
func (s JobState) Terminal() bool {
	return s == StateDone || s == StateErrored
}
