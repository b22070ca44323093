package vmimage

// ProgressStage identifies which phase of a pull a ProgressEvent describes.
type ProgressStage string

const (
	// ProgressDownloading covers the bounded-concurrency layer download
	// phase.
	ProgressDownloading ProgressStage = "downloading"
	// ProgressReassembling covers streaming ordered parts into disk.img.
	ProgressReassembling ProgressStage = "reassembling"
)

// ProgressEvent is one advisory progress observation during a pull. Events
// are not used for correctness and may be dropped or coalesced.
type ProgressEvent struct {
	Stage      ProgressStage
	BytesDone  uint64
	BytesTotal uint64
}

// ProgressFunc receives progress events during a pull. It must return
// quickly; it is called from the goroutine performing the I/O it reports on.
type ProgressFunc func(ProgressEvent)
