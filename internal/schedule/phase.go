package schedule

// Phase is the last transition the host made for a slot.
type Phase uint8

const (
	// AwaitingUpload means the slot's output was reduced and its next
	// batch has not been written.
	AwaitingUpload Phase = iota
	// Uploading means a transfer for the slot was submitted.
	Uploading
	// AwaitingCompute means a dispatch was submitted behind an upload the
	// host has not yet seen complete.
	AwaitingCompute
	// Computing means a dispatch for the slot was submitted.
	Computing
	// AwaitingReadback means a dispatch finished and its output has not
	// been copied back.
	AwaitingReadback
)

func (p Phase) String() string {
	switch p {
	case AwaitingUpload:
		return "awaiting-upload"
	case Uploading:
		return "uploading"
	case AwaitingCompute:
		return "awaiting-compute"
	case Computing:
		return "computing"
	case AwaitingReadback:
		return "awaiting-readback"
	}
	return "unknown"
}
