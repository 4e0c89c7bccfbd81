package pool

type resultKind int

const (
	// resultOutput carries one derived message, encoded once per output.
	resultOutput resultKind = iota
	// resultCompletion marks the terminal outcome of a message.
	resultCompletion
	// resultWorkerDone is sent by a worker that stopped cleanly.
	resultWorkerDone
	// resultWorkerFatal is sent by a worker whose hooks failed, or on behalf of
	// workers by the monitor.
	resultWorkerFatal
)

type result struct {
	kind    resultKind
	worker  int
	batch   [][]byte
	localID uint64
	err     error
	// infra is set for failures of the pipeline itself.
	infra bool
}

// workItem is what travels over the work channel.
type workItem struct {
	localID    uint64
	body       []byte
	retryCount int
	maxRetries *int
}
