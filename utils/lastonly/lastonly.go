package lastonly

// Pipe creates a channel pair where writes to the input never block and
// the output only ever yields the most recent value written.  The tend
// loop publishes topology snapshots through this so a slow watcher can
// never stall reconciliation; intermediate snapshots it was too slow to
// observe are dropped.  Close the input channel to release the pipe.
func Pipe[T any]() (chan<- T, <-chan T) {
	inputCh := make(chan T)
	outputCh := make(chan T)

	go func() {
	RecvLoop:
		for {
			pending, ok := <-inputCh
			if !ok {
				break RecvLoop
			}

			// Keep replacing the pending value with anything newer until
			// the consumer actually takes it.
		SendLoop:
			for {
				select {
				case outputCh <- pending:
					break SendLoop
				case next, ok := <-inputCh:
					if !ok {
						break RecvLoop
					}
					pending = next
				}
			}
		}

		close(outputCh)
	}()

	return inputCh, outputCh
}
