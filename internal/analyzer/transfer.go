// internal/analyzer/transfer.go
// Bulk-IN transfer pool between the capture worker and the decoder.
package analyzer

import (
	"fmt"

	"github.com/google/gousb"
)

// transferQueue pumps the capture endpoint through a fixed pool of
// DMA-sized buffers. Filled buffers travel to the decoder on the data
// channel; the decoder hands them back on the reuse channel. No buffer
// is allocated on the hot path after startup.
type transferQueue struct {
	stream *gousb.ReadStream
	dataTx chan<- []byte
	reuse  chan []byte
}

// newTransferQueue claims the endpoint with numTransfers transfers of
// readLen bytes kept in flight, and seeds the reuse channel with the
// buffer pool.
func newTransferQueue(ep *gousb.InEndpoint, dataTx chan<- []byte, reuse chan []byte) (*transferQueue, error) {
	stream, err := ep.NewStream(readLen, numTransfers)
	if err != nil {
		return nil, NewError(ErrCodeEndpointClaimFailed,
			fmt.Sprintf("failed to start streaming from endpoint 0x%02x", captureEndpoint),
			err.Error())
	}
	for i := 0; i < numTransfers; i++ {
		reuse <- make([]byte, readLen)
	}
	return &transferQueue{
		stream: stream,
		dataTx: dataTx,
		reuse:  reuse,
	}, nil
}

// process runs until cancellation or an endpoint error, forwarding
// filled buffers to the decoder. Closing the data channel is the
// end-of-stream signal the decoder observes.
func (q *transferQueue) process(stop <-chan struct{}) error {
	defer close(q.dataTx)

	for {
		var buf []byte
		select {
		case <-stop:
			return nil
		case buf = <-q.reuse:
		}

		n, err := q.stream.Read(buf[:cap(buf)])
		if n > 0 {
			select {
			case q.dataTx <- buf[:n]:
			case <-stop:
				return nil
			}
		} else {
			// Nothing read; keep the buffer in the pool. The channel
			// holds the whole pool, so this never blocks.
			q.reuse <- buf
		}
		if err != nil {
			select {
			case <-stop:
				// Cancellation surfaces as a read error; not a fault.
				return nil
			default:
			}
			return fmt.Errorf("bulk read failed: %w", err)
		}
	}
}

// cancel aborts outstanding transfers. A blocked Read returns with an
// error afterwards.
func (q *transferQueue) cancel() {
	q.stream.Close()
}
