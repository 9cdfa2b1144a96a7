package protocol

// frameSink receives the outcome of every candidate frame. Implementations
// are called with whatever lock guards the Deframer already held.
type frameSink interface {
	// deliver queues an application frame
	deliver(f Frame)

	// sendControl writes a link control frame
	sendControl(op Opcode)

	// reject answers a frame that failed its CRC with RETX
	reject(err *FramingError)

	// retransmit replays the last frame written to the link
	retransmit()

	// abort is called once when the peer sends NACK
	abort()
}

// Deframer slices an arbitrarily chunked byte stream into 18-byte frames.
// Frames are assumed to be aligned to the start of the stream; no attempt
// is made to resynchronize on a corrupted length.
type Deframer struct {
	input   *FifoBuffer
	sink    frameSink
	aborted bool

	crcErrors uint64
	received  uint64
}

// NewDeframer creates a Deframer reporting into sink
func NewDeframer(sink frameSink) *Deframer {
	return &Deframer{
		input: NewFifoBuffer(DefaultReceiveBufferSize),
		sink:  sink,
	}
}

// Append adds newly received bytes and processes every complete frame.
// Input larger than the free buffer space is consumed in pieces.
func (d *Deframer) Append(data []byte) {
	for len(data) > 0 && !d.aborted {
		n := d.input.Write(data)
		data = data[n:]
		d.process()
	}
}

// process drains all complete frames from the input buffer
func (d *Deframer) process() {
	var raw [FrameSize]byte

	for d.input.Available() >= FrameSize {
		d.input.Read(raw[:])
		frame, _ := Decode(raw[:])

		if crc := frame.ComputeCRC(); crc != frame.CRC {
			d.crcErrors++
			d.sink.reject(&FramingError{Received: frame, Computed: crc})
			continue
		}

		if frame.IsControl(OpRetx) {
			d.sink.retransmit()
			continue
		}

		if frame.IsControl(OpAck) {
			continue
		}

		if frame.IsControl(OpNack) {
			d.aborted = true
			d.input.Reset()
			d.sink.abort()
			return
		}

		d.received++
		d.sink.deliver(frame)
		d.sink.sendControl(OpAck)
	}
}

// Pending returns a copy of the bytes not yet assembled into a frame
func (d *Deframer) Pending() []byte {
	data := d.input.Data()
	out := make([]byte, len(data))
	copy(out, data)
	return out
}

// Aborted reports whether a NACK has been seen
func (d *Deframer) Aborted() bool {
	return d.aborted
}
