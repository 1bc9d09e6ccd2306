package canbus

// Loopback is an in-memory FrameDriver that reflects every sent frame back
// to the receive side. It backs bench runs without a transceiver and the
// package tests.
type Loopback struct {
	frames []Frame
}

func NewLoopback() *Loopback { return &Loopback{} }

func (l *Loopback) Send(f Frame) error {
	data := make([]byte, len(f.Data))
	copy(data, f.Data)
	l.frames = append(l.frames, Frame{ID: f.ID, Data: data})
	return nil
}

func (l *Loopback) TryRecv() (Frame, bool, error) {
	if len(l.frames) == 0 {
		return Frame{}, false, nil
	}
	f := l.frames[0]
	l.frames = l.frames[1:]
	return f, true, nil
}

// Inject queues a frame on the receive side without it having been sent,
// standing in for traffic from another board.
func (l *Loopback) Inject(f Frame) { l.frames = append(l.frames, f) }
