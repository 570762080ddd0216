package local

// ring is a growable FIFO of keys. It has no lock of its own; Store guards it.
type ring struct {
	buf  []string
	head int // index of the oldest key
	n    int
}

func newRing(size int) *ring {
	if size < 2 {
		size = 2
	}
	return &ring{buf: make([]string, size)}
}

func (q *ring) len() int { return q.n }

func (q *ring) push(k string) {
	if q.n == len(q.buf) {
		q.grow()
	}
	q.buf[(q.head+q.n)%len(q.buf)] = k
	q.n++
}

func (q *ring) peek() (string, bool) {
	if q.n == 0 {
		return "", false
	}
	return q.buf[q.head], true
}

func (q *ring) pop() (string, bool) {
	if q.n == 0 {
		return "", false
	}
	k := q.buf[q.head]
	q.buf[q.head] = ""
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return k, true
}

func (q *ring) grow() {
	nb := make([]string, len(q.buf)*2)
	q.copyTo(nb)
	q.buf, q.head = nb, 0
}

func (q *ring) copyTo(dst []string) int {
	for i := 0; i < q.n; i++ {
		dst[i] = q.buf[(q.head+i)%len(q.buf)]
	}
	return q.n
}

// rebuild keeps the keys accepted by keep, preserving their order.
func (q *ring) rebuild(keep func(string) bool) {
	nb := make([]string, len(q.buf))
	n := 0
	for i := 0; i < q.n; i++ {
		k := q.buf[(q.head+i)%len(q.buf)]
		if keep(k) {
			nb[n] = k
			n++
		}
	}
	q.buf, q.head, q.n = nb, 0, n
}

func (q *ring) snapshot() []string {
	out := make([]string, q.n)
	q.copyTo(out)
	return out
}

func (q *ring) reset(size int) {
	if size < 2 {
		size = 2
	}
	q.buf, q.head, q.n = make([]string, size), 0, 0
}
