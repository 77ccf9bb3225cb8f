package diagnostics

// ring keeps the last cap diagnostics, overwriting the oldest.
type ring struct {
	buf   []Diagnostic
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]Diagnostic, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) push(d Diagnostic) {
	if len(r.buf) == 0 {
		return
	}
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = d
		r.n++
		return
	}
	r.buf[r.start] = d
	r.start = (r.start + 1) % len(r.buf)
}

// recent returns up to n entries, newest first.
func (r *ring) recent(n int) []Diagnostic {
	if n <= 0 || n > r.n {
		n = r.n
	}
	out := make([]Diagnostic, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.start + r.n - 1 - i) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}
