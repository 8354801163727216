package session

// logRing keeps the most recent log lines of a session.
type logRing struct {
	lines []string
	start int
	size  int
}

func newLogRing(capacity int) *logRing {
	if capacity < 1 {
		capacity = 1
	}
	return &logRing{lines: make([]string, capacity)}
}

func (r *logRing) add(line string) {
	end := (r.start + r.size) % len(r.lines)
	r.lines[end] = line
	if r.size < len(r.lines) {
		r.size++
		return
	}
	r.start = (r.start + 1) % len(r.lines)
}

// last returns up to n lines, oldest first. n <= 0 returns everything.
func (r *logRing) last(n int) []string {
	if n <= 0 || n > r.size {
		n = r.size
	}
	out := make([]string, 0, n)
	for i := r.size - n; i < r.size; i++ {
		out = append(out, r.lines[(r.start+i)%len(r.lines)])
	}
	return out
}

func (r *logRing) reset() {
	for i := range r.lines {
		r.lines[i] = ""
	}
	r.start, r.size = 0, 0
}
