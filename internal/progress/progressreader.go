package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback
// every interval bytes and once more when the wrapped reader is exhausted.
type Reader struct {
	Reader     io.Reader
	Total      int64
	OnProgress func(read int64, total int64)

	read        int64
	sinceLast   int64
	interval    int64
	reportedEOF bool
}

func NewReader(r io.Reader, total int64, interval int64, cb func(read int64, total int64)) *Reader {
	return &Reader{
		Reader:     r,
		Total:      total,
		OnProgress: cb,
		interval:   interval,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.Reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.interval > 0 && pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && !pr.reportedEOF {
		pr.reportedEOF = true
		if pr.sinceLast > 0 {
			pr.report()
		}
	}

	return n, err
}

// BytesRead returns how many bytes went through the reader so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	if pr.OnProgress != nil {
		pr.OnProgress(pr.read, pr.Total)
	}
}
