package progress

import "io"

// Reader wraps an io.Reader and reports cumulative progress via a callback
// every interval bytes, and once more at EOF.
type Reader struct {
	reader     io.Reader
	total      int64
	interval   int64
	onProgress func(read, total int64)

	read       int64
	sinceLast  int64
	reportedAt int64
}

// NewReader wraps r. total may be <= 0 when the size is unknown.
func NewReader(r io.Reader, total, interval int64, cb func(read, total int64)) *Reader {
	if interval <= 0 {
		interval = 1
	}

	return &Reader{
		reader:     r,
		total:      total,
		interval:   interval,
		onProgress: cb,
		reportedAt: -1,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.sinceLast >= pr.interval {
			pr.report()
		}
	}

	if err == io.EOF && pr.reportedAt != pr.read {
		pr.report()
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

func (pr *Reader) report() {
	pr.sinceLast = 0
	pr.reportedAt = pr.read

	if pr.onProgress != nil {
		pr.onProgress(pr.read, pr.total)
	}
}
