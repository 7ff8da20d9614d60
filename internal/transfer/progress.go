package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"time"
)

// progressReader wraps a response body, tracking bytes read, optionally
// hashing them (disabled on a resumed download per §9's checksum/resume
// tradeoff), and invoking onProgress on an elapsed-time cadence rather
// than a byte-count cadence so Progress events continue to fire even
// on slow connections.
type progressReader struct {
	reader      io.Reader
	hasher      hash.Hash // nil when resuming past offset 0
	totalRead   int64
	lastReport  time.Time
	reportEvery time.Duration
	onProgress  func(totalRead int64)
	nowFunc     func() time.Time
}

func newProgressReader(r io.Reader, hashFromZero bool, reportEvery time.Duration, onProgress func(int64)) *progressReader {
	pr := &progressReader{
		reader:      r,
		reportEvery: reportEvery,
		onProgress:  onProgress,
		nowFunc:     time.Now,
	}

	if hashFromZero {
		pr.hasher = sha256.New()
	}

	pr.lastReport = pr.nowFunc()

	return pr
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)

		if pr.hasher != nil {
			pr.hasher.Write(p[:n])
		}

		now := pr.nowFunc()
		if now.Sub(pr.lastReport) >= pr.reportEvery {
			pr.lastReport = now
			pr.onProgress(pr.totalRead)
		}
	}

	return n, err
}

// checksum returns the hex SHA-256 digest of everything read since
// this reader was created, or "" if hashing was disabled (resume case).
func (pr *progressReader) checksum() string {
	if pr.hasher == nil {
		return ""
	}

	return hex.EncodeToString(pr.hasher.Sum(nil))
}
