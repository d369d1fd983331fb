package digestindex

import (
	"bufio"
	"io"
)

// WriteTo writes every entry as a canonical uppercase line, in sorted order.
// The output is itself a valid corpus: loading it yields an equal index.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriterSize(w, readBufferSize)
	var written int64
	line := make([]byte, 0, IdentifierLen+1)
	for _, id := range idx.ids {
		line = append(id.appendHex(line[:0]), '\n')
		n, err := bw.Write(line)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}
