package api

import "os"

// MaxFileBody is the largest file-backed body the core will send. File
// bodies are capped below 4 GiB.
const MaxFileBody int64 = 1<<32 - 1

// BodyKind tells which representation a Body currently holds.
type BodyKind int

const (
	BodyEmpty BodyKind = iota
	BodyBytes          // one in-memory block
	BodyParts          // several discontiguous in-memory blocks
	BodyFile           // an open file handle
)

// Body is an outgoing response buffer. Its representations are mutually
// exclusive: setting one discards the others.
type Body struct {
	kind  BodyKind
	data  []byte
	parts [][]byte
	file  *os.File
	size  int64
}

// Kind returns the current representation.
func (b *Body) Kind() BodyKind {
	return b.kind
}

// SetBytes makes the body a single in-memory block.
func (b *Body) SetBytes(p []byte) {
	b.reset()
	b.kind = BodyBytes
	b.data = p
}

// AppendPart adds a block to a multi-part body. A body holding another
// representation is discarded first.
func (b *Body) AppendPart(p []byte) {
	if b.kind != BodyParts {
		b.reset()
		b.kind = BodyParts
	}
	b.parts = append(b.parts, p)
}

// SetFile makes the body file-backed. size is the number of bytes to send
// from the current offset of f. The Body takes ownership of f.
func (b *Body) SetFile(f *os.File, size int64) {
	b.reset()
	b.kind = BodyFile
	b.file = f
	b.size = size
}

// Bytes returns the single block.
func (b *Body) Bytes() []byte {
	return b.data
}

// Parts returns the blocks of a multi-part body.
func (b *Body) Parts() [][]byte {
	return b.parts
}

// File returns the file handle and the byte count to send.
func (b *Body) File() (*os.File, int64) {
	return b.file, b.size
}

// Len returns the total number of body bytes.
func (b *Body) Len() int64 {
	switch b.kind {
	case BodyBytes:
		return int64(len(b.data))
	case BodyParts:
		var n int64
		for _, p := range b.parts {
			n += int64(len(p))
		}
		return n
	case BodyFile:
		return b.size
	}
	return 0
}

// Close releases the file handle of a file-backed body. It is safe to call
// more than once.
func (b *Body) Close() error {
	if b.file == nil {
		return nil
	}
	err := b.file.Close()
	b.file = nil
	return err
}

func (b *Body) reset() {
	b.Close()
	b.kind = BodyEmpty
	b.data = nil
	b.parts = nil
	b.size = 0
}
