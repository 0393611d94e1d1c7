// Package platform provides positional file copies built on the fastest
// primitive each OS offers, falling back to plain pread/pwrite when the
// kernel or filesystem declines.
package platform

import "os"

// Method identifies which syscall/strategy performed a copy.
type Method int

const (
	MethodReadWrite     Method = iota
	MethodCopyFileRange        // Linux copy_file_range(2)
	MethodSendfile             // Linux sendfile(2)
	MethodClonefile            // macOS clonefile(2)
)

func (m Method) String() string {
	switch m {
	case MethodReadWrite:
		return "read_write"
	case MethodCopyFileRange:
		return "copy_file_range"
	case MethodSendfile:
		return "sendfile"
	case MethodClonefile:
		return "clonefile"
	default:
		return "unknown"
	}
}

// Request describes one positional copy: Length bytes of the source starting
// at Offset, written to Dst at the same offset. Length 0 means through the
// end of the source.
type Request struct {
	Dst     *os.File
	SrcPath string
	Offset  int64
	Length  int64
	SrcSize int64
}

// Result reports the outcome of a copy.
type Result struct {
	Bytes  int64
	Method Method
}

// spanLength returns the effective byte count to copy.
func spanLength(req Request) int64 {
	if req.Length > 0 {
		return req.Length
	}
	return req.SrcSize - req.Offset
}
