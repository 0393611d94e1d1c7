//go:build !linux && !darwin

package platform

// Copy falls back to read/write on unsupported platforms.
func Copy(req Request) (Result, error) {
	Preallocate(req.Dst, spanLength(req))
	return copyReadWrite(req)
}
