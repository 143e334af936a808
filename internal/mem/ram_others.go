//go:build !unix

package mem

func (r *Region) unmap() error {
	r.buf = nil
	return nil
}
