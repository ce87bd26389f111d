//go:build !(linux && amd64)

package portio

// Native is only available on linux/amd64.
func Native(ranges ...Range) (*Pinned, error) {
	return nil, ErrUnsupported
}
