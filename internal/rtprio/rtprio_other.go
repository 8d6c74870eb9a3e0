//go:build !linux && !windows

package rtprio

func promote(int) (func(), error) {
	return nil, ErrUnsupported
}
