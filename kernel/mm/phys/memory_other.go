//go:build !linux && !darwin && !freebsd

package phys

func allocBacking(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func freeBacking([]byte) error {
	return nil
}

func discardBacking(data []byte) error {
	for i := range data {
		data[i] = 0
	}
	return nil
}
