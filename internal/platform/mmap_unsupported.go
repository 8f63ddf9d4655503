//go:build !linux

package platform

import "fmt"

func MmapCodeSegment(size int) ([]byte, error) {
	if size == 0 {
		panic("BUG: MmapCodeSegment with zero length")
	}
	return nil, fmt.Errorf("executable memory mapping is only implemented for linux/amd64")
}

func RemapCodeSegment(code []byte, size int) ([]byte, error) {
	return nil, fmt.Errorf("executable memory mapping is only implemented for linux/amd64")
}

func MunmapCodeSegment(code []byte) error {
	if len(code) == 0 {
		panic("BUG: MunmapCodeSegment with zero length")
	}
	return fmt.Errorf("executable memory mapping is only implemented for linux/amd64")
}
