package cerelog

// Checksum is the X8 frame checksum: the low byte of the sum of all bytes.
// Empty input yields 0.
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return sum
}
