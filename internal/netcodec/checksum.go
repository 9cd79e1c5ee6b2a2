package netcodec

import "encoding/binary"

// Checksum computes the Internet checksum (RFC 1071) over data,
// folding an optional carry-in accumulator from a prior call so that
// header and pseudo-header sums can be combined before finalizing.
func Checksum(data []byte, initial uint32) uint16 {
	sum := initial
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// checksumAccumulate folds data into a running sum without finalizing,
// used to combine a pseudo-header with the transport segment that
// follows it.
func checksumAccumulate(data []byte, initial uint32) uint32 {
	sum := initial
	n := len(data)
	i := 0
	for ; i+1 < n; i += 2 {
		sum += uint32(binary.BigEndian.Uint16(data[i : i+2]))
	}
	if i < n {
		sum += uint32(data[i]) << 8
	}
	return sum
}

// pseudoHeaderSum accumulates the IPv4 pseudo-header (src, dst, zero,
// protocol, length) used by TCP and UDP checksums.
func pseudoHeaderSum(src, dst [4]byte, protocol uint8, length int) uint32 {
	var buf [12]byte
	copy(buf[0:4], src[:])
	copy(buf[4:8], dst[:])
	buf[8] = 0
	buf[9] = protocol
	binary.BigEndian.PutUint16(buf[10:12], uint16(length))
	return checksumAccumulate(buf[:], 0)
}

// TransportChecksum computes the TCP/UDP checksum over segment (with
// its own checksum field already zeroed by the caller) given the IPv4
// pseudo-header fields.
func TransportChecksum(src, dst [4]byte, protocol uint8, segment []byte) uint16 {
	sum := pseudoHeaderSum(src, dst, protocol, len(segment))
	sum = checksumAccumulate(segment, sum)
	for sum>>16 != 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}
