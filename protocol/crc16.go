package protocol

// CRC16 is the frame checksum, CRC-16/MCRF4XX: reflected polynomial 0x8408,
// initial value 0xFFFF, no final xor.
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc16Update(crc, b)
	}
	return crc
}

func crc16Update(crc uint16, b byte) uint16 {
	b ^= byte(crc)
	b ^= b << 4
	w := uint16(b)
	return (w<<8 | crc>>8) ^ w>>4 ^ w<<3
}
