// Package protocol implements the framed serial protocol spoken between the
// SPI job queue firmware and its host tools. It is the Klipper wire format:
// VLQ encoded arguments, a CRC16 trailer, a sync byte, and sequence numbers
// acknowledged by the receiver.
package protocol

// Version is the wire protocol revision reported in the dictionary
const Version = "0.1.0"

// Frame layout: len seq payload... crc_hi crc_lo sync
const (
	MessageHeaderSize  = 2
	MessageTrailerSize = 3
	MessageLengthMin   = MessageHeaderSize + MessageTrailerSize
	MessageLengthMax   = 64
	MessagePositionLen = 0
	MessagePositionSeq = 1
	MessageValueSync   = 0x7E

	// The high nibble of every sequence byte is MessageDest, the low nibble
	// counts frames.
	MessageDest    = 0x10
	MessageSeqMask = 0x0F

	// MessageMax sizes ScratchOutput, room for several queued responses
	MessageMax = 512
)

// NextSequence returns the sequence that follows seq.
func NextSequence(seq uint8) uint8 {
	return (seq+1)&MessageSeqMask | MessageDest
}

// Stats counts link level events on one side of the link.
type Stats struct {
	Frames   uint32 // Valid frames received
	Errors   uint32 // Frames dropped for a bad length, sequence byte, CRC or sync
	Resyncs  uint32 // Times the stream was resynchronized after an error
	OutOfSeq uint32 // Frames ignored because their sequence was not the expected one
}
