package descriptor

import "encoding/binary"

// Size is the in-memory size of a buffer descriptor:
//
//	word 0: count[0:16] | status[16:24] | command[24:32]
//	word 1: buffer address
//	word 2: extended buffer address
const Size = 12

// PackMode packs the first descriptor word.
func PackMode(command Command, status Status, count uint16) uint32 {
	return uint32(count) | uint32(status)<<16 | uint32(command)<<24
}

// UnpackMode splits the first descriptor word.
func UnpackMode(w uint32) (Command, Status, uint16) {
	return Command(w >> 24), Status(w >> 16), uint16(w)
}

// Words returns the three descriptor words.
func (d BD) Words() [3]uint32 {
	return [3]uint32{PackMode(d.Command, d.Status, d.Count), d.BufferAddr, d.ExtBufferAddr}
}

// FromWords rebuilds a descriptor from its three words.
func FromWords(w [3]uint32) BD {
	cmd, status, count := UnpackMode(w[0])
	return BD{Command: cmd, Status: status, Count: count, BufferAddr: w[1], ExtBufferAddr: w[2]}
}

// MarshalTo writes d into b in little-endian order. b must hold Size bytes.
func (d BD) MarshalTo(b []byte) {
	w := d.Words()
	binary.LittleEndian.PutUint32(b[0:4], w[0])
	binary.LittleEndian.PutUint32(b[4:8], w[1])
	binary.LittleEndian.PutUint32(b[8:12], w[2])
}

// Marshal returns the little-endian encoding of d.
func (d BD) Marshal() []byte {
	b := make([]byte, Size)
	d.MarshalTo(b)
	return b
}

// Unmarshal decodes a little-endian descriptor.
func Unmarshal(b []byte) (BD, error) {
	if len(b) < Size {
		return BD{}, ErrShortBuffer
	}
	return FromWords([3]uint32{
		binary.LittleEndian.Uint32(b[0:4]),
		binary.LittleEndian.Uint32(b[4:8]),
		binary.LittleEndian.Uint32(b[8:12]),
	}), nil
}

// NodeSize is the in-memory size of a data-node descriptor:
//
//	word 0: offset buffer address
//	word 1: count[0:16] | reserved[16:24] | status[24:32]
const NodeSize = 8

// MarshalTo writes n into b in little-endian order. b must hold NodeSize bytes.
func (n DataNode) MarshalTo(b []byte) {
	binary.LittleEndian.PutUint32(b[0:4], n.Offset)
	binary.LittleEndian.PutUint32(b[4:8], uint32(n.Count)|uint32(n.Status)<<24)
}

// UnmarshalNode decodes a little-endian data-node descriptor.
func UnmarshalNode(b []byte) (DataNode, error) {
	if len(b) < NodeSize {
		return DataNode{}, ErrShortBuffer
	}
	w := binary.LittleEndian.Uint32(b[4:8])
	return DataNode{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Count:  uint16(w),
		Status: NodeStatus(w >> 24),
	}, nil
}
