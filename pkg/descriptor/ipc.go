package descriptor

// NodeStatus is the status byte of a data-node descriptor.
type NodeStatus uint8

// Data-node status bits
const (
	NodeDone       NodeStatus = 0x20
	NodeEndOfXfer  NodeStatus = 0x40
	NodeEndOfFrame NodeStatus = 0x80
)

// DataNode is the descriptor format spoken by the IPCv2 peer.
type DataNode struct {
	Offset uint32
	Count  uint16
	Status NodeStatus
}

// nodeIndex folds the three node bits into a table index:
// bit 2 end of frame, bit 1 end of transfer, bit 0 done.
func nodeIndex(s NodeStatus) int {
	i := 0
	if s&NodeEndOfFrame != 0 {
		i |= 4
	}
	if s&NodeEndOfXfer != 0 {
		i |= 2
	}
	if s&NodeDone != 0 {
		i |= 1
	}
	return i
}

// bdIndex folds LAST, INTR and DONE of a ring status into a table index.
func bdIndex(s Status) int {
	i := 0
	if s&StatusLast != 0 {
		i |= 4
	}
	if s&StatusIntr != 0 {
		i |= 2
	}
	if s&StatusDone != 0 {
		i |= 1
	}
	return i
}

// nodeToBD is shared with the IPCv2 peer; do not reorder.
var nodeToBD = [8]Status{
	StatusCont,
	StatusCont | StatusDone,
	StatusIntr | StatusLast,
	StatusIntr | StatusLast | StatusDone,
	StatusCont | StatusLast,
	StatusCont | StatusLast | StatusDone,
	StatusIntr | StatusLast,
	StatusIntr | StatusLast | StatusDone,
}

var bdToNode = [8]NodeStatus{
	0,
	NodeDone,
	NodeEndOfXfer,
	NodeEndOfXfer | NodeDone,
	NodeEndOfFrame,
	NodeEndOfFrame | NodeDone,
	NodeEndOfFrame | NodeEndOfXfer,
	NodeEndOfFrame | NodeEndOfXfer | NodeDone,
}

// ToBufferStatus translates a data-node status into ring status bits.
func ToBufferStatus(s NodeStatus) Status {
	return nodeToBD[nodeIndex(s)]
}

// ToNodeStatus translates ring status bits back into a data-node status.
func ToNodeStatus(s Status) NodeStatus {
	return bdToNode[bdIndex(s)]
}

// ToBD converts a data node into a ring descriptor. Bits of keep that are
// set in the existing ring status (typically WRAP) are carried over.
func (n DataNode) ToBD(existing Status, keep Status) BD {
	return BD{
		Status:     ToBufferStatus(n.Status) | existing&keep,
		Count:      n.Count,
		BufferAddr: n.Offset,
	}
}

// NodeFromBD converts a completed ring descriptor back into a data node.
func NodeFromBD(d BD) DataNode {
	return DataNode{
		Offset: d.BufferAddr,
		Count:  d.Count,
		Status: ToNodeStatus(d.Status),
	}
}
