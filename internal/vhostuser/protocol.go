// Package vhostuser implements the vhost-user control-channel state
// machine: a unix-domain socket carrying framed requests that
// negotiate virtio features, install guest memory regions, and wire
// up the split virtqueues that internal/virtqueue drives.
//
// Grounded on hanwen-go-fuse/vhostuser's types.go/device.go/server.go,
// adapted from a generic vhost-user FUSE backend to a virtio-net
// backend serving this appliance's switch/router data plane.
package vhostuser

// Request is a vhost-user message type, carried in the 12-byte header.
type Request uint32

const (
	ReqGetFeatures         Request = 1
	ReqSetFeatures         Request = 2
	ReqSetOwner            Request = 3
	ReqGetProtocolFeatures Request = 15
	ReqSetProtocolFeatures Request = 16
	ReqGetQueueNum         Request = 17
	ReqSetVringEnable      Request = 18
	ReqGetMaxMemSlots      Request = 36
	ReqSetBackendReqFD     Request = 21
	ReqSetMemTable         Request = 5
	ReqSetVringNum         Request = 8
	ReqSetVringAddr        Request = 9
	ReqSetVringBase        Request = 10
	ReqGetVringBase        Request = 11
	ReqSetVringKick        Request = 12
	ReqSetVringCall        Request = 13
	ReqSetVringErr         Request = 14
	ReqSetStatus           Request = 39
	ReqGetStatus           Request = 40
	ReqGetConfig           Request = 24
	ReqSetConfig           Request = 25
)

var requestNames = map[Request]string{
	ReqGetFeatures:         "GET_FEATURES",
	ReqSetFeatures:         "SET_FEATURES",
	ReqSetOwner:            "SET_OWNER",
	ReqGetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	ReqSetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	ReqGetQueueNum:         "GET_QUEUE_NUM",
	ReqSetVringEnable:      "SET_VRING_ENABLE",
	ReqGetMaxMemSlots:      "GET_MAX_MEM_SLOTS",
	ReqSetBackendReqFD:     "SET_BACKEND_REQ_FD",
	ReqSetMemTable:         "SET_MEM_TABLE",
	ReqSetVringNum:         "SET_VRING_NUM",
	ReqSetVringAddr:        "SET_VRING_ADDR",
	ReqSetVringBase:        "SET_VRING_BASE",
	ReqGetVringBase:        "GET_VRING_BASE",
	ReqSetVringKick:        "SET_VRING_KICK",
	ReqSetVringCall:        "SET_VRING_CALL",
	ReqSetVringErr:         "SET_VRING_ERR",
	ReqSetStatus:           "SET_STATUS",
	ReqGetStatus:           "GET_STATUS",
	ReqGetConfig:           "GET_CONFIG",
	ReqSetConfig:           "SET_CONFIG",
}

func (r Request) String() string {
	if n, ok := requestNames[r]; ok {
		return n
	}
	return "UNKNOWN"
}

// inFDCount is the number of ancillary fds each request type carries,
// used to validate SCM_RIGHTS payloads before dispatch.
var inFDCount = map[Request]int{
	ReqSetBackendReqFD: 1,
	ReqSetVringKick:    1,
	ReqSetVringCall:    1,
	ReqSetVringErr:     1,
	// SET_MEM_TABLE carries one fd per region; validated separately.
}

// Header is the fixed 12-byte little-endian frame header preceding
// every vhost-user message payload.
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

const (
	flagVersionMask uint32 = 0x3
	flagVersion1    uint32 = 0x1
	flagReply       uint32 = 0x1 << 2
	flagNeedReply   uint32 = 0x1 << 3
)

const HeaderSize = 12

// Feature bits (virtio + vhost-user), the subset this backend
// negotiates per spec.md §4.1.
const (
	VirtioNetFMAC            uint64 = 1 << 5
	VirtioNetFMrgRxbuf       uint64 = 1 << 15
	VirtioNetFStatus         uint64 = 1 << 16
	VirtioNetFMQ             uint64 = 1 << 22
	VirtioFRingEventIdx      uint64 = 1 << 29
	VirtioFVersion1          uint64 = 1 << 32
	VirtioFProtocolFeatures  uint64 = 1 << 30
)

// Protocol feature bits (VHOST_USER_PROTOCOL_F_*).
const (
	ProtocolFMQ          uint64 = 1 << 0
	ProtocolFBackendReq  uint64 = 1 << 5
	ProtocolFConfig      uint64 = 1 << 9
	ProtocolFResetDevice uint64 = 1 << 13
	ProtocolFStatus      uint64 = 1 << 16
)

// DefaultFeatures is the feature set GET_FEATURES advertises.
const DefaultFeatures = VirtioNetFMAC | VirtioNetFStatus | VirtioNetFMQ |
	VirtioFRingEventIdx | VirtioFVersion1 | VirtioFProtocolFeatures

// DefaultProtocolFeatures is the feature set GET_PROTOCOL_FEATURES advertises.
const DefaultProtocolFeatures = ProtocolFMQ | ProtocolFBackendReq | ProtocolFConfig |
	ProtocolFResetDevice | ProtocolFStatus

// MemoryRegionWire mirrors one VhostUserMemoryRegion wire entry.
type MemoryRegionWire struct {
	GuestPhysAddr uint64
	MemorySize    uint64
	UserAddr      uint64
	MmapOffset    uint64
}

// VringAddrWire mirrors the SET_VRING_ADDR payload.
type VringAddrWire struct {
	Index    uint32
	Flags    uint32
	DescAddr uint64
	UsedAddr uint64
	AvailAddr uint64
	LogAddr  uint64
}

// VringStateWire mirrors SET_VRING_NUM / SET_VRING_BASE / SET_VRING_ENABLE payloads.
type VringStateWire struct {
	Index uint32
	Num   uint32
}
