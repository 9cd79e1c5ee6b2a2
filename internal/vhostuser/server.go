package vhostuser

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/sys/unix"
)

// Server drives one vhost-user client connection's control-channel
// state machine, per spec.md §4.1. One Server+Device pair exists per
// connected shard.
type Server struct {
	conn   *net.UnixConn
	device *Device
	log    *slog.Logger
}

// NewServer wraps an accepted connection and the device it controls.
func NewServer(conn *net.UnixConn, device *Device, log *slog.Logger) *Server {
	return &Server{conn: conn, device: device, log: log}
}

// Serve processes requests until the connection closes or a fatal
// framing error occurs. Per spec.md §7, payload-size mismatches and
// missing required ancillary fds are fatal to this connection only.
func (s *Server) Serve() error {
	defer s.device.Close()
	for {
		if err := s.oneRequest(); err != nil {
			return err
		}
	}
}

const maxPayload = 1 << 20

func (s *Server) oneRequest() error {
	var hdrBuf [HeaderSize]byte
	var oob [unix.CmsgSpace(8 * 4)]byte

	n, oobn, _, _, err := s.conn.ReadMsgUnix(hdrBuf[:], oob[:])
	if err != nil {
		return err
	}
	if n < HeaderSize {
		return fmt.Errorf("vhostuser: short header read (%d bytes)", n)
	}

	hdr := Header{
		Request: Request(binary.LittleEndian.Uint32(hdrBuf[0:4])),
		Flags:   binary.LittleEndian.Uint32(hdrBuf[4:8]),
		Size:    binary.LittleEndian.Uint32(hdrBuf[8:12]),
	}
	if hdr.Flags&flagVersionMask != flagVersion1 {
		return fmt.Errorf("vhostuser: unsupported protocol version in flags 0x%x", hdr.Flags)
	}

	var fds []int
	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return fmt.Errorf("vhostuser: parse control message: %w", err)
		}
		for _, scm := range scms {
			rights, err := unix.ParseUnixRights(&scm)
			if err != nil {
				return fmt.Errorf("vhostuser: parse unix rights: %w", err)
			}
			fds = append(fds, rights...)
		}
	}

	var payload []byte
	if hdr.Size > 0 {
		if hdr.Size > maxPayload {
			return fmt.Errorf("vhostuser: payload size %d exceeds limit", hdr.Size)
		}
		payload = make([]byte, hdr.Size)
		pn, err := s.conn.Read(payload)
		if err != nil {
			return fmt.Errorf("vhostuser: read payload: %w", err)
		}
		if pn != int(hdr.Size) {
			return fmt.Errorf("vhostuser: short payload read (got %d want %d)", pn, hdr.Size)
		}
	}

	if want, ok := inFDCount[hdr.Request]; ok && want != len(fds) {
		return fmt.Errorf("vhostuser: %s expected %d fds, got %d", hdr.Request, want, len(fds))
	}

	needReply := hdr.Flags&flagNeedReply != 0
	var replyPayload []byte
	var handlerErr error

	switch hdr.Request {
	case ReqGetFeatures:
		replyPayload = u64Payload(s.device.GetFeatures())
	case ReqSetFeatures:
		s.device.SetFeatures(readU64(payload))
	case ReqGetProtocolFeatures:
		replyPayload = u64Payload(s.device.GetProtocolFeatures())
	case ReqSetProtocolFeatures:
		s.device.SetProtocolFeatures(readU64(payload))
	case ReqSetOwner:
		s.device.SetOwner()
	case ReqGetQueueNum:
		replyPayload = u64Payload(s.device.GetQueueNum())
	case ReqGetMaxMemSlots:
		replyPayload = u64Payload(s.device.GetMaxMemSlots())
	case ReqSetBackendReqFD:
		if len(fds) == 1 {
			s.device.SetBackendReqFD(fds[0])
		}
	case ReqSetMemTable:
		regions, regErr := decodeMemTable(payload)
		if regErr != nil {
			handlerErr = regErr
			break
		}
		if len(fds) != len(regions) {
			handlerErr = fmt.Errorf("vhostuser: set_mem_table got %d fds for %d regions", len(fds), len(regions))
			break
		}
		handlerErr = s.device.SetMemTable(regions, fds)
	case ReqSetVringNum:
		st := decodeVringState(payload)
		handlerErr = s.device.SetVringNum(st.Index, uint16(st.Num))
	case ReqSetVringAddr:
		handlerErr = s.device.SetVringAddr(decodeVringAddr(payload))
	case ReqSetVringBase:
		st := decodeVringState(payload)
		handlerErr = s.device.SetVringBase(st.Index, uint16(st.Num))
	case ReqGetVringBase:
		st := decodeVringState(payload)
		base, e := s.device.GetVringBase(st.Index)
		handlerErr = e
		if e == nil {
			replyPayload = vringStatePayload(st.Index, uint32(base))
		}
	case ReqSetVringKick:
		st := decodeVringState(payload)
		if len(fds) == 1 {
			handlerErr = s.device.SetVringKick(st.Index, fds[0])
		} else {
			handlerErr = fmt.Errorf("vhostuser: set_vring_kick missing fd")
		}
	case ReqSetVringCall:
		st := decodeVringState(payload)
		if len(fds) == 1 {
			handlerErr = s.device.SetVringCall(st.Index, fds[0])
		} else {
			handlerErr = fmt.Errorf("vhostuser: set_vring_call missing fd")
		}
	case ReqSetVringErr:
		st := decodeVringState(payload)
		if len(fds) == 1 {
			handlerErr = s.device.SetVringErr(st.Index, fds[0])
		} else {
			handlerErr = fmt.Errorf("vhostuser: set_vring_err missing fd")
		}
	case ReqSetVringEnable:
		st := decodeVringState(payload)
		handlerErr = s.device.SetVringEnable(st.Index, st.Num != 0)
	case ReqSetStatus:
		s.device.SetStatus(readU64(payload))
	case ReqGetStatus:
		replyPayload = u64Payload(s.device.GetStatus())
	case ReqGetConfig:
		replyPayload = s.device.GetConfig()
	case ReqSetConfig:
		handlerErr = s.device.SetConfig(payload)
	default:
		if s.log != nil {
			s.log.Warn("vhostuser: unknown request, ignoring", slog.Any("request", hdr.Request))
		}
	}

	if handlerErr != nil && s.log != nil {
		s.log.Warn("vhostuser: request failed", slog.Any("request", hdr.Request), slog.Any("error", handlerErr))
	}

	if needReply && replyPayload == nil {
		status := uint64(0)
		if handlerErr != nil {
			status = 1
		}
		replyPayload = u64Payload(status)
	}
	if replyPayload == nil {
		return nil
	}

	return s.writeReply(hdr.Request, replyPayload)
}

func (s *Server) writeReply(req Request, payload []byte) error {
	var buf [HeaderSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(req))
	binary.LittleEndian.PutUint32(buf[4:8], flagVersion1|flagReply)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(payload)))
	out := append(buf[:], payload...)
	_, err := s.conn.Write(out)
	return err
}

func readU64(payload []byte) uint64 {
	if len(payload) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(payload[0:8])
}

func u64Payload(v uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func decodeVringState(payload []byte) VringStateWire {
	if len(payload) < 8 {
		return VringStateWire{}
	}
	return VringStateWire{
		Index: binary.LittleEndian.Uint32(payload[0:4]),
		Num:   binary.LittleEndian.Uint32(payload[4:8]),
	}
}

func vringStatePayload(index, num uint32) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:4], index)
	binary.LittleEndian.PutUint32(buf[4:8], num)
	return buf
}

func decodeVringAddr(payload []byte) VringAddrWire {
	if len(payload) < 40 {
		return VringAddrWire{}
	}
	return VringAddrWire{
		Index:     binary.LittleEndian.Uint32(payload[0:4]),
		Flags:     binary.LittleEndian.Uint32(payload[4:8]),
		DescAddr:  binary.LittleEndian.Uint64(payload[8:16]),
		UsedAddr:  binary.LittleEndian.Uint64(payload[16:24]),
		AvailAddr: binary.LittleEndian.Uint64(payload[24:32]),
		LogAddr:   binary.LittleEndian.Uint64(payload[32:40]),
	}
}

// decodeMemTable parses the SET_MEM_TABLE payload: a u32 region count,
// u32 padding, then that many 32-byte region descriptors.
func decodeMemTable(payload []byte) ([]MemoryRegionWire, error) {
	if len(payload) < 8 {
		return nil, fmt.Errorf("vhostuser: set_mem_table payload too short")
	}
	count := binary.LittleEndian.Uint32(payload[0:4])
	const regionSize = 32
	need := 8 + int(count)*regionSize
	if len(payload) < need {
		return nil, fmt.Errorf("vhostuser: set_mem_table payload too short for %d regions", count)
	}
	regions := make([]MemoryRegionWire, count)
	for i := 0; i < int(count); i++ {
		off := 8 + i*regionSize
		r := payload[off : off+regionSize]
		regions[i] = MemoryRegionWire{
			GuestPhysAddr: binary.LittleEndian.Uint64(r[0:8]),
			MemorySize:    binary.LittleEndian.Uint64(r[8:16]),
			UserAddr:      binary.LittleEndian.Uint64(r[16:24]),
			MmapOffset:    binary.LittleEndian.Uint64(r[24:32]),
		}
	}
	return regions, nil
}
