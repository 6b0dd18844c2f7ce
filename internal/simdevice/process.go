package simdevice

import (
	"bytes"

	"github.com/bigkaa/cartlink/internal/domain/model"
	"github.com/bigkaa/cartlink/internal/protocol"
	"github.com/bigkaa/cartlink/internal/transport"
)

// phase — что устройство ждёт от хоста.
type phase int

const (
	phaseIdle phase = iota
	phaseParams
	phaseUnitPath
	phaseSendHeader
	phaseSendPayload
	phaseListHeader
)

// sendState — принимаемый файл.
type sendState struct {
	unit     model.StorageType
	path     string
	length   int
	checksum uint16
}

// paramCount — число байт параметров у команд fire-and-ack.
var paramCount = map[protocol.Token]int{
	protocol.TokenPing:           0,
	protocol.TokenTogglePlayback: 0,
	protocol.TokenPlaySubtune:    1,
	protocol.TokenMuteVoices:     1,
	protocol.TokenSetMusicSpeed:  2,
}

// process разбирает накопленные байты, пока есть чем продвинуться.
// Вызывается под d.mu.
func (d *Device) process() {
	for d.step() {
	}
}

func unitFromToken(b byte) model.StorageType {
	if b == 1 {
		return model.StorageSD
	}
	return model.StorageUSB
}

// takeString извлекает строку до нуля. false — нуль ещё не пришёл.
func (d *Device) takeString(offset int) (string, int, bool) {
	idx := bytes.IndexByte(d.in[offset:], 0)
	if idx < 0 {
		return "", 0, false
	}
	return string(d.in[offset : offset+idx]), offset + idx + 1, true
}

func (d *Device) step() bool {
	switch d.phase {
	case phaseIdle:
		return d.stepIdle()

	case phaseParams:
		if len(d.in) < d.params {
			return false
		}
		d.in = d.in[d.params:]
		d.phase = phaseIdle
		d.ack()
		return true

	case phaseUnitPath:
		if len(d.in) < 1 {
			return false
		}
		path, next, ok := d.takeString(1)
		if !ok {
			return false
		}
		unit := unitFromToken(d.in[0])
		d.in = d.in[next:]
		d.phase = phaseIdle
		d.handleUnitPath(unit, model.CleanPath(path))
		return true

	case phaseSendHeader:
		if len(d.in) < 7 {
			return false
		}
		path, next, ok := d.takeString(7)
		if !ok {
			return false
		}
		h := d.in[:7]
		st := &sendState{
			length:   int(h[0])<<24 | int(h[1])<<16 | int(h[2])<<8 | int(h[3]),
			checksum: uint16(h[4])<<8 | uint16(h[5]),
			unit:     unitFromToken(h[6]),
			path:     model.CleanPath(path),
		}
		d.in = d.in[next:]

		vol := d.volumes[st.unit]
		switch {
		case !vol.available:
			d.phase = phaseIdle
			d.fail("Error 3: storage unavailable")
		case vol.data[st.path] != nil:
			d.phase = phaseIdle
			d.fail("File already exists")
		default:
			d.pending = st
			d.phase = phaseSendPayload
			d.ack()
		}
		return true

	case phaseSendPayload:
		st := d.pending
		if len(d.in) < st.length {
			return false
		}
		data := d.in[:st.length]
		d.in = d.in[st.length:]
		d.phase = phaseIdle
		d.pending = nil
		if protocol.Checksum(data) != st.checksum {
			d.fail("Checksum mismatch")
			return true
		}
		d.volumes[st.unit].putFile(st.path, data)
		d.ack()
		return true

	case phaseListHeader:
		if len(d.in) < 5 {
			return false
		}
		path, next, ok := d.takeString(5)
		if !ok {
			return false
		}
		unit := unitFromToken(d.in[0])
		d.in = d.in[next:]
		d.phase = phaseIdle
		d.handleList(unit, model.CleanPath(path))
		return true
	}
	return false
}

func (d *Device) stepIdle() bool {
	if len(d.in) == 0 {
		return false
	}

	if d.in[0] == protocol.VersionCheck {
		d.in = d.in[1:]
		d.emit([]byte(d.banner + "\r\n"))
		return true
	}

	if d.in[0] != 0x64 {
		// Произвольный текст: устройство отвечает эхом.
		text := d.in
		d.in = nil
		d.emit(append([]byte("echo: "), text...))
		return true
	}

	if len(d.in) < 2 {
		return false
	}
	token := protocol.Token(uint16(d.in[0])<<8 | uint16(d.in[1]))
	d.in = d.in[2:]
	d.received = append(d.received, token)

	if n, ok := paramCount[token]; ok {
		if n == 0 {
			d.ack()
			return true
		}
		d.params = n
		d.phase = phaseParams
		return true
	}

	switch token {
	case protocol.TokenReset:
		d.handleReset()
	case protocol.TokenLaunchFile, protocol.TokenDeleteFile, protocol.TokenGetFile:
		d.cmd = token
		d.phase = phaseUnitPath
		d.ack()
	case protocol.TokenSendFile:
		d.phase = phaseSendHeader
		d.ack()
	case protocol.TokenListDirectory:
		d.phase = phaseListHeader
		d.ack()
	default:
		d.fail("Unknown command")
	}
	return true
}

func (d *Device) handleReset() {
	if d.faults.CloseOnReset {
		d.closed = true
		d.out.CloseWithError(transport.ErrPortClosed)
		return
	}
	if d.faults.NoBanner {
		d.emit([]byte("...\r\n"))
		return
	}
	d.emit([]byte("Resetting C64\r\n" + d.banner + "\r\n"))
}

func (d *Device) handleUnitPath(unit model.StorageType, path string) {
	vol := d.volumes[unit]
	if !vol.available {
		d.fail("Error 3: storage unavailable")
		return
	}

	data, exists := vol.data[path]
	switch d.cmd {
	case protocol.TokenLaunchFile:
		if !exists {
			d.fail("Error 4: file not found")
			return
		}
		d.ack()

	case protocol.TokenDeleteFile:
		if !vol.removeFile(path) {
			d.fail("Error 4: file not found")
			return
		}
		d.ack()

	case protocol.TokenGetFile:
		if !exists {
			d.fail("Error 4: file not found " + path)
			return
		}
		payload := append([]byte(nil), data...)
		checksum := protocol.Checksum(payload)
		if d.faults.CorruptNextFile && len(payload) > 0 {
			d.faults.CorruptNextFile = false
			payload[len(payload)/2] ^= 0xFF
		}
		d.ack()
		d.emit(uint32LE(uint32(len(payload))))
		d.emit(uint32LE(uint32(checksum)))
		d.emit(payload)
		d.emit(protocol.TokenAck.LittleEndianBytes())
	}
}

func (d *Device) handleList(unit model.StorageType, path string) {
	d.listCalls[path]++

	vol := d.volumes[unit]
	if !vol.available {
		d.emit([]byte("Error 1: storage unavailable"))
		return
	}
	if _, ok := vol.subdirs[path]; !ok {
		if _, isFile := vol.data[path]; isFile {
			d.emit([]byte("Error 6: not a directory " + path))
			return
		}
		d.emit([]byte("Error 5: directory not found " + path))
		return
	}

	d.emit(protocol.TokenStartDirectoryList.LittleEndianBytes())
	d.emit(vol.listing(path))
	d.emit(protocol.TokenEndDirectoryList.Bytes())
}
