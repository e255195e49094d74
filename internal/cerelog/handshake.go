package cerelog

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// Handshake is the outcome of a timestamp handshake.
type Handshake struct {
	Anchor     Anchor
	RegAddr    byte // echoed by the board
	BaudConfig byte // reported by the board
	BaudRate   int
}

// SendTimestampHandshake writes a handshake command asking the board to
// restart its packet counter, then waits for the acknowledgment frame.
//
// The ack's counter (normally zero) and the local receipt time become the
// first anchor. Its status bytes echo regAddr and report the board's baud
// config; if that maps to a different line speed the port is switched to it.
// An unsupported config fails before the port is touched.
func SendTimestampHandshake(port transport.Port, cfg DeviceConfig, regAddr, regVal byte, now func() time.Time) (Handshake, error) {
	if regAddr == cfg.BaudRegister {
		if _, err := cfg.NegotiateBaud(regVal); err != nil {
			return Handshake{}, err
		}
	}

	port.ResetInputBuffer()
	cmd := cfg.EncodeCommand(cfg.HandshakeType, regAddr, regVal, now())
	log.Printf("[cerelog] handshake on %s (reg 0x%02X = 0x%02X): % X", port.Name(), regAddr, regVal, cmd)
	if _, err := port.Write(cmd); err != nil {
		return Handshake{}, fmt.Errorf("cerelog: write handshake: %w: %w", ErrTransport, err)
	}

	r := newFrameReader(port, cfg)
	deadline := time.Now().Add(cfg.HandshakeTimeout)
	for {
		left := time.Until(deadline)
		if left <= 0 {
			return Handshake{}, fmt.Errorf("cerelog: no ack within %v: %w", cfg.HandshakeTimeout, ErrHandshakeTimeout)
		}
		raw, err := r.next(left)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return Handshake{}, fmt.Errorf("cerelog: read ack: %w: %w", ErrTransport, err)
		}
		received := now()

		if raw[cfg.TagOffset] != cfg.AckTag {
			continue // stray data from a board that was already streaming
		}
		ack, err := cfg.ParseFrame(raw)
		if err != nil {
			return Handshake{}, fmt.Errorf("cerelog: ack frame: %v: %w", err, ErrChecksumMismatch)
		}

		hs := Handshake{
			Anchor:     Anchor{Counter: ack.Counter, Time: received},
			RegAddr:    ack.Status[0],
			BaudConfig: ack.Status[1],
		}
		baud, err := cfg.NegotiateBaud(hs.BaudConfig)
		if err != nil {
			return Handshake{}, err
		}
		hs.BaudRate = baud
		if baud != port.BaudRate() {
			if err := port.SetBaudRate(baud); err != nil {
				return Handshake{}, fmt.Errorf("cerelog: switch to %d baud: %w: %w", baud, ErrTransport, err)
			}
			log.Printf("[cerelog] %s switched to %d baud", port.Name(), baud)
		}
		log.Printf("[cerelog] handshake ack: counter=%d baud=%d", ack.Counter, baud)
		return hs, nil
	}
}
