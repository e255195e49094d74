package cerelog

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/shaunagostinho/cerelog-x8/internal/transport"
)

// USB-serial bridges the X8 ships with, as VID:PID.
var knownBridges = map[string]bool{
	"10C4:EA60": true, // CP210x
	"1A86:7523": true, // CH340
	"1A86:55D4": true, // CH9102
	"0403:6001": true, // FT232R
	"0403:6015": true, // FT231X
}

var portNameHints = []string{"usbserial", "wchusbserial", "ttyUSB", "ttyACM", "SLAB_USBtoUART"}

// DiscoverPort finds the port the board answers on.
//
// When preferred is set it is the only candidate. Otherwise every port the
// transport lists is probed, likely USB bridges first. Each candidate is
// opened at the probe baud, sent the identification query and given
// ProbeTimeout to reply with a checksum-valid frame. Ports that cannot be
// opened are skipped. Every probed port is closed before returning; the
// caller reopens the winner.
func DiscoverPort(tr transport.Transport, cfg DeviceConfig, preferred string) (string, error) {
	var candidates []string
	if preferred != "" {
		candidates = []string{preferred}
	} else {
		ports, err := tr.ListPorts()
		if err != nil {
			return "", fmt.Errorf("cerelog: list ports: %w", errors.Join(ErrDeviceNotFound, err))
		}
		candidates = rankPorts(ports)
	}
	log.Printf("[discovery] probing %d candidate port(s): %v", len(candidates), candidates)

	deadline := time.Now().Add(cfg.DiscoveryTimeout)
	var causes []error
	for _, name := range candidates {
		if !time.Now().Before(deadline) {
			log.Printf("[discovery] overall timeout %v reached", cfg.DiscoveryTimeout)
			break
		}
		port, err := tr.Open(name, cfg.ProbeBaud)
		if err != nil {
			if transport.IsAccessError(err) {
				log.Printf("[discovery] skipping %s: busy or permission denied", name)
			} else {
				log.Printf("[discovery] skipping %s: %v", name, err)
			}
			causes = append(causes, fmt.Errorf("%s: %w: %w", name, ErrPortAccess, err))
			continue
		}
		budget := cfg.ProbeTimeout
		if left := time.Until(deadline); left < budget {
			budget = left
		}
		ok, err := probePort(port, cfg, budget)
		port.Close()
		if err != nil {
			log.Printf("[discovery] probe of %s failed: %v", name, err)
			causes = append(causes, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if ok {
			log.Printf("[discovery] board answered on %s", name)
			return name, nil
		}
		log.Printf("[discovery] no answer on %s", name)
	}

	return "", fmt.Errorf("cerelog: no board on %d candidate port(s): %w",
		len(candidates), errors.Join(append([]error{ErrDeviceNotFound}, causes...)...))
}

// probePort sends the identification query and waits for a valid frame.
func probePort(port transport.Port, cfg DeviceConfig, timeout time.Duration) (bool, error) {
	if err := port.SetReadTimeout(cfg.FrameReadTimeout); err != nil {
		return false, fmt.Errorf("set timeout: %w", err)
	}
	port.ResetInputBuffer()
	if _, err := port.Write(cfg.IdentQuery); err != nil {
		return false, fmt.Errorf("write ident query: %w", err)
	}

	r := newFrameReader(port, cfg)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		raw, err := r.next(time.Until(deadline))
		if errors.Is(err, transport.ErrTimeout) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if _, err := cfg.ParseFrame(raw); err == nil {
			return true, nil
		}
	}
	return false, nil
}

// rankPorts orders candidates so likely X8 bridges are probed first.
func rankPorts(ports []transport.PortInfo) []string {
	score := func(p transport.PortInfo) int {
		if p.IsUSB && knownBridges[strings.ToUpper(p.VID)+":"+strings.ToUpper(p.PID)] {
			return 0
		}
		for _, h := range portNameHints {
			if strings.Contains(p.Name, h) {
				return 1
			}
		}
		if p.IsUSB {
			return 2
		}
		return 3
	}
	sorted := append([]transport.PortInfo(nil), ports...)
	sort.SliceStable(sorted, func(i, j int) bool { return score(sorted[i]) < score(sorted[j]) })

	names := make([]string, 0, len(sorted))
	for _, p := range sorted {
		names = append(names, p.Name)
	}
	return names
}
