package transport

import (
	"fmt"
	"sort"

	"go.bug.st/serial/enumerator"
)

// SerialPortInfo describes a serial port found on the host.
type SerialPortInfo struct {
	Name    string
	IsUSB   bool
	VID     string
	PID     string
	Serial  string
	Product string
}

type portLister func() ([]SerialPortInfo, error)

func systemPortLister() ([]SerialPortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	ports := make([]SerialPortInfo, 0, len(details))
	for _, d := range details {
		if d == nil {
			continue
		}
		ports = append(ports, SerialPortInfo{
			Name:    d.Name,
			IsUSB:   d.IsUSB,
			VID:     d.VID,
			PID:     d.PID,
			Serial:  d.SerialNumber,
			Product: d.Product,
		})
	}

	return ports, nil
}

// ListSerialPorts returns the host's serial ports, USB ports first.
func ListSerialPorts() ([]SerialPortInfo, error) {
	ports, err := systemPortLister()
	if err != nil {
		return nil, err
	}
	sortSerialPorts(ports)

	return ports, nil
}

func firstUSBPort(list portLister) (SerialPortInfo, error) {
	ports, err := list()
	if err != nil {
		return SerialPortInfo{}, err
	}
	sortSerialPorts(ports)
	for _, p := range ports {
		if p.IsUSB {
			return p, nil
		}
	}

	return SerialPortInfo{}, fmt.Errorf("%w: no USB serial port found; plug the board in with a data cable", ErrDeviceNotFound)
}

func sortSerialPorts(ports []SerialPortInfo) {
	sort.SliceStable(ports, func(i, j int) bool {
		if ports[i].IsUSB != ports[j].IsUSB {
			return ports[i].IsUSB
		}

		return ports[i].Name < ports[j].Name
	})
}
