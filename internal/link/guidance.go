package link

import (
	"errors"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/connectors"
	"github.com/MagicBitTutorial123/Neo-sub001/internal/transport"
)

// GuidanceFor picks a troubleshooting hint for a connection that gave up.
func GuidanceFor(transportName string, err error) (connectors.Guidance, bool) {
	if err == nil {
		return connectors.Guidance{}, false
	}
	bluetooth := transportName == "bluetooth"
	g := connectors.Guidance{Cause: err.Error()}

	switch {
	case errors.Is(err, transport.ErrNotAllowed):
		g.Title = "Access denied"
		if bluetooth {
			g.Message = "Allow Bluetooth access for neolink, or connect the board with a USB cable instead."
		} else {
			g.Message = "Your user cannot open the serial port. Add it to the dialout group or run with the required permissions."
		}
	case errors.Is(err, transport.ErrDeviceNotFound):
		g.Title = "Board not found"
		if bluetooth {
			g.Message = "Make sure the board is powered on and close by. If it still does not show up, switch to USB."
		} else {
			g.Message = "Check the USB cable and make sure the board shows up as a serial port."
		}
	case errors.Is(err, ErrDiscoveryRequiresUser), errors.Is(err, transport.ErrNoTarget):
		g.Title = "No board selected"
		g.Message = "Connect once manually so neolink can find and remember your board."
	case errors.Is(err, transport.ErrBusy):
		g.Title = "Port busy"
		g.Message = "Another program is using the board. Close it and try again."
	case errors.Is(err, ErrRetriesExhausted):
		g.Title = "Connection failed"
		if bluetooth {
			g.Message = "Could not reach the board over Bluetooth. Try switching to USB."
		} else {
			g.Message = "Could not open the board. Unplug it, plug it back in and try again."
		}
	default:
		return connectors.Guidance{}, false
	}

	return g, true
}
