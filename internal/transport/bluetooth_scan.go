package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/bluetoothutil"
	"tinygo.org/x/bluetooth"
)

const defaultBluetoothScanDuration = 10 * time.Second

// ScannedDevice is one advertising peripheral seen during a scan.
type ScannedDevice struct {
	Name           string
	Address        string
	RSSI           int
	HasUARTService bool
}

// BluetoothScanner lists advertising devices that pass a name filter.
type BluetoothScanner struct {
	scanDuration time.Duration
	mu           sync.Mutex
}

func NewBluetoothScanner(scanDuration time.Duration) *BluetoothScanner {
	if scanDuration <= 0 {
		scanDuration = defaultBluetoothScanDuration
	}

	return &BluetoothScanner{scanDuration: scanDuration}
}

func (s *BluetoothScanner) Scan(ctx context.Context, adapterID, nameFilter string) ([]ScannedDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	adapter := bluetoothutil.ResolveAdapter(adapterID)
	if err := bluetoothutil.EnableAdapter(adapter); err != nil {
		return nil, classifyBluetoothError(err)
	}
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return nil, fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx := ctx
	if _, hasDeadline := scanCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(scanCtx, s.scanDuration)
		defer cancel()
	}

	var (
		mu      sync.Mutex
		devices = make(map[string]ScannedDevice)
	)
	scanErrCh := make(chan error, 1)

	go func() {
		scanErrCh <- runBluetoothScan(adapter, func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			entry := scannedDeviceFromResult(result)
			if entry.Address == "" || !bluetoothutil.MatchesName(entry.Name, nameFilter) {
				return
			}

			mu.Lock()
			defer mu.Unlock()
			if existing, ok := devices[entry.Address]; ok {
				devices[entry.Address] = mergeScannedDevice(existing, entry)
				return
			}
			devices[entry.Address] = entry
		})
	}()

	if err := awaitScanCompletion(scanCtx, adapter, scanErrCh); err != nil {
		return nil, err
	}

	mu.Lock()
	result := make([]ScannedDevice, 0, len(devices))
	for _, device := range devices {
		result = append(result, device)
	}
	mu.Unlock()

	sortScannedDevices(result)

	return result, nil
}

// discoverBluetoothDeviceByName stops at the first advertiser whose name
// passes the filter.
func discoverBluetoothDeviceByName(ctx context.Context, adapter *bluetooth.Adapter, nameFilter string, wait time.Duration) (ScannedDevice, error) {
	logger := transportLogger("bluetooth", "name", nameFilter)
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return ScannedDevice{}, fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	foundCh := make(chan ScannedDevice, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- runBluetoothScan(adapter, func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
			entry := scannedDeviceFromResult(result)
			if entry.Address == "" || entry.Name == "" || !bluetoothutil.MatchesName(entry.Name, nameFilter) {
				return
			}
			select {
			case foundCh <- entry:
			default:
			}
			_ = a.StopScan()
		})
	}()

	logger.Info("scanning for device")
	err := awaitScanCompletion(scanCtx, adapter, scanErrCh)
	select {
	case found := <-foundCh:
		return found, nil
	default:
	}
	if err != nil {
		return ScannedDevice{}, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ScannedDevice{}, ctxErr
	}

	return ScannedDevice{}, fmt.Errorf("%w: no device advertising %q nearby", ErrDeviceNotFound, nameFilter)
}

func discoverBluetoothDevice(ctx context.Context, adapter *bluetooth.Adapter, target bluetooth.Address) error {
	logger := transportLogger("bluetooth", "target", target.String())
	logger.Info("starting device discovery fallback")
	if err := bluetoothutil.StopScan(adapter); err != nil {
		return fmt.Errorf("reset bluetooth scan state: %w", err)
	}

	scanCtx := ctx
	if _, hasDeadline := scanCtx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(scanCtx, defaultBluetoothDiscoverWait)
		defer cancel()
	}

	foundCh := make(chan struct{}, 1)
	scanErrCh := make(chan error, 1)
	go func() {
		scanErrCh <- adapter.Scan(func(_ *bluetooth.Adapter, result bluetooth.ScanResult) {
			if result.Address.String() != target.String() {
				return
			}
			select {
			case foundCh <- struct{}{}:
			default:
			}
			_ = adapter.StopScan()
		})
	}()

	found := false
	select {
	case <-foundCh:
		found = true
	case <-scanCtx.Done():
		_ = bluetoothutil.StopScan(adapter)
	}

	scanErr := <-scanErrCh
	if scanErr = bluetoothutil.IgnoreBenignScanError(scanErr); scanErr != nil {
		return fmt.Errorf("scan bluetooth devices: %w", scanErr)
	}
	if !found {
		return fmt.Errorf("%w: %s was not discovered; power the board on and keep it nearby", ErrDeviceNotFound, target.String())
	}

	return nil
}

func runBluetoothScan(adapter *bluetooth.Adapter, callback func(*bluetooth.Adapter, bluetooth.ScanResult)) error {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := adapter.Scan(callback)
		if err == nil {
			return nil
		}
		lastErr = err
		if !bluetoothutil.IsScanAlreadyInProgressError(err) {
			return err
		}
		if stopErr := bluetoothutil.StopScan(adapter); stopErr != nil {
			return errors.Join(err, fmt.Errorf("stop stale bluetooth scan: %w", stopErr))
		}
	}

	return lastErr
}

func awaitScanCompletion(ctx context.Context, adapter *bluetooth.Adapter, scanErrCh <-chan error) error {
	select {
	case err := <-scanErrCh:
		if err = bluetoothutil.IgnoreBenignScanError(err); err != nil {
			return fmt.Errorf("scan bluetooth devices: %w", classifyBluetoothError(err))
		}
		return nil
	case <-ctx.Done():
		if err := bluetoothutil.StopScan(adapter); err != nil {
			return fmt.Errorf("stop bluetooth scan: %w", err)
		}
		err := <-scanErrCh
		if err = bluetoothutil.IgnoreBenignScanError(err); err != nil {
			return fmt.Errorf("scan bluetooth devices: %w", classifyBluetoothError(err))
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil
		}
		return ctx.Err()
	}
}

func scannedDeviceFromResult(result bluetooth.ScanResult) ScannedDevice {
	return ScannedDevice{
		Name:           strings.TrimSpace(result.LocalName()),
		Address:        normalizeBluetoothAddress(result.Address.String()),
		RSSI:           int(result.RSSI),
		HasUARTService: result.HasServiceUUID(bluetoothutil.UARTServiceUUID()),
	}
}

func mergeScannedDevice(existing, next ScannedDevice) ScannedDevice {
	merged := existing
	if len(next.Name) > len(merged.Name) {
		merged.Name = next.Name
	}
	if next.RSSI > merged.RSSI {
		merged.RSSI = next.RSSI
	}
	merged.HasUARTService = merged.HasUARTService || next.HasUARTService

	return merged
}

func sortScannedDevices(devices []ScannedDevice) {
	sort.Slice(devices, func(i, j int) bool {
		if devices[i].HasUARTService != devices[j].HasUARTService {
			return devices[i].HasUARTService
		}
		if devices[i].RSSI != devices[j].RSSI {
			return devices[i].RSSI > devices[j].RSSI
		}
		if devices[i].Name != devices[j].Name {
			return devices[i].Name < devices[j].Name
		}

		return devices[i].Address < devices[j].Address
	})
}
