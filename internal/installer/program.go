package installer

import (
	"embed"
	"fmt"
	"regexp"
	"strings"

	"github.com/MagicBitTutorial123/Neo-sub001/internal/upload"
)

//go:embed firmware/*.py
var firmwareFS embed.FS

// firmwareOrder lists the bundled files in install order. Modules precede
// their importers and boot.py goes last so a partial install never boots into
// missing modules.
var firmwareOrder = []string{
	"ble_advertising.py",
	"ble_uart_peripheral.py",
	"initBLE.py",
	"boot.py",
}

// FirmwareFiles returns the bundled firmware in install order.
func FirmwareFiles() ([]File, error) {
	files := make([]File, 0, len(firmwareOrder))
	for _, name := range firmwareOrder {
		raw, err := firmwareFS.ReadFile("firmware/" + name)
		if err != nil {
			return nil, fmt.Errorf("read bundled %s: %w", name, err)
		}
		files = append(files, File{Name: name, Content: string(raw)})
	}

	return files, nil
}

const (
	eventHandlersMarker = "#Event Handlers"
	mainFileName        = "main.py"
	handlersFileName    = "keyboardhandler.py"
	handlersHeader      = "import uasyncio as asyncio\nfrom machine import Pin\nimport neopixel\n"
)

var (
	whileTrueRe  = regexp.MustCompile(`^\s*while\s+True\s*:`)
	timeSleepRe  = regexp.MustCompile(`time\.sleep`)
	handlerDefRe = regexp.MustCompile(`def `)
)

// ProgramFiles converts a user program into the two modules the firmware
// loads: main.py with an async mainLoop, and keyboardhandler.py with the
// async key handlers found after the event handlers marker. The result is
// the same layout the firmware produces for programs sent over BLE.
func ProgramFiles(source string) ([]File, error) {
	source = strings.ReplaceAll(source, "\r\n", "\n")
	if strings.TrimSpace(source) == "" {
		return nil, upload.ErrEmptySource
	}

	mainCode, handlerCode, _ := strings.Cut(source, eventHandlersMarker)
	handlerCode = strings.ReplaceAll(handlerCode, eventHandlersMarker, "")

	var b strings.Builder
	b.WriteString("async def mainLoop():\n")
	for _, line := range strings.Split(strings.TrimRight("import uasyncio as asyncio\n"+mainCode, "\n"), "\n") {
		b.WriteString("    " + line + "\n")
		if whileTrueRe.MatchString(line) {
			b.WriteString("      await asyncio.sleep(0)\n")
		}
	}

	handlers := timeSleepRe.ReplaceAllString(handlerCode, "await asyncio.sleep")
	handlers = handlerDefRe.ReplaceAllString(handlers, "async def ")

	return []File{
		{Name: mainFileName, Content: b.String()},
		{Name: handlersFileName, Content: handlersHeader + handlers},
	}, nil
}
