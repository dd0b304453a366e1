package app

import (
	"fmt"
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/devices/v3/ssd1306"
	"periph.io/x/devices/v3/ssd1306/image1bit"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/fieldnav/internal/tracker"
)

const (
	displayWidth   = 128
	displayHeight  = 64
	displayCols    = displayWidth / 7 // basicfont.Face7x13
	displayLineH   = 13
	displayRefresh = 250 * time.Millisecond
)

// drawer is the part of *ssd1306.Dev the status display uses.
type drawer interface {
	Bounds() image.Rectangle
	Draw(r image.Rectangle, src image.Image, sp image.Point) error
}

// addressedBus sends every transaction to addr. The ssd1306 driver always
// talks to 0x3C; panels strapped to 0x3D need the override.
type addressedBus struct {
	i2c.Bus
	addr uint16
}

func (b *addressedBus) Tx(_ uint16, w, r []byte) error {
	return b.Bus.Tx(b.addr, w, r)
}

// statusDisplay shows the latest pose report on the OLED, at most once per
// displayRefresh.
type statusDisplay struct {
	dev   drawer
	clock clock.Clock
	last  time.Time
	close func() error
}

func newStatusDisplay(dev drawer, clk clock.Clock) *statusDisplay {
	return &statusDisplay{dev: dev, clock: clk, close: func() error { return nil }}
}

// openStatusDisplay initialises periph and the panel at addr.
func openStatusDisplay(addr uint16, clk clock.Clock) (*statusDisplay, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph: %w", err)
	}

	bus, err := i2creg.Open("")
	if err != nil {
		return nil, fmt.Errorf("failed to open I2C bus: %w", err)
	}

	dev, err := ssd1306.NewI2C(&addressedBus{Bus: bus, addr: addr}, &ssd1306.DefaultOpts)
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("failed to initialize display at 0x%02X: %w", addr, err)
	}

	d := newStatusDisplay(dev, clk)
	d.close = func() error {
		dev.Halt()
		return bus.Close()
	}
	if err := d.splash(); err != nil {
		d.Close()
		return nil, fmt.Errorf("display splash: %w", err)
	}
	return d, nil
}

func (d *statusDisplay) splash() error {
	return d.dev.Draw(d.dev.Bounds(), renderRows([]string{"", "  fieldnav", " Waiting for", "   targets"}), image.Point{})
}

// Show draws r unless the panel was refreshed less than displayRefresh ago.
func (d *statusDisplay) Show(r tracker.Report) error {
	now := d.clock.Now()
	if !d.last.IsZero() && now.Sub(d.last) < displayRefresh {
		return nil
	}
	d.last = now
	return d.dev.Draw(d.dev.Bounds(), renderRows(reportRows(r)), image.Point{})
}

func (d *statusDisplay) Close() error {
	return d.close()
}

func reportRows(r tracker.Report) []string {
	target := "No target"
	if r.Target != "" {
		target = r.Target
	}
	if len(target) > displayCols {
		target = target[:displayCols]
	}
	return []string{
		target,
		fmt.Sprintf("X: %8.1f mm", r.X),
		fmt.Sprintf("Y: %8.1f mm", r.Y),
		fmt.Sprintf("H: %7.1f deg", r.Heading),
	}
}

func renderRows(rows []string) *image1bit.VerticalLSB {
	img := image1bit.NewVerticalLSB(image.Rect(0, 0, displayWidth, displayHeight))

	fd := &font.Drawer{
		Dst:  img,
		Src:  &image.Uniform{image1bit.On},
		Face: basicfont.Face7x13,
	}
	for i, row := range rows {
		if (i+1)*displayLineH > displayHeight {
			break
		}
		fd.Dot = fixed.P(0, (i+1)*displayLineH)
		fd.DrawBytes([]byte(row))
	}
	return img
}
