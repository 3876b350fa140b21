package trigger

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOLine is a line on a GPIO character device (/dev/gpiochipN).
type GPIOLine struct {
	line   *gpiocdev.Line
	chip   string
	offset int
}

// OpenGPIOLine requests offset on chip as an input.
func OpenGPIOLine(chip string, offset int, consumer string) (*GPIOLine, error) {
	l, err := gpiocdev.RequestLine(chip, offset,
		gpiocdev.AsInput,
		gpiocdev.WithConsumer(consumer),
	)
	if err != nil {
		return nil, fmt.Errorf("trigger: request %s line %d: %w", chip, offset, err)
	}
	return &GPIOLine{line: l, chip: chip, offset: offset}, nil
}

func (g *GPIOLine) Read() (Level, error) {
	v, err := g.line.Value()
	if err != nil {
		return 0, g.wrap("read", err)
	}
	if v != 0 {
		return High, nil
	}
	return Low, nil
}

func (g *GPIOLine) Write(l Level) error {
	if err := g.line.SetValue(int(l)); err != nil {
		return g.wrap("write", err)
	}
	return nil
}

func (g *GPIOLine) Close() error {
	return g.line.Close()
}

// wrap marks errors from a closed or vanished chip as ErrLineInvalid.
func (g *GPIOLine) wrap(op string, err error) error {
	if errors.Is(err, gpiocdev.ErrClosed) || errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.EBADF) {
		return fmt.Errorf("%w: %s line %d: %s: %v", ErrLineInvalid, g.chip, g.offset, op, err)
	}
	return fmt.Errorf("trigger: %s line %d: %s: %w", g.chip, g.offset, op, err)
}

// OpenLine opens the line a config names. Chip "fake" returns a FakeLine
// resting at the pre-trigger level.
func OpenLine(cfg Config, consumer string) (DigitalLine, error) {
	if cfg.Chip == "fake" {
		return NewFakeLine(cfg.Edge.PreLevel()), nil
	}
	return OpenGPIOLine(cfg.Chip, cfg.Pin, consumer)
}
