// Copyright 2017 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package screen1d implements a 1D display.Drawer that outputs to a terminal
// using ANSI color codes.
//
// It is used to show a set of thermometer readings as a heat strip, one cell
// per sensor, from blue for the coldest to red for the hottest.
package screen1d

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"

	"github.com/maruel/ansi256"
	"github.com/mattn/go-colorable"
	"periph.io/x/conn/v3/display"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/thermowire/sensorreg"
)

// Opts represents the options available for this display.
type Opts struct {
	// X is the number of cells.
	X       int
	Palette *ansi256.Palette
	// W defaults to the colorable stdout.
	W io.Writer
	// Min and Max are the temperatures mapped to the ends of the color scale.
	// They default to 0°C and 40°C.
	Min, Max physic.Temperature

	_ struct{}
}

// Dev is a 1D LED strip emulator that outputs to the console.
type Dev struct {
	w       io.Writer
	l       int
	palette ansi256.Palette
	lo, hi  physic.Temperature

	pixels []byte
	buf    bytes.Buffer
}

// New returns a Dev that displays at the console.
func New(opts *Opts) *Dev {
	p := opts.Palette
	if p == nil {
		p = ansi256.Default
	}
	w := opts.W
	if w == nil {
		w = colorable.NewColorableStdout()
	}
	d := &Dev{
		w:       w,
		l:       opts.X,
		palette: *p,
		lo:      opts.Min,
		hi:      opts.Max,
		pixels:  make([]byte, 3*opts.X),
	}
	if d.lo == 0 && d.hi == 0 {
		d.lo = physic.ZeroCelsius
		d.hi = physic.ZeroCelsius + 40*physic.Celsius
	}
	return d
}

func (d *Dev) String() string {
	return "Screen1D"
}

// Halt implements conn.Resource.
//
// It clears the display so it is not corrupted.
func (d *Dev) Halt() error {
	_, err := d.w.Write([]byte("\n\033[0m"))
	return err
}

// Write accepts a stream of raw RGB pixels and writes it to the console.
func (d *Dev) Write(pixels []byte) (int, error) {
	if len(pixels)%3 != 0 {
		return 0, errors.New("screen1d: invalid RGB stream length")
	}
	copy(d.pixels, pixels)
	return d.refresh()
}

// ShowReadings draws one cell per reading, in order. Failed readings are
// drawn dark gray and cells past the last reading are cleared.
func (d *Dev) ShowReadings(r []sensorreg.Reading) error {
	pixels := make([]byte, len(d.pixels))
	for i := 0; i < len(r) && 3*i < len(pixels); i++ {
		c := color.NRGBA{0x30, 0x30, 0x30, 0xff}
		if r[i].Err == nil {
			c = HeatColor(r[i].Temp, d.lo, d.hi)
		}
		pixels[3*i] = c.R
		pixels[3*i+1] = c.G
		pixels[3*i+2] = c.B
	}
	_, err := d.Write(pixels)
	return err
}

// ColorModel implements display.Drawer.
func (d *Dev) ColorModel() color.Model {
	return color.NRGBAModel
}

// Bounds implements display.Drawer.
func (d *Dev) Bounds() image.Rectangle {
	return image.Rectangle{Max: image.Point{X: d.l, Y: 1}}
}

// Draw implements display.Drawer.
func (d *Dev) Draw(r image.Rectangle, src image.Image, sp image.Point) error {
	r = r.Intersect(d.Bounds())
	srcR := src.Bounds()
	srcR.Min = srcR.Min.Add(sp)
	if dX := r.Dx(); dX < srcR.Dx() {
		srcR.Max.X = srcR.Min.X + dX
	}
	if dY := r.Dy(); dY < srcR.Dy() {
		srcR.Max.Y = srcR.Min.Y + dY
	}
	deltaX3 := 3 * (r.Min.X - srcR.Min.X)
	for sX := srcR.Min.X; sX < srcR.Max.X; sX++ {
		r16, g16, b16, _ := src.At(sX, srcR.Min.Y).RGBA()
		dX3 := 3*sX + deltaX3
		d.pixels[dX3] = byte(r16 >> 8)
		d.pixels[dX3+1] = byte(g16 >> 8)
		d.pixels[dX3+2] = byte(b16 >> 8)
	}
	_, err := d.refresh()
	return err
}

// HeatColor maps t linearly on a blue to red scale between lo and hi.
// Values outside the range are clamped.
func HeatColor(t, lo, hi physic.Temperature) color.NRGBA {
	var f float64
	if hi > lo {
		f = float64(t-lo) / float64(hi-lo)
	}
	if f < 0 {
		f = 0
	} else if f > 1 {
		f = 1
	}
	// Blue, cyan, green, yellow, red.
	stops := [...]color.NRGBA{
		{0x00, 0x00, 0xff, 0xff},
		{0x00, 0xff, 0xff, 0xff},
		{0x00, 0xff, 0x00, 0xff},
		{0xff, 0xff, 0x00, 0xff},
		{0xff, 0x00, 0x00, 0xff},
	}
	pos := f * float64(len(stops)-1)
	i := int(pos)
	if i >= len(stops)-1 {
		return stops[len(stops)-1]
	}
	a, b := stops[i], stops[i+1]
	frac := pos - float64(i)
	lerp := func(x, y uint8) uint8 {
		return uint8(float64(x) + (float64(y)-float64(x))*frac + 0.5)
	}
	return color.NRGBA{lerp(a.R, b.R), lerp(a.G, b.G), lerp(a.B, b.B), 0xff}
}

func (d *Dev) refresh() (int, error) {
	// This code is designed to minimize the amount of memory allocated per call.
	d.buf.Reset()
	_, _ = d.buf.WriteString("\r\033[0m")
	for i := 0; i < len(d.pixels)/3; i++ {
		c := color.NRGBA{d.pixels[3*i], d.pixels[3*i+1], d.pixels[3*i+2], 255}
		_, _ = io.WriteString(&d.buf, d.palette.Block(c))
	}
	_, _ = d.buf.WriteString("\033[0m ")
	_, err := d.buf.WriteTo(d.w)
	return len(d.pixels), err
}

var _ display.Drawer = &Dev{}
var _ fmt.Stringer = &Dev{}
