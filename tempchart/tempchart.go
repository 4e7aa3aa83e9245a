// Copyright 2020 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package tempchart renders a set of thermometer readings as a bar chart.
//
// Each bar is colored with screen1d.HeatColor so the chart matches the
// terminal heat strip. Failed readings get no bar and are labeled "n/a".
package tempchart

import (
	"errors"
	"fmt"
	"image"
	"image/color"
	"io"
	"sync"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"periph.io/x/conn/v3/physic"

	"github.com/GermanBionicSystems/thermowire/screen1d"
	"github.com/GermanBionicSystems/thermowire/sensorreg"
)

// Opts contains the chart layout.
type Opts struct {
	Width, Height int
	// Min and Max are the temperatures at the bottom and the top of the
	// plot area.
	Min, Max physic.Temperature
	// FontSize is in points.
	FontSize float64
}

// DefaultOpts is the recommended default options.
var DefaultOpts = Opts{
	Width:    480,
	Height:   240,
	Min:      physic.ZeroCelsius,
	Max:      physic.ZeroCelsius + 40*physic.Celsius,
	FontSize: 12,
}

// Margins around the plot area, in pixels.
const (
	MarginTop    = 24
	MarginBottom = 32
	MarginSide   = 8
)

// ErrNoReadings is returned when there is nothing to draw.
var ErrNoReadings = errors.New("tempchart: no readings")

// Render draws the readings left to right in order.
func Render(r []sensorreg.Reading, opts *Opts) (image.Image, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if len(r) == 0 {
		return nil, ErrNoReadings
	}
	if opts.Width <= 2*MarginSide || opts.Height <= MarginTop+MarginBottom {
		return nil, fmt.Errorf("tempchart: image %dx%d too small", opts.Width, opts.Height)
	}
	if opts.Max <= opts.Min {
		return nil, errors.New("tempchart: empty temperature range")
	}
	face, err := newFace(opts.FontSize)
	if err != nil {
		return nil, err
	}
	w, h := float64(opts.Width), float64(opts.Height)
	dc := gg.NewContext(opts.Width, opts.Height)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetFontFace(face)

	base := h - MarginBottom
	plotH := base - MarginTop
	slot := (w - 2*MarginSide) / float64(len(r))
	for i := range r {
		cx := MarginSide + slot*(float64(i)+0.5)
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(label(r[i]), cx, base+MarginBottom/2, 0.5, 0.5)
		if r[i].Err != nil {
			dc.SetRGB(0.5, 0.5, 0.5)
			dc.DrawStringAnchored("n/a", cx, base-MarginTop/2, 0.5, 0.5)
			continue
		}
		f := float64(r[i].Temp-opts.Min) / float64(opts.Max-opts.Min)
		if f < 0 {
			f = 0
		} else if f > 1 {
			f = 1
		}
		barH := float64(int(f * plotH))
		barW := float64(int(slot * 0.6))
		dc.SetColor(screen1d.HeatColor(r[i].Temp, opts.Min, opts.Max))
		dc.DrawRectangle(float64(int(cx-barW/2)), base-barH, barW, barH)
		dc.Fill()
		dc.SetRGB(0, 0, 0)
		dc.DrawStringAnchored(fmt.Sprintf("%.1f°C", r[i].Temp.Celsius()), cx, base-barH-MarginTop/2, 0.5, 0.5)
	}
	dc.SetColor(color.Black)
	dc.SetLineWidth(1)
	dc.DrawLine(MarginSide, base+0.5, w-MarginSide, base+0.5)
	dc.Stroke()
	return dc.Image(), nil
}

// Encode renders the readings and writes them to w as a PNG.
func Encode(w io.Writer, r []sensorreg.Reading, opts *Opts) error {
	img, err := Render(r, opts)
	if err != nil {
		return err
	}
	return gg.NewContextForImage(img).EncodePNG(w)
}

// label is the low 16 bits of the serial number, as printed in the ROM
// string.
func label(r sensorreg.Reading) string {
	if r.Sensor == nil {
		return "?"
	}
	rom := r.Sensor.ROM()
	return rom[10:14]
}

var (
	fontOnce sync.Once
	fontTTF  *truetype.Font
	fontErr  error
)

func newFace(size float64) (font.Face, error) {
	fontOnce.Do(func() {
		fontTTF, fontErr = truetype.Parse(goregular.TTF)
	})
	if fontErr != nil {
		return nil, fmt.Errorf("tempchart: %w", fontErr)
	}
	return truetype.NewFace(fontTTF, &truetype.Options{Size: size}), nil
}
