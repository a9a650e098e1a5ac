// Package color implements the pure color-space conversions the entity
// mapper needs to translate HA light colors (xy, hs, rgb) into the Core
// HSV representation and back. Ported from the CIE 1931 / Wide RGB D65
// math Home Assistant itself uses (homeassistant/util/color.py).
package color

import "math"

// XYToHS converts a CIE 1931 xy chromaticity pair to hue (0..360) and
// saturation (0..100), matching HA's own xy->rgb->hsv round trip.
func XYToHS(x, y float64) (hue, saturation float64) {
	r, g, b := XYBrightnessToRGB(x, y, 255)
	h, s, _ := RGBToHSV(float64(r), float64(g), float64(b))
	return h, s
}

// XYBrightnessToRGB converts an xy chromaticity pair plus an 8-bit
// brightness to RGB using the Wide RGB D65 conversion matrix, reverse
// gamma correction, and out-of-gamut clamping to [0,1] per channel.
func XYBrightnessToRGB(x, y float64, brightness8 uint8) (r, g, b uint8) {
	bright := float64(brightness8) / 255.0
	if bright == 0 {
		return 0, 0, 0
	}
	if y == 0 {
		y = 1e-11
	}

	yy := bright
	xx := (yy / y) * x
	zz := (yy / y) * (1 - x - y)

	rf := xx*1.656492 - yy*0.354851 - zz*0.255038
	gf := -xx*0.707196 + yy*1.655397 + zz*0.036152
	bf := xx*0.051713 - yy*0.121364 + zz*1.01153

	rf = reverseGamma(rf)
	gf = reverseGamma(gf)
	bf = reverseGamma(bf)

	rf = math.Max(rf, 0)
	gf = math.Max(gf, 0)
	bf = math.Max(bf, 0)

	if maxComponent := math.Max(rf, math.Max(gf, bf)); maxComponent > 1 {
		rf /= maxComponent
		gf /= maxComponent
		bf /= maxComponent
	}

	return uint8(rf * 255), uint8(gf * 255), uint8(bf * 255)
}

func reverseGamma(v float64) float64 {
	if v <= 0.0031308 {
		return 12.92 * v
	}
	return 1.055*math.Pow(v, 1/2.4) - 0.055
}

// RGBToHSV converts 8-bit RGB components to hue (0..360), saturation
// (0..100), and value (0..100), rounded to 3 decimal places to match the
// ±1 HSV tolerance spec.md §9 calls for.
func RGBToHSV(r, g, b float64) (hue, saturation, value float64) {
	h, s, v := rgbToHSVUnit(r/255, g/255, b/255)
	return round3(h * 360), round3(s * 100), round3(v * 100)
}

// rgbToHSVUnit implements Python's colorsys.rgb_to_hsv over [0,1] inputs.
func rgbToHSVUnit(r, g, b float64) (h, s, v float64) {
	maxc := math.Max(r, math.Max(g, b))
	minc := math.Min(r, math.Min(g, b))
	v = maxc
	if minc == maxc {
		return 0, 0, v
	}
	rangec := maxc - minc
	s = rangec / maxc
	rc := (maxc - r) / rangec
	gc := (maxc - g) / rangec
	bc := (maxc - b) / rangec

	switch maxc {
	case r:
		h = bc - gc
	case g:
		h = 2.0 + rc - bc
	default:
		h = 4.0 + gc - rc
	}
	h = math.Mod(h/6.0, 1.0)
	if h < 0 {
		h += 1.0
	}
	return h, s, v
}

func round3(x float64) float64 {
	const scale = 1000.0
	return math.Round(x*scale) / scale
}

// MiredToPercent converts a HA color_temp value (mireds) into the 0..100
// percent scale the Core light entity uses for color_temperature, clamping
// out-of-range input to the light's documented min/max_mireds.
func MiredToPercent(value, minMireds, maxMireds uint16) (uint16, bool) {
	if maxMireds <= minMireds {
		return 0, false
	}
	if value < minMireds {
		value = minMireds
	}
	if value > maxMireds {
		value = maxMireds
	}
	return (value - minMireds) * 100 / (maxMireds - minMireds), true
}
