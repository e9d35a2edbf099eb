package oscontrol

import "math"

func float32bitsOSC(f float32) uint32       { return math.Float32bits(f) }
func float32bitsFromOSC(b uint32) float32 { return math.Float32frombits(b) }
