package index

import (
	"encoding/binary"
	"fmt"
	"math"
)

const geoPointSize = 16 + 12

// GeoPoint is a stored document location with its unit-sphere position.
type GeoPoint struct {
	Lat  float64
	Lng  float64
	ECEF [3]float32
}

// NewGeoPoint builds a GeoPoint from degrees.
func NewGeoPoint(lat, lng float64) GeoPoint {
	return GeoPoint{Lat: lat, Lng: lng, ECEF: ToECEF(lat, lng)}
}

// ToECEF converts latitude/longitude in degrees to a unit-sphere vector.
func ToECEF(latDeg, lngDeg float64) [3]float32 {
	lat := latDeg * math.Pi / 180
	lng := lngDeg * math.Pi / 180
	x := math.Cos(lat) * math.Cos(lng)
	y := math.Cos(lat) * math.Sin(lng)
	z := math.Sin(lat)
	return [3]float32{float32(x), float32(y), float32(z)}
}

func EncodeGeoPoint(p GeoPoint) []byte {
	out := make([]byte, 0, geoPointSize)
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(p.Lat))
	out = binary.BigEndian.AppendUint64(out, math.Float64bits(p.Lng))
	for _, c := range p.ECEF {
		out = binary.BigEndian.AppendUint32(out, math.Float32bits(c))
	}
	return out
}

func DecodeGeoPoint(data []byte) (GeoPoint, error) {
	if len(data) != geoPointSize {
		return GeoPoint{}, fmt.Errorf("geo point of %d bytes: %w", len(data), ErrBadKey)
	}
	p := GeoPoint{
		Lat: math.Float64frombits(binary.BigEndian.Uint64(data)),
		Lng: math.Float64frombits(binary.BigEndian.Uint64(data[8:])),
	}
	for i := range p.ECEF {
		p.ECEF[i] = math.Float32frombits(binary.BigEndian.Uint32(data[16+4*i:]))
	}
	return p, nil
}

// EncodeVector stores a vector as little-endian float32s.
func EncodeVector(v []float32) []byte {
	out := make([]byte, 0, 4*len(v))
	for _, f := range v {
		out = binary.LittleEndian.AppendUint32(out, math.Float32bits(f))
	}
	return out
}

func DecodeVector(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("vector of %d bytes: %w", len(data), ErrBadKey)
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return v, nil
}
