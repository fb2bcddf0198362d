// Copyright (C) 2024  wwhai
//
// This program is free software; you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; either version 2 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License along
// with this program; if not, see <https://www.gnu.org/licenses/>.

package mbclient

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// Point describes one named value on a server: where it lives, how wide
// it is and how to interpret it. Address is 1-based like the Client API.
// Count is the number of values (not registers), so a Count of 4 with
// PrecisionFloat32 covers 8 registers. Scale multiplies every value
// after decoding; zero is treated as 1.
type Point struct {
	Tag       string
	Alias     string
	ServerID  uint8
	Target    Target
	Address   uint32
	Count     uint16
	Precision Precision
	Scale     float64
}

// PointValue is the result of reading one Point. Values is nil when the
// covering batch read failed.
type PointValue struct {
	Tag    string
	Alias  string
	Values []float64
}

// Reader is the read side of Client, the part a PointMap scan needs.
type Reader interface {
	Read(serverID uint8, target Target, address uint32, count uint16, precision Precision) ([]float64, error)
	ReadSegments(serverID uint8, target Target, address uint32, segments []ReadSegment) ([]float64, error)
}

// PointMap is a validated collection of points with a precomputed scan
// plan. Points on the same server and target area whose addresses line
// up back to back are fetched in one transaction, up to the protocol
// read limits.
type PointMap struct {
	points []Point
	byTag  map[string]int
	groups [][]int // indices into points, one inner slice per batch
}

// NewPointMap validates the points, rejects duplicate tags and plans
// the batches. The original point order is kept for results.
func NewPointMap(points []Point) (*PointMap, error) {
	pm := &PointMap{
		points: make([]Point, len(points)),
		byTag:  make(map[string]int, len(points)),
	}
	copy(pm.points, points)

	for i := range pm.points {
		if pm.points[i].Scale == 0 {
			pm.points[i].Scale = 1
		}
		if err := pm.points[i].validate(); err != nil {
			return nil, fmt.Errorf("point %d (%s): %w", i, pm.points[i].Tag, err)
		}
		if prev, dup := pm.byTag[pm.points[i].Tag]; dup {
			return nil, fmt.Errorf("point %d: tag %q already used by point %d", i, pm.points[i].Tag, prev)
		}
		pm.byTag[pm.points[i].Tag] = i
	}

	pm.groups = planGroups(pm.points)
	return pm, nil
}

// Points returns a copy of the points in their original order.
func (pm *PointMap) Points() []Point {
	out := make([]Point, len(pm.points))
	copy(out, pm.points)
	return out
}

// Point looks up a point by tag.
func (pm *PointMap) Point(tag string) (Point, bool) {
	idx, ok := pm.byTag[tag]
	if !ok {
		return Point{}, false
	}
	return pm.points[idx], true
}

// Batches returns the planned scan batches. Each inner slice is read in
// one transaction, sorted by server, target area and address.
func (pm *PointMap) Batches() [][]Point {
	out := make([][]Point, len(pm.groups))
	for i, group := range pm.groups {
		batch := make([]Point, len(group))
		for j, idx := range group {
			batch[j] = pm.points[idx]
		}
		out[i] = batch
	}
	return out
}

// ReadAll scans every point, one transaction per batch, and returns the
// results in the original point order. A failed batch contributes one
// error and leaves Values nil for the points it covers; the remaining
// batches are still read.
func (pm *PointMap) ReadAll(r Reader) ([]PointValue, []error) {
	out := make([]PointValue, len(pm.points))
	for i, p := range pm.points {
		out[i] = PointValue{Tag: p.Tag, Alias: p.Alias}
	}

	var errs []error
	for _, group := range pm.groups {
		values, err := pm.readGroup(r, group)
		if err != nil {
			first := pm.points[group[0]]
			errs = append(errs, fmt.Errorf("scan %s server %d address %d: %w",
				first.Target, first.ServerID, first.Address, err))
			continue
		}
		offset := 0
		for _, idx := range group {
			p := pm.points[idx]
			scaled := make([]float64, p.Count)
			for j, v := range values[offset : offset+int(p.Count)] {
				scaled[j] = v * p.Scale
			}
			out[idx].Values = scaled
			offset += int(p.Count)
		}
	}
	return out, errs
}

// readGroup issues the single read covering one batch. Register batches
// go out as a segmented read so each point keeps its own precision; bit
// batches are a plain read of the combined bit count.
func (pm *PointMap) readGroup(r Reader, group []int) ([]float64, error) {
	first := pm.points[group[0]]
	if first.Target.IsRegister() {
		segments := make([]ReadSegment, len(group))
		for i, idx := range group {
			p := pm.points[idx]
			segments[i] = ReadSegment{Count: p.Count, Precision: p.Precision}
		}
		return r.ReadSegments(first.ServerID, first.Target, first.Address, segments)
	}
	var total uint16
	for _, idx := range group {
		total += pm.points[idx].Count
	}
	return r.Read(first.ServerID, first.Target, first.Address, total, PrecisionUint16)
}

// span returns how many protocol points (bits or registers) p covers.
func (p Point) span() uint32 {
	if p.Target.IsRegister() {
		return uint32(p.Count) * uint32(p.Precision.Registers())
	}
	return uint32(p.Count)
}

func (p Point) validate() error {
	if p.Tag == "" {
		return fmt.Errorf("tag is required")
	}
	if !p.Target.valid() {
		return fmt.Errorf("unknown target area %d", p.Target)
	}
	if err := validateServerID(p.ServerID, true); err != nil {
		return err
	}
	if !p.Precision.valid() {
		return fmt.Errorf("unsupported precision %d", p.Precision)
	}
	if p.Count == 0 {
		return fmt.Errorf("count must be positive")
	}
	if p.Target.IsRegister() {
		if p.span() > MaxReadRegisters {
			return fmt.Errorf("%d values of %s occupy %d registers, allowed 1-%d",
				p.Count, p.Precision, p.span(), MaxReadRegisters)
		}
	} else if p.Count > MaxReadBits {
		return fmt.Errorf("%d bits out of range 1-%d", p.Count, MaxReadBits)
	}
	return validateAddress(p.Address, uint16(p.span()))
}

// planGroups sorts points by server, target and address and merges runs
// whose addresses continue exactly where the previous point ends, as
// long as the combined span stays under the protocol read limit.
func planGroups(points []Point) [][]int {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		pa, pb := points[order[a]], points[order[b]]
		if pa.ServerID != pb.ServerID {
			return pa.ServerID < pb.ServerID
		}
		if pa.Target != pb.Target {
			return pa.Target < pb.Target
		}
		return pa.Address < pb.Address
	})

	var groups [][]int
	var span uint32
	for _, idx := range order {
		p := points[idx]
		if n := len(groups); n > 0 {
			last := groups[n-1]
			prev := points[last[len(last)-1]]
			if prev.ServerID == p.ServerID && prev.Target == p.Target &&
				prev.Address+prev.span() == p.Address &&
				span+p.span() <= readLimit(p.Target) {
				groups[n-1] = append(last, idx)
				span += p.span()
				continue
			}
		}
		groups = append(groups, []int{idx})
		span = p.span()
	}
	return groups
}

func readLimit(t Target) uint32 {
	if t.IsRegister() {
		return MaxReadRegisters
	}
	return MaxReadBits
}

// pointHeaders is the column set written by WriteCSV. LoadPointsCSV
// matches columns by header name, so input column order does not matter
// and unknown columns are ignored.
var pointHeaders = []string{
	"tag",
	"alias",
	"serverId",
	"target",
	"address",
	"count",
	"precision",
	"scale",
}

// LoadPointsCSV reads a point table from CSV. The header row must name
// at least tag, target and address; serverId defaults to 1, count to 1,
// precision to uint16 and scale to 1.
func LoadPointsCSV(reader io.Reader) (*PointMap, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true

	records, err := csvReader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read CSV: %w", err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("empty CSV file")
	}

	headerMap := make(map[string]int)
	for i, h := range records[0] {
		headerMap[strings.TrimSpace(h)] = i
	}
	for _, field := range []string{"tag", "target", "address"} {
		if _, ok := headerMap[field]; !ok {
			return nil, fmt.Errorf("missing required field in CSV header: %s", field)
		}
	}

	points := make([]Point, 0, len(records)-1)
	for i, record := range records[1:] {
		point, err := parsePointRecord(record, headerMap, i+2)
		if err != nil {
			return nil, err
		}
		points = append(points, point)
	}
	return NewPointMap(points)
}

// LoadPointsCSVString reads a point table from a CSV string.
func LoadPointsCSVString(data string) (*PointMap, error) {
	return LoadPointsCSV(strings.NewReader(data))
}

func parsePointRecord(record []string, headerMap map[string]int, rowNum int) (Point, error) {
	var point Point

	getField := func(name string) string {
		if idx, ok := headerMap[name]; ok && idx < len(record) {
			return strings.TrimSpace(record[idx])
		}
		return ""
	}
	parseUintField := func(name string, bitSize int) (uint64, error) {
		strVal := getField(name)
		if strVal == "" {
			return 0, fmt.Errorf("'%s' is required at row %d", name, rowNum)
		}
		val, err := strconv.ParseUint(strVal, 10, bitSize)
		if err != nil {
			return 0, fmt.Errorf("invalid '%s' at row %d: %w", name, rowNum, err)
		}
		return val, nil
	}

	point.Tag = getField("tag")
	if point.Tag == "" {
		return point, fmt.Errorf("'tag' is required at row %d", rowNum)
	}
	point.Alias = getField("alias")

	target, err := ParseTarget(getField("target"))
	if err != nil {
		return point, fmt.Errorf("invalid 'target' at row %d: %w", rowNum, err)
	}
	point.Target = target

	address, err := parseUintField("address", 32)
	if err != nil {
		return point, err
	}
	point.Address = uint32(address)

	point.ServerID = DefaultServerID
	if getField("serverId") != "" {
		serverID, err := parseUintField("serverId", 8)
		if err != nil {
			return point, err
		}
		point.ServerID = uint8(serverID)
	}

	point.Count = 1
	if getField("count") != "" {
		count, err := parseUintField("count", 16)
		if err != nil {
			return point, err
		}
		point.Count = uint16(count)
	}

	// ParsePrecision maps the empty string to uint16.
	precision, err := ParsePrecision(getField("precision"))
	if err != nil {
		return point, fmt.Errorf("invalid 'precision' at row %d: %w", rowNum, err)
	}
	point.Precision = precision

	point.Scale = 1
	if scaleStr := getField("scale"); scaleStr != "" {
		scale, err := strconv.ParseFloat(scaleStr, 64)
		if err != nil {
			return point, fmt.Errorf("invalid 'scale' at row %d: %w", rowNum, err)
		}
		point.Scale = scale
	}

	return point, nil
}

// WriteCSV writes the point table in the canonical column order, one
// row per point, loadable by LoadPointsCSV.
func (pm *PointMap) WriteCSV(writer io.Writer) error {
	csvWriter := csv.NewWriter(writer)

	if err := csvWriter.Write(pointHeaders); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, p := range pm.points {
		record := []string{
			p.Tag,
			p.Alias,
			strconv.FormatUint(uint64(p.ServerID), 10),
			p.Target.String(),
			strconv.FormatUint(uint64(p.Address), 10),
			strconv.FormatUint(uint64(p.Count), 10),
			p.Precision.String(),
			strconv.FormatFloat(p.Scale, 'f', -1, 64),
		}
		if err := csvWriter.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record for point %s: %w", p.Tag, err)
		}
	}
	csvWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// CSVString returns the point table as a CSV string.
func (pm *PointMap) CSVString() (string, error) {
	var builder strings.Builder
	if err := pm.WriteCSV(&builder); err != nil {
		return "", err
	}
	return builder.String(), nil
}
